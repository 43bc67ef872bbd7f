// Command logsift extracts failure excerpts from CI build logs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	clierrors "github.com/randalmurphal/logsift/errors"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(clierrors.ExitCode(err))
	}
}
