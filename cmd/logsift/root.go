package main

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/logsift"
	"github.com/randalmurphal/logsift/config"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	Verbose    bool
	Output     string // "text" | "json"
	ConfigFile string

	Webhook        string
	WebhookHeaders map[string]string
	WebhookEvents  []string
	WebhookSecret  string
	Metrics        bool
}

var validOutputs = []string{"text", "json"}

// configFlags maps flag names to the config keys they override.
var configFlags = map[string]string{
	"memory-ceiling":   logsift.KeyMemoryCeiling,
	"disk-quota":       logsift.KeyDiskQuota,
	"context-radius":   logsift.KeyContextRadius,
	"merge-gap":        logsift.KeyMergeGap,
	"max-result":       logsift.KeyMaxResult,
	"timeout":          logsift.KeyRunTimeout,
	"retries":          logsift.KeyRetryAttempts,
	"scratch-dir":      logsift.KeyScratchDir,
	"rules":            logsift.KeyRulesFile,
	"include-warnings": logsift.KeyIncludeWarnings,
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "logsift",
		Short: "Extract failure excerpts from CI build logs",
		Long: `logsift downloads the log of a CI run, decompresses it as a stream and
prints only the lines around failures, with a few lines of context.

A compressed log artifact is preferred; the raw job log is the fallback.
Memory and scratch disk use are capped per run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validOutputs, opts.Output) {
				return fmt.Errorf("invalid output %q: must be one of %v", opts.Output, validOutputs)
			}
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "log pipeline events to stderr")
	pf.StringVarP(&opts.Output, "output", "o", "text", "output format (text|json)")
	pf.StringVar(&opts.ConfigFile, "config", "", "config file (overrides global and repo config)")
	pf.StringVar(&opts.Webhook, "webhook", "", "POST run events as JSON to this URL")
	pf.StringToStringVar(&opts.WebhookHeaders, "webhook-header", nil, "extra webhook headers (key=value)")
	pf.StringSliceVar(&opts.WebhookEvents, "webhook-events", nil, "event types to deliver (default all)")
	pf.StringVar(&opts.WebhookSecret, "webhook-secret", "", "sign webhook deliveries with this secret (default $LOGSIFT_WEBHOOK_SECRET)")
	pf.BoolVar(&opts.Metrics, "metrics", false, "record OpenTelemetry metrics via the global meter provider")

	pf.String("memory-ceiling", "", "max bytes buffered per run (e.g. 256MiB)")
	pf.String("disk-quota", "", "max scratch bytes per run (e.g. 2GiB)")
	pf.Int("context-radius", 0, "lines of context around each signal")
	pf.Int("merge-gap", 0, "merge excerpts separated by at most this many lines")
	pf.String("max-result", "", "max bytes of excerpt text (e.g. 1MiB)")
	pf.String("timeout", "", "per-run time limit (e.g. 300s, 5m)")
	pf.Int("retries", 0, "attempts per retrieval channel")
	pf.String("scratch-dir", "", "scratch root directory")
	pf.String("rules", "", "YAML classifier rules file")
	pf.Bool("include-warnings", true, "report warning lines as signals")

	cmd.AddCommand(newGitHubCommand(opts))
	cmd.AddCommand(newGitLabCommand(opts))
	cmd.AddCommand(newFileCommand(opts))
	cmd.AddCommand(newConfigCommand(opts))
	cmd.AddCommand(newScratchCommand(opts))

	return cmd
}

// loadConfig resolves configuration, applying flags the user set.
func loadConfig(cmd *cobra.Command, opts *rootOptions) (logsift.Config, *config.Resolved, error) {
	flags := make(map[string]string)
	for name, key := range configFlags {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			flags[key] = f.Value.String()
		}
	}
	return logsift.LoadConfig(logsift.LoadOptions{
		File:     opts.ConfigFile,
		Flags:    flags,
		Warnings: cmd.ErrOrStderr(),
	})
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
