package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	clierrors "github.com/randalmurphal/logsift/errors"
	"github.com/randalmurphal/logsift/scratch"
)

func newScratchCommand(rootOpts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scratch",
		Short: "Manage the scratch directory",
	}
	cmd.AddCommand(newSweepCommand(rootOpts))
	return cmd
}

func newSweepCommand(rootOpts *rootOptions) *cobra.Command {
	var (
		olderThan time.Duration
		dryRun    bool
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove run directories left behind by crashed processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd, rootOpts)
			if err != nil {
				return clierrors.Wrap(err)
			}
			if olderThan <= 0 {
				olderThan = cfg.ScratchStaleAfter
			}

			m, err := scratch.NewManager(scratch.Config{
				Dir:    cfg.ScratchDir,
				Logger: newLogger(cmd.ErrOrStderr(), rootOpts.Verbose),
			})
			if err != nil {
				return err
			}
			res, err := m.Sweep(olderThan, dryRun)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rootOpts.Output == "json" {
				return writeJSON(out, res)
			}
			verb := "Removed"
			if dryRun {
				verb = "Would remove"
			}
			for _, dir := range res.Removed {
				fmt.Fprintf(out, "%s %s\n", verb, dir)
			}
			for _, e := range res.Errors {
				fmt.Fprintf(out, "error: %s\n", e)
			}
			fmt.Fprintf(out, "%s %d run directories (%s), kept %d\n",
				verb, len(res.Removed), humanize.IBytes(uint64(res.SpaceFreed)), len(res.Kept))
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "minimum age to remove (default scratch_stale_after)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be removed")
	return cmd
}
