package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	clierrors "github.com/randalmurphal/logsift/errors"
)

type configEntry struct {
	Key    string `json:"key"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

func newConfigCommand(rootOpts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the resolved configuration and where each value came from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, resolved, err := loadConfig(cmd, rootOpts)
			if resolved == nil {
				return clierrors.Wrap(err)
			}

			entries := make([]configEntry, 0, len(resolved.Keys()))
			for _, key := range resolved.Keys() {
				value, src := resolved.GetWithSource(key)
				entries = append(entries, configEntry{Key: key, Value: value, Source: string(src)})
			}

			out := cmd.OutOrStdout()
			if rootOpts.Output == "json" {
				if encErr := writeJSON(out, entries); encErr != nil {
					return encErr
				}
			} else {
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				for _, e := range entries {
					fmt.Fprintf(tw, "%s\t%s\t(%s)\n", e.Key, e.Value, e.Source)
				}
				if flushErr := tw.Flush(); flushErr != nil {
					return flushErr
				}
			}
			return clierrors.Wrap(err)
		},
	}
}
