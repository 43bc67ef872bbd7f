package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/logsift"
	"github.com/randalmurphal/logsift/decompress"
	clierrors "github.com/randalmurphal/logsift/errors"
	"github.com/randalmurphal/logsift/notify"
	"github.com/randalmurphal/logsift/retrieve"
)

type sourceOptions struct {
	Token   string
	JobID   string
	Format  string
	RawOnly bool
}

func (s *sourceOptions) register(cmd *cobra.Command, tokenEnv string) {
	cmd.Flags().StringVar(&s.Token, "token", "", "access token (default $"+tokenEnv+")")
	cmd.Flags().StringVar(&s.JobID, "job", "", "job ID for the raw log (default: every failed job)")
	cmd.Flags().StringVar(&s.Format, "format", "", "payload format hint (plain|gzip|zip|zstd|lz4)")
	cmd.Flags().BoolVar(&s.RawOnly, "raw-only", false, "skip the compressed artifact channel")
}

func (s *sourceOptions) source(runID string) retrieve.Source {
	return retrieve.Source{
		RunID:                 runID,
		JobID:                 s.JobID,
		CompressedUnavailable: s.RawOnly,
		FormatHint:            s.Format,
	}
}

// flagOrEnv returns flag, or the first non-empty variable of envs.
func flagOrEnv(flag string, envs ...string) string {
	if flag != "" {
		return flag
	}
	for _, env := range envs {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return ""
}

func newGitHubCommand(rootOpts *rootOptions) *cobra.Command {
	src := &sourceOptions{}

	cmd := &cobra.Command{
		Use:   "github <owner/repo> <run-id>",
		Short: "Extract failures from a GitHub Actions run",
		Example: `  logsift github acme/widgets 9876543210
  logsift github acme/widgets 9876543210 --job 123 -o json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			wrap := []clierrors.Option{
				clierrors.WithProvider("GitHub", "GITHUB_TOKEN"),
				clierrors.WithServerURL("https://api.github.com"),
				clierrors.WithRunID(args[1]),
			}
			tok := flagOrEnv(src.Token, "GITHUB_TOKEN", "GH_TOKEN")
			if tok == "" {
				return clierrors.NewNotAuthenticatedError(wrap...)
			}
			provider, err := retrieve.NewGitHubProviderFromRepo(tok, args[0])
			if err != nil {
				return err
			}
			return runExtract(cmd, rootOpts, provider, src.source(args[1]), wrap)
		},
	}
	src.register(cmd, "GITHUB_TOKEN")
	return cmd
}

func newGitLabCommand(rootOpts *rootOptions) *cobra.Command {
	src := &sourceOptions{}
	var baseURL string

	cmd := &cobra.Command{
		Use:   "gitlab <project> <job-id>",
		Short: "Extract failures from a GitLab CI job",
		Example: `  logsift gitlab group/project 4242
  logsift gitlab 17 4242 --base-url https://gitlab.example.com`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			server := baseURL
			if server == "" {
				server = "https://gitlab.com"
			}
			wrap := []clierrors.Option{
				clierrors.WithProvider("GitLab", "GITLAB_TOKEN"),
				clierrors.WithServerURL(server),
				clierrors.WithRunID(args[1]),
			}
			tok := flagOrEnv(src.Token, "GITLAB_TOKEN")
			if tok == "" {
				return clierrors.NewNotAuthenticatedError(wrap...)
			}
			provider, err := retrieve.NewGitLabProvider(tok, baseURL, args[0])
			if err != nil {
				return err
			}
			return runExtract(cmd, rootOpts, provider, src.source(args[1]), wrap)
		},
	}
	src.register(cmd, "GITLAB_TOKEN")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "GitLab instance URL (default gitlab.com)")
	return cmd
}

func newFileCommand(rootOpts *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "file <path|->",
		Short: "Extract failures from a local log file or stdin",
		Example: `  logsift file build.log.gz
  kubectl logs job/build | logsift file -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var contentType string
			if format != "" {
				f, err := decompress.ParseFormat(format)
				if err != nil {
					return clierrors.Wrap(err)
				}
				contentType = f.ContentType()
			}

			var rd io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				rd = f
			}

			ex, cfg, err := newExtractor(cmd, rootOpts, nil)
			if err != nil {
				return err
			}
			res, err := ex.ExtractReader(cmd.Context(), rd, contentType)
			return report(cmd, rootOpts, res, err, clierrors.WithTimeout(cfg.PerRunTimeout))
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "payload format (plain|gzip|zip|zstd|lz4); sniffed when empty")
	return cmd
}

func runExtract(cmd *cobra.Command, opts *rootOptions, provider retrieve.Provider, src retrieve.Source, wrap []clierrors.Option) error {
	ex, cfg, err := newExtractor(cmd, opts, provider)
	if err != nil {
		return err
	}
	res, err := ex.Extract(cmd.Context(), src)
	return report(cmd, opts, res, err, append(wrap, clierrors.WithTimeout(cfg.PerRunTimeout))...)
}

// newExtractor builds an Extractor from resolved config and the notifier
// flags.
func newExtractor(cmd *cobra.Command, opts *rootOptions, provider retrieve.Provider) (*logsift.Extractor, logsift.Config, error) {
	cfg, _, err := loadConfig(cmd, opts)
	if err != nil {
		return nil, cfg, clierrors.Wrap(err)
	}

	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose)
	notifier, err := buildNotifier(opts, logger)
	if err != nil {
		return nil, cfg, err
	}

	ex, err := logsift.New(cfg, provider,
		logsift.WithLogger(logger),
		logsift.WithNotifier(notifier),
	)
	if err != nil {
		return nil, cfg, clierrors.Wrap(err)
	}
	return ex, cfg, nil
}

func buildNotifier(opts *rootOptions, logger *slog.Logger) (notify.Notifier, error) {
	var ns []notify.Notifier
	if opts.Verbose {
		ns = append(ns, notify.NewLogNotifier(logger))
	}
	if opts.Webhook != "" {
		types := make([]notify.EventType, len(opts.WebhookEvents))
		for i, t := range opts.WebhookEvents {
			types[i] = notify.EventType(strings.TrimSpace(t))
		}
		wh := notify.NewWebhookNotifier(opts.Webhook, opts.WebhookHeaders, types...)
		if secret := flagOrEnv(opts.WebhookSecret, "LOGSIFT_WEBHOOK_SECRET"); secret != "" {
			wh.Secret = []byte(secret)
		}
		ns = append(ns, wh)
	}
	if opts.Metrics {
		m, err := notify.NewMetricsNotifier(nil)
		if err != nil {
			return nil, fmt.Errorf("create metrics: %w", err)
		}
		ns = append(ns, m)
	}
	if len(ns) == 0 {
		return notify.NopNotifier{}, nil
	}
	m := notify.NewMultiNotifier(ns...)
	m.Logger = logger
	return m, nil
}

// report prints the result, partial or not, and returns the run error
// wrapped for the terminal.
func report(cmd *cobra.Command, opts *rootOptions, res *logsift.Result, runErr error, wrap ...clierrors.Option) error {
	if res != nil {
		if err := writeResult(cmd.OutOrStdout(), opts.Output, res); err != nil {
			return err
		}
	}
	if runErr != nil {
		return clierrors.Wrap(runErr, wrap...)
	}
	return nil
}
