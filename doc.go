// Package logsift extracts the failure-relevant parts of CI build logs.
//
// A run retrieves one log from a CI provider, preferring a compressed
// artifact and falling back to the raw job log, decodes it as a stream of
// bounded chunks, and keeps only context-padded excerpts around lines that
// signal a failure. Memory and scratch disk use are capped per run.
//
// The work is split into subpackages:
//
//   - retrieve: providers (GitHub, GitLab) and the channel fallback
//   - decompress: format detection and chunked decoding
//   - extract: signal rules and the excerpt engine
//   - budget: per-run memory accounting
//   - scratch: run-scoped temporary files
//   - notify: run observers (log, webhook, metrics)
//   - config: layered configuration resolution
//   - http: HTTP client utilities
//   - testutil: test fixtures
//
// # Quick Start
//
//	provider, _ := retrieve.NewGitHubProviderFromRepo(token, "acme/widgets")
//
//	cfg, _, err := logsift.LoadConfig(logsift.LoadOptions{})
//	if err != nil {
//	    return err
//	}
//	ex, err := logsift.New(cfg, provider)
//	if err != nil {
//	    return err
//	}
//
//	res, err := ex.Extract(ctx, retrieve.Source{RunID: "123456"})
//	if err != nil {
//	    // *RunError; res still holds what was accumulated
//	}
//	for _, x := range res.Excerpts {
//	    fmt.Printf("lines %d-%d\n%s", x.StartLine, x.EndLine, x.Text)
//	}
//
// A run that finds nothing is a success: res.NothingFound reports it. A
// payload that turns out corrupt partway through is not an error either;
// the excerpts found before the corruption are returned and the result is
// marked truncated.
package logsift
