// Package retrieve obtains CI run logs from a provider.
//
// A Retriever tries two channels in order. The compressed channel lists the
// run's log artifacts and streams the first one that opens. The raw channel
// streams the plain-text logs of the failed jobs. Every error is classified before
// deciding what to do next:
//
//   - fatal (authorization, invalid source, cancellation, disk quota):
//     retrieval stops at once
//   - transient (rate limits, 5xx, network errors and timeouts): retried on the same channel
//     with exponential backoff
//   - recoverable (not found, expired, malformed): the next channel is tried
//
// Providers exist for GitHub Actions (go-github) and GitLab CI (go-gitlab).
// MockProvider serves tests.
package retrieve
