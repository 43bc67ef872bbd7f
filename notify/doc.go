// Package notify delivers pipeline events to observers.
//
// Core types:
//   - Notifier: Interface for receiving events
//   - Event: Stage-boundary event with run ID, stage, and message
//   - RunStats: Summary attached to run_completed events
//
// Implementations:
//   - LogNotifier: Logs events with slog
//   - WebhookNotifier: POSTs events as JSON
//   - MetricsNotifier: Records run counters on an OpenTelemetry meter
//   - MultiNotifier: Combines multiple notifiers
//   - NopNotifier: Discards events
//
// Example usage:
//
//	n := notify.NewMultiNotifier(
//	    notify.NewLogNotifier(logger),
//	    notify.NewWebhookNotifier(url, nil),
//	)
//	ex, err := logsift.New(cfg, logsift.WithNotifier(n))
package notify
