package notify

import (
	"context"
	"log/slog"

	"github.com/dustin/go-humanize"
)

// =============================================================================
// LogNotifier
// =============================================================================

// LogNotifier logs notifications using slog.
type LogNotifier struct {
	Logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs to the given logger.
// If logger is nil, uses the default slog logger.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{Logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, event Event) error {
	level := slog.LevelInfo
	switch event.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityError:
		level = slog.LevelError
	}

	attrs := []any{
		"type", event.Type,
		"run_id", event.RunID,
	}
	if event.Source != "" {
		attrs = append(attrs, "source", event.Source)
	}
	if event.Stage != "" {
		attrs = append(attrs, "stage", event.Stage)
	}
	if s := event.Stats; s != nil {
		attrs = append(attrs,
			"bytes_in", humanize.IBytes(uint64(s.BytesIn)),
			"retained", humanize.IBytes(uint64(s.BytesRetained)),
			"signals", s.Signals,
			"excerpts", s.Excerpts,
			"truncated", s.Truncated,
			"duration", s.Duration,
		)
	}
	if len(event.Metadata) > 0 {
		attrs = append(attrs, "metadata", event.Metadata)
	}

	n.Logger.Log(ctx, level, event.Message, attrs...)
	return nil
}
