package notify

import (
	"context"
	"time"
)

// =============================================================================
// Notification Types
// =============================================================================

// EventType represents the type of pipeline event.
type EventType string

// Event type constants.
const (
	EventRunStarted     EventType = "run_started"
	EventRunCompleted   EventType = "run_completed"
	EventRunFailed      EventType = "run_failed"
	EventStageStarted   EventType = "stage_started"
	EventStageCompleted EventType = "stage_completed"
	EventStageFailed    EventType = "stage_failed"
	EventFallback       EventType = "channel_fallback"
	EventTruncated      EventType = "result_truncated"
)

// Pipeline stages reported in Event.Stage.
const (
	StageRetrieve   = "retrieve"
	StageDecompress = "decompress"
	StageExtract    = "extract"
)

// Severity constants for notifications.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
	SeverityInfo    = "info"
)

// Event describes a pipeline event for notification.
type Event struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id"`
	Source    string         `json:"source,omitempty"`
	Stage     string         `json:"stage,omitempty"`
	Message   string         `json:"message"`
	Severity  string         `json:"severity"` // SeverityInfo, SeverityWarning, SeverityError
	Timestamp time.Time      `json:"timestamp"`
	Stats     *RunStats      `json:"stats,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RunStats summarizes a finished run. It is set on run_completed events.
type RunStats struct {
	Channel          string        `json:"channel,omitempty"`
	Format           string        `json:"format,omitempty"`
	BytesIn          int64         `json:"bytes_in"`
	BytesRetained    int64         `json:"bytes_retained"`
	Lines            int           `json:"lines"`
	Signals          int           `json:"signals"`
	Excerpts         int           `json:"excerpts"`
	Truncated        bool          `json:"truncated"`
	TruncationReason string        `json:"truncation_reason,omitempty"`
	PeakBuffered     int64         `json:"peak_buffered_bytes"`
	Duration         time.Duration `json:"duration"`
}

// =============================================================================
// Notifier Interface
// =============================================================================

// Notifier receives pipeline events.
type Notifier interface {
	// Notify sends a notification. Implementations should be non-blocking
	// and handle errors gracefully (log, don't crash). The pipeline never
	// fails a run because a notifier did.
	Notify(ctx context.Context, event Event) error
}

// =============================================================================
// Context Injection
// =============================================================================

type serviceContextKey string

const notifierServiceKey serviceContextKey = "logsift.notifier"

// WithNotifier adds a Notifier to the context.
func WithNotifier(ctx context.Context, n Notifier) context.Context {
	return context.WithValue(ctx, notifierServiceKey, n)
}

// NotifierFromContext extracts the Notifier from context.
// Returns nil if no notifier is configured.
func NotifierFromContext(ctx context.Context) Notifier {
	if n, ok := ctx.Value(notifierServiceKey).(Notifier); ok {
		return n
	}
	return nil
}
