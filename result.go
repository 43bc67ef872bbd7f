package logsift

import (
	"time"

	"github.com/randalmurphal/logsift/budget"
	"github.com/randalmurphal/logsift/extract"
	"github.com/randalmurphal/logsift/retrieve"
)

// Status is the outcome of a run.
type Status string

// Run outcomes.
const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// Result is the terminal value of one run. Extraction fields are embedded
// from extract.Result and flattened in JSON.
type Result struct {
	RunID  string          `json:"run_id"`
	Source retrieve.Source `json:"source"`
	Status Status          `json:"status"`

	// Channel is the retrieval channel that supplied the payload. It is
	// empty for ExtractReader.
	Channel  retrieve.Channel `json:"channel,omitempty"`
	Artifact string           `json:"artifact,omitempty"`

	// Fallbacks describes channel failures that preceded Channel.
	Fallbacks []string `json:"fallbacks,omitempty"`

	Format  string `json:"format,omitempty"`
	Entries int    `json:"entries,omitempty"`

	// SourceBytes and SourceDigest describe the payload as retrieved,
	// before decompression. The digest is BLAKE3, hex encoded, and only
	// set when the payload was read to the end.
	SourceBytes  int64  `json:"source_bytes"`
	SourceDigest string `json:"source_digest,omitempty"`

	// Corruption holds the decode error that truncated the result, if any.
	Corruption string `json:"corruption,omitempty"`

	extract.Result

	Budget   budget.Snapshot `json:"budget"`
	Duration time.Duration   `json:"duration"`
}

// NothingFound reports a completed run that found no signals. This is a
// successful outcome, distinct from a failed run.
func (r *Result) NothingFound() bool {
	return r.Status == StatusCompleted && len(r.Excerpts) == 0 && !r.Truncated
}

func statusFor(k Kind) Status {
	switch k {
	case "":
		return StatusCompleted
	case KindCancelled:
		return StatusCancelled
	case KindTimedOut:
		return StatusTimedOut
	default:
		return StatusFailed
	}
}
