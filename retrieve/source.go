package retrieve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Channel identifies which path supplied a log payload.
type Channel string

// Retrieval channels, in preference order.
const (
	ChannelCompressed Channel = "compressed"
	ChannelRaw        Channel = "raw"
)

// Source identifies one CI run's log. It is immutable input to Retrieve.
type Source struct {
	// RunID identifies the run (GitHub workflow run ID, GitLab job ID).
	RunID string `json:"run_id"`

	// JobID optionally narrows the raw channel to one job. When empty the
	// provider serves every failed job of the run.
	JobID string `json:"job_id,omitempty"`

	// CompressedUnavailable skips the compressed channel when the caller
	// already knows no compressed artifact exists.
	CompressedUnavailable bool `json:"compressed_unavailable,omitempty"`

	// SizeHint is the caller's estimate of the payload size. It is advisory
	// and never used for budgeting.
	SizeHint int64 `json:"size_hint,omitempty"`

	// FormatHint is an optional content type or format name ("gzip",
	// "application/zip") used ahead of sniffing.
	FormatHint string `json:"format_hint,omitempty"`
}

// Validate checks the source carries a usable run identifier.
func (s Source) Validate() error {
	if strings.TrimSpace(s.RunID) == "" {
		return fmt.Errorf("%w: run id is required", ErrInvalidSource)
	}
	return nil
}

// ArtifactRef describes a compressed artifact a provider can stream.
type ArtifactRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type,omitempty"`
}

// Payload is an open byte stream from a provider.
type Payload struct {
	Body        io.ReadCloser
	ContentType string

	// Size is the declared length, or -1 when unknown.
	Size int64

	// Buffered is set when the transport materialized the payload in memory
	// instead of streaming it. The retriever moves such payloads to scratch.
	Buffered bool

	// Fill, when set, replaces Body for transports that only deliver a body
	// into a writer. It writes the whole payload to w and returns; the
	// retriever hands it a scratch handle, or a pipe when there is no run.
	Fill func(ctx context.Context, w io.Writer) error
}

// Provider is the upstream CI system. Every method must honor ctx and must
// report authorization failures distinctly from not-found and transient
// errors, using the sentinels of the http package.
type Provider interface {
	// Name identifies the provider in logs and errors.
	Name() string

	// ListArtifacts returns compressed log artifacts for the run in
	// preference order.
	ListArtifacts(ctx context.Context, src Source) ([]ArtifactRef, error)

	// OpenArtifact streams one artifact's bytes.
	OpenArtifact(ctx context.Context, src Source, ref ArtifactRef) (*Payload, error)

	// OpenRawLog streams the uncompressed log of the run.
	OpenRawLog(ctx context.Context, src Source) (*Payload, error)
}

// Retrieval errors
var (
	// ErrRetrievalFailed indicates no channel produced a payload.
	ErrRetrievalFailed = errors.New("retrieval failed")

	// ErrInvalidSource indicates the Source cannot be retrieved at all.
	ErrInvalidSource = errors.New("invalid log source")

	// ErrNoArtifacts indicates the run has no compressed log artifact.
	ErrNoArtifacts = errors.New("no compressed log artifacts")

	// ErrMalformedResponse indicates a provider answered with something
	// unusable (missing URL, bad payload metadata).
	ErrMalformedResponse = errors.New("malformed provider response")
)

// ChannelError records why one channel failed.
type ChannelError struct {
	Channel  Channel
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *ChannelError) Error() string {
	return fmt.Sprintf("%s channel failed after %d attempt(s): %v", e.Channel, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *ChannelError) Unwrap() error {
	return e.Err
}

// RetrievalError is returned when retrieval gives up. It lists every channel
// tried and unwraps to ErrRetrievalFailed as well as each channel's cause.
type RetrievalError struct {
	Provider string
	Tried    []*ChannelError
	Fatal    bool
}

// Error implements the error interface.
func (e *RetrievalError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s retrieval failed", e.Provider)
	if e.Fatal {
		sb.WriteString(" (fatal)")
	}
	for i, ce := range e.Tried {
		if i == 0 {
			sb.WriteString(": ")
		} else {
			sb.WriteString("; ")
		}
		sb.WriteString(ce.Error())
	}
	return sb.String()
}

// Unwrap returns ErrRetrievalFailed and the per-channel causes.
func (e *RetrievalError) Unwrap() []error {
	errs := make([]error, 0, len(e.Tried)+1)
	errs = append(errs, ErrRetrievalFailed)
	for _, ce := range e.Tried {
		errs = append(errs, ce)
	}
	return errs
}

// Channels returns the channels that were attempted, in order.
func (e *RetrievalError) Channels() []Channel {
	out := make([]Channel, len(e.Tried))
	for i, ce := range e.Tried {
		out[i] = ce.Channel
	}
	return out
}
