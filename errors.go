package logsift

import (
	"context"
	"errors"
	"fmt"

	"github.com/randalmurphal/logsift/decompress"
	devhttp "github.com/randalmurphal/logsift/http"
	"github.com/randalmurphal/logsift/retrieve"
	"github.com/randalmurphal/logsift/scratch"
)

// Run errors. The first four are defined by the stage packages and
// re-exported here so callers need only this package.
var (
	// ErrRetrievalFailed indicates both channels were exhausted or a fatal
	// provider error (authorization) stopped retrieval.
	ErrRetrievalFailed = retrieve.ErrRetrievalFailed

	// ErrUnsupportedFormat indicates the payload is neither plain text nor a
	// recognized compression format.
	ErrUnsupportedFormat = decompress.ErrUnsupportedFormat

	// ErrCorrupt indicates a mid-stream decode failure. It never reaches the
	// caller as an error; the result is marked truncated instead.
	ErrCorrupt = decompress.ErrCorrupt

	// ErrDiskQuotaExceeded indicates the run needed more scratch space than
	// its quota allows.
	ErrDiskQuotaExceeded = scratch.ErrDiskQuotaExceeded

	// ErrCancelled indicates the caller cancelled the run.
	ErrCancelled = errors.New("extraction cancelled")

	// ErrTimedOut indicates the per-run timeout expired.
	ErrTimedOut = errors.New("extraction timed out")

	// ErrNoProvider indicates Extract was called on an Extractor built
	// without a provider.
	ErrNoProvider = errors.New("no log provider configured")
)

// Stage names a pipeline stage.
type Stage string

// Pipeline stages.
const (
	StageSetup      Stage = "setup"
	StageRetrieve   Stage = "retrieve"
	StageDecompress Stage = "decompress"
	StageExtract    Stage = "extract"
)

// Kind classifies why a run failed.
type Kind string

// Failure kinds.
const (
	KindRetrievalFailed   Kind = "retrieval_failed"
	KindUnsupportedFormat Kind = "unsupported_format"
	KindDiskQuotaExceeded Kind = "disk_quota_exceeded"
	KindCancelled         Kind = "cancelled"
	KindTimedOut          Kind = "timed_out"
	KindInternal          Kind = "internal"
)

// RunError is returned for every fatal run outcome. It records the stage
// and kind so callers can tell causes apart without string matching.
type RunError struct {
	RunID string
	Stage Stage
	Kind  Kind
	Err   error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return fmt.Sprintf("run %s: %s failed (%s): %v", e.RunID, e.Stage, e.Kind, e.Err)
}

// Unwrap returns the sentinel for Kind, when there is one, and the cause.
func (e *RunError) Unwrap() []error {
	if s := e.Kind.sentinel(); s != nil {
		return []error{s, e.Err}
	}
	return []error{e.Err}
}

func (k Kind) sentinel() error {
	switch k {
	case KindRetrievalFailed:
		return ErrRetrievalFailed
	case KindUnsupportedFormat:
		return ErrUnsupportedFormat
	case KindDiskQuotaExceeded:
		return ErrDiskQuotaExceeded
	case KindCancelled:
		return ErrCancelled
	case KindTimedOut:
		return ErrTimedOut
	}
	return nil
}

// KindOf returns the failure kind of err, or "" when err is nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return classify(context.Background(), err)
}

// IsFatal reports whether err aborted a run. Every RunError is fatal;
// corruption and truncation are reported on the Result instead.
func IsFatal(err error) bool {
	var re *RunError
	return errors.As(err, &re)
}

// IsAuthError reports whether err is a provider authorization failure.
func IsAuthError(err error) bool {
	return devhttp.IsUnauthorized(err) || devhttp.IsForbidden(err)
}

// classify maps an error to a Kind. A done context wins over whatever
// error the stage produced while unwinding.
func classify(ctx context.Context, err error) Kind {
	if ctx.Err() != nil {
		if errors.Is(context.Cause(ctx), ErrTimedOut) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return KindTimedOut
		}
		return KindCancelled
	}

	// With ctx still live, a deadline inside err belongs to a transport
	// timeout, so the stage errors are checked before the context ones.
	var src *decompress.SourceError
	switch {
	case errors.Is(err, scratch.ErrDiskQuotaExceeded):
		return KindDiskQuotaExceeded
	case errors.Is(err, decompress.ErrUnsupportedFormat):
		return KindUnsupportedFormat
	case errors.Is(err, retrieve.ErrRetrievalFailed), errors.As(err, &src):
		return KindRetrievalFailed
	case errors.Is(err, ErrTimedOut):
		return KindTimedOut
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	case devhttp.IsTimeout(err):
		return KindRetrievalFailed
	default:
		return KindInternal
	}
}
