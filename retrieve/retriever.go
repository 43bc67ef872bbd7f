package retrieve

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"time"

	"github.com/zeebo/blake3"

	"github.com/randalmurphal/logsift/budget"
	devhttp "github.com/randalmurphal/logsift/http"
	"github.com/randalmurphal/logsift/scratch"
)

// Class is the outcome of classifying a retrieval error.
type Class int

const (
	// ClassRecoverable errors end the current channel; the next one is tried.
	ClassRecoverable Class = iota

	// ClassTransient errors are retried on the same channel with backoff,
	// and become recoverable once attempts run out.
	ClassTransient

	// ClassFatal errors end retrieval immediately.
	ClassFatal
)

// String returns the class name.
func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "recoverable"
	}
}

// Classify decides how the retriever reacts to err, returned by an
// operation running under ctx. Once ctx is done every error is fatal.
// Otherwise authorization failures, invalid sources and disk quota errors
// are fatal; rate limits, 5xx responses, network failures and transport
// timeouts are transient. Everything else (not found, expired, malformed
// responses) is recoverable.
//
// Transport timeouts satisfy errors.Is(err, context.DeadlineExceeded), so
// only ctx itself can tell them apart from the run's own deadline.
func Classify(ctx context.Context, err error) Class {
	if ctx.Err() != nil {
		return ClassFatal
	}
	switch {
	case devhttp.IsUnauthorized(err), devhttp.IsForbidden(err):
		return ClassFatal
	case errors.Is(err, ErrInvalidSource), errors.Is(err, scratch.ErrDiskQuotaExceeded):
		return ClassFatal
	case devhttp.IsTimeout(err), devhttp.IsRetryable(err):
		return ClassTransient
	case errors.Is(err, context.Canceled):
		return ClassFatal
	default:
		return ClassRecoverable
	}
}

// Config configures a Retriever.
type Config struct {
	// Attempts is the number of tries per channel for transient errors.
	Attempts int

	// BackoffBase is the wait before the second attempt; it doubles after
	// each further attempt.
	BackoffBase time.Duration

	// BufferSize caps the bytes held in memory while spooling to scratch.
	BufferSize int

	// Budget, when set, is charged BufferSize for the duration of a spool.
	Budget *budget.State

	Logger *slog.Logger
}

// Retriever obtains a log payload, preferring the compressed channel and
// falling back to the raw channel.
type Retriever struct {
	provider Provider
	cfg      Config
	logger   *slog.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Retriever for provider.
func New(provider Provider, cfg Config) *Retriever {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 64 * 1024
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Retriever{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

// Stream is a retrieved payload. Read it to the end, then Close it.
type Stream struct {
	Channel     Channel
	Artifact    string
	ContentType string

	// Size is the declared payload size, or -1 when unknown.
	Size int64

	// Fallbacks lists the channels that failed before this one succeeded.
	Fallbacks []*ChannelError

	body   io.Reader
	closer io.Closer
	handle *scratch.Handle
	run    *scratch.Run
	hasher hash.Hash
	read   int64
	done   bool
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if n > 0 && !s.done {
		s.hasher.Write(p[:n])
		s.read += int64(n)
	}
	if err == io.EOF {
		s.done = true
	}
	return n, err
}

// Spooled returns the scratch handle holding the payload, or nil when the
// payload is streamed straight from the transport.
func (s *Stream) Spooled() *scratch.Handle {
	return s.handle
}

// Digest returns the hex BLAKE3 digest of the payload once it has been read
// completely, or "" before that.
func (s *Stream) Digest() string {
	if !s.done {
		return ""
	}
	return hex.EncodeToString(s.hasher.Sum(nil))
}

// BytesRead returns the payload bytes seen so far.
func (s *Stream) BytesRead() int64 {
	return s.read
}

// Close releases the transport body and any scratch handle.
func (s *Stream) Close() error {
	var errs []error
	if s.closer != nil {
		errs = append(errs, s.closer.Close())
	}
	if s.handle != nil && s.run != nil {
		if err := s.run.Release(s.handle); err != nil && !errors.Is(err, scratch.ErrReleased) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Retrieve opens the log for src. run receives any scratch file created for
// transports that cannot stream; it may be nil when none is needed.
//
// Transient failures are retried per channel. A fatal failure, or failure of
// both channels, returns a *RetrievalError; a disk quota failure while
// spooling is returned unwrapped.
func (r *Retriever) Retrieve(ctx context.Context, src Source, run *scratch.Run) (*Stream, error) {
	if err := src.Validate(); err != nil {
		return nil, &RetrievalError{
			Provider: r.provider.Name(),
			Tried:    []*ChannelError{{Channel: ChannelCompressed, Err: err}},
			Fatal:    true,
		}
	}

	var tried []*ChannelError

	if !src.CompressedUnavailable {
		s, cerr, fatal := r.try(ctx, src, run, ChannelCompressed, r.openCompressed)
		if s != nil {
			return s, nil
		}
		tried = append(tried, cerr)
		if fatal {
			return nil, r.fail(ctx, tried, true)
		}
		r.logger.Warn("compressed log unavailable, falling back to raw log",
			"provider", r.provider.Name(),
			"run_id", src.RunID,
			"error", cerr.Err,
		)
	}

	s, cerr, fatal := r.try(ctx, src, run, ChannelRaw, r.openRaw)
	if s != nil {
		s.Fallbacks = tried
		return s, nil
	}
	tried = append(tried, cerr)
	return nil, r.fail(ctx, tried, fatal)
}

// fail builds the retrieval error. Quota errors, and context errors of a
// done ctx, are returned unwrapped so the caller classifies them by cause.
func (r *Retriever) fail(ctx context.Context, tried []*ChannelError, fatal bool) error {
	last := tried[len(tried)-1].Err
	if errors.Is(last, scratch.ErrDiskQuotaExceeded) {
		return last
	}
	if ctx.Err() != nil && (errors.Is(last, context.Canceled) || errors.Is(last, context.DeadlineExceeded)) {
		return last
	}
	return &RetrievalError{Provider: r.provider.Name(), Tried: tried, Fatal: fatal}
}

type opener func(ctx context.Context, src Source) (*Payload, string, error)

// try runs one channel with retries. It returns either a stream or the
// channel error, plus whether that error is fatal.
func (r *Retriever) try(ctx context.Context, src Source, run *scratch.Run, ch Channel, open opener) (*Stream, *ChannelError, bool) {
	for attempt := 1; ; attempt++ {
		s, err := r.attempt(ctx, src, run, ch, open)
		if err == nil {
			return s, nil, false
		}

		class := Classify(ctx, err)
		cerr := &ChannelError{Channel: ch, Attempts: attempt, Err: err}
		if class == ClassFatal {
			return nil, cerr, true
		}
		if class != ClassTransient || attempt >= r.cfg.Attempts {
			return nil, cerr, false
		}

		wait := r.cfg.BackoffBase * time.Duration(1<<(attempt-1))
		var rl *devhttp.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > wait {
			wait = rl.RetryAfter
		}
		r.logger.Debug("retrying log retrieval",
			"channel", ch,
			"attempt", attempt,
			"wait", wait,
			"error", err,
		)
		if err := r.sleep(ctx, wait); err != nil {
			return nil, &ChannelError{Channel: ch, Attempts: attempt, Err: err}, true
		}
	}
}

func (r *Retriever) attempt(ctx context.Context, src Source, run *scratch.Run, ch Channel, open opener) (*Stream, error) {
	payload, name, err := open(ctx, src)
	if err != nil {
		return nil, err
	}

	s := &Stream{
		Channel:     ch,
		Artifact:    name,
		ContentType: payload.ContentType,
		Size:        payload.Size,
		hasher:      blake3.New(),
	}

	switch {
	case payload.Fill != nil:
		pr, pw := io.Pipe()
		go func() {
			pw.CloseWithError(payload.Fill(ctx, pw))
		}()
		if run == nil {
			s.body = pr
			s.closer = pr
			return s, nil
		}
		// Closing the read side stops Fill if spooling gives up early.
		defer pr.Close()
		return r.spool(ctx, run, s, pr)
	case payload.Buffered && run != nil:
		// The transport materialized the payload; move it to disk so the
		// in-memory copy can be dropped before decoding starts.
		defer payload.Body.Close()
		return r.spool(ctx, run, s, payload.Body)
	default:
		s.body = payload.Body
		s.closer = payload.Body
		return s, nil
	}
}

// spool copies body to a scratch handle, hashing it on the way, and points
// s at the handle.
func (r *Retriever) spool(ctx context.Context, run *scratch.Run, s *Stream, body io.Reader) (*Stream, error) {
	if b := r.cfg.Budget; b != nil {
		n := int64(r.cfg.BufferSize)
		if err := b.Reserve(ctx, n); err != nil {
			return nil, err
		}
		defer b.Release(n)
	}

	h, err := run.Spool(ctx, string(s.Channel), io.TeeReader(body, s.hasher), r.cfg.BufferSize)
	if err != nil {
		return nil, err
	}

	s.handle = h
	s.run = run
	s.Size = h.Size()
	s.read = h.Size()
	s.body = h.Reader()
	// Already hashed while spooling; reads from the handle must not hash again.
	s.done = true
	return s, nil
}

func (r *Retriever) openCompressed(ctx context.Context, src Source) (*Payload, string, error) {
	refs, err := r.provider.ListArtifacts(ctx, src)
	if err != nil {
		return nil, "", err
	}
	if len(refs) == 0 {
		return nil, "", fmt.Errorf("run %s: %w", src.RunID, ErrNoArtifacts)
	}

	var lastErr error
	for _, ref := range refs {
		p, err := r.provider.OpenArtifact(ctx, src, ref)
		if err == nil {
			if ref.ContentType != "" && p.ContentType == "" {
				p.ContentType = ref.ContentType
			}
			return p, ref.Name, nil
		}
		// Only a missing artifact moves on to the next candidate.
		if !devhttp.IsNotFound(err) {
			return nil, "", err
		}
		lastErr = err
	}
	return nil, "", lastErr
}

func (r *Retriever) openRaw(ctx context.Context, src Source) (*Payload, string, error) {
	p, err := r.provider.OpenRawLog(ctx, src)
	if err != nil {
		return nil, "", err
	}
	return p, "raw-log", nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
