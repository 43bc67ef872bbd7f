package logsift

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/logsift/budget"
	"github.com/randalmurphal/logsift/decompress"
	"github.com/randalmurphal/logsift/extract"
	"github.com/randalmurphal/logsift/notify"
	"github.com/randalmurphal/logsift/retrieve"
	"github.com/randalmurphal/logsift/scratch"
)

// Option configures an Extractor.
type Option func(*Extractor)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Extractor) {
		e.logger = l
	}
}

// WithNotifier sets the observer notified at stage boundaries.
func WithNotifier(n notify.Notifier) Option {
	return func(e *Extractor) {
		e.notifier = n
	}
}

// WithRules overrides the classifier rules, including Config.RulesFile.
func WithRules(rs *extract.RuleSet) Option {
	return func(e *Extractor) {
		e.rules = rs
	}
}

// WithScratchManager shares a scratch manager between extractors so the
// aggregate disk accounting covers all of them.
func WithScratchManager(m *scratch.Manager) Option {
	return func(e *Extractor) {
		e.scratch = m
	}
}

// Extractor runs the retrieve, decompress and extract pipeline. An
// Extractor holds no per-run state; concurrent calls are independent and
// share only the scratch manager's disk accounting.
type Extractor struct {
	cfg      Config
	provider retrieve.Provider
	scratch  *scratch.Manager
	rules    *extract.RuleSet
	logger   *slog.Logger
	notifier notify.Notifier
}

// New creates an Extractor. provider may be nil when only ExtractReader
// is used.
func New(cfg Config, provider retrieve.Provider, opts ...Option) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Extractor{cfg: cfg, provider: provider}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.notifier == nil {
		e.notifier = notify.NopNotifier{}
	}

	if e.rules == nil {
		if cfg.RulesFile != "" {
			rs, err := extract.LoadRules(cfg.RulesFile)
			if err != nil {
				return nil, err
			}
			e.rules = rs
		} else {
			e.rules = extract.Default()
		}
	}

	if e.scratch == nil {
		m, err := scratch.NewManager(scratch.Config{
			Dir:      cfg.ScratchDir,
			RunQuota: cfg.DiskQuotaBytes,
			Logger:   e.logger,
		})
		if err != nil {
			return nil, err
		}
		e.scratch = m
	}

	return e, nil
}

// Config returns the extractor's configuration.
func (e *Extractor) Config() Config {
	return e.cfg
}

// Scratch returns the scratch manager.
func (e *Extractor) Scratch() *scratch.Manager {
	return e.scratch
}

// run is the state of one pipeline run.
// decoderStopGrace bounds how long a finished run waits for its decoder.
const decoderStopGrace = 250 * time.Millisecond

type run struct {
	id      string
	label   string
	started time.Time
	budget  *budget.State
	chunk   int
	scratch *scratch.Run
	logger  *slog.Logger
	notify  notify.Notifier
	res     *Result
}

// Extract retrieves the log of src and extracts its failure excerpts.
//
// Extract always returns a non-nil Result. The error is non-nil only for
// fatal outcomes and is then a *RunError; the Result carries whatever was
// accumulated and a matching Status. Cancellation and the per-run timeout
// are reported this way too. A corrupt payload is not an error: the result
// holds the excerpts found before the corruption and is marked truncated.
func (e *Extractor) Extract(ctx context.Context, src retrieve.Source) (*Result, error) {
	label := src.RunID
	if e.provider != nil {
		label = e.provider.Name() + ":" + src.RunID
	}

	r, ctx, cancel, err := e.begin(ctx, label)
	defer cancel()
	if err != nil {
		return r.res, err
	}
	defer r.close()
	r.res.Source = src

	if e.provider == nil {
		return e.finish(ctx, r, StageSetup, ErrNoProvider)
	}

	r.stage(ctx, notify.EventStageStarted, StageRetrieve)
	retriever := retrieve.New(e.provider, retrieve.Config{
		Attempts:    e.cfg.RetryAttempts,
		BackoffBase: e.cfg.RetryBackoffBase,
		BufferSize:  e.cfg.ChunkSizeBytes,
		Budget:      r.budget,
		Logger:      r.logger,
	})
	stream, err := retriever.Retrieve(ctx, src, r.scratch)
	if err != nil {
		return e.finish(ctx, r, StageRetrieve, err)
	}
	defer stream.Close()

	r.res.Channel = stream.Channel
	r.res.Artifact = stream.Artifact
	for _, f := range stream.Fallbacks {
		r.res.Fallbacks = append(r.res.Fallbacks, f.Error())
		r.emit(ctx, notify.Event{
			Type:     notify.EventFallback,
			Stage:    string(StageRetrieve),
			Message:  "compressed log unavailable, used raw log",
			Severity: notify.SeverityWarning,
			Metadata: map[string]any{"channel": string(f.Channel), "error": f.Err.Error()},
		})
	}
	r.stage(ctx, notify.EventStageCompleted, StageRetrieve)

	in := decompress.Input{Reader: stream, Size: stream.Size, ContentType: stream.ContentType}
	if h := stream.Spooled(); h != nil {
		in.ReaderAt = h
		in.Size = h.Size()
	}

	stage, err := e.process(ctx, r, in, src.FormatHint)
	r.res.SourceBytes = stream.BytesRead()
	r.res.SourceDigest = stream.Digest()
	return e.finish(ctx, r, stage, err)
}

// ExtractReader runs decompression and extraction over r, skipping
// retrieval. contentType may be empty. Files and other readers that also
// implement io.ReaderAt are decoded in place; zip payloads from plain
// readers are spooled to scratch first. If rd is an io.Closer it is closed
// when the run is cancelled or times out.
func (e *Extractor) ExtractReader(ctx context.Context, rd io.Reader, contentType string) (*Result, error) {
	r, ctx, cancel, err := e.begin(ctx, "reader")
	defer cancel()
	if err != nil {
		return r.res, err
	}
	defer r.close()

	// A reader that ignores ctx is closed so the decoder stops with the run.
	if c, ok := rd.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	counted := &countingReader{r: rd}
	in := decompress.Input{Reader: counted, ContentType: contentType, Size: -1}
	if ra, size, ok := randomAccess(rd); ok {
		in.ReaderAt = ra
		in.Size = size
	}

	stage, err := e.process(ctx, r, in, "")
	r.res.SourceBytes = counted.n
	if in.ReaderAt != nil && in.Size > r.res.SourceBytes {
		r.res.SourceBytes = in.Size
	}
	return e.finish(ctx, r, stage, err)
}

// begin sets up the per-run budget, scratch namespace and timeout. The
// returned run is always usable for finish, even on error.
func (e *Extractor) begin(ctx context.Context, label string) (*run, context.Context, context.CancelFunc, error) {
	id := uuid.NewString()
	ctx, cancel := context.WithTimeoutCause(ctx, e.cfg.PerRunTimeout, ErrTimedOut)

	n := e.notifier
	if extra := notify.NotifierFromContext(ctx); extra != nil {
		m := notify.NewMultiNotifier(n, extra)
		m.Logger = e.logger
		n = m
	}

	r := &run{
		id:      id,
		label:   label,
		started: time.Now(),
		budget:  budget.New(e.cfg.MemoryCeilingBytes),
		chunk:   e.cfg.ChunkSizeBytes,
		logger:  e.logger.With("run_id", id, "source", label),
		notify:  n,
		res:     &Result{RunID: id, Status: StatusFailed},
	}
	r.res.Excerpts = []extract.Excerpt{}

	r.emit(ctx, notify.Event{Type: notify.EventRunStarted, Message: "extraction started", Severity: notify.SeverityInfo})

	sr, err := e.scratch.Begin(id, scratch.WithWriteHook(r.budget.AddScratch))
	if err != nil {
		_, err = e.finish(ctx, r, StageSetup, err)
		return r, ctx, cancel, err
	}
	r.scratch = sr
	return r, ctx, cancel, nil
}

// process decodes in on a producer goroutine and feeds the engine through
// a bounded channel. It returns the failing stage and error, if any.
func (e *Extractor) process(ctx context.Context, r *run, in decompress.Input, formatHint string) (Stage, error) {
	opts := decompress.Options{
		ChunkSize: e.cfg.ChunkSizeBytes,
		Budget:    r.budget,
		Spool:     r.spool,
		Logger:    r.logger,
	}
	if formatHint != "" {
		if f, err := decompress.ParseFormat(formatHint); err == nil {
			opts.Format = f
		} else {
			r.logger.Warn("ignoring unknown format hint", "hint", formatHint)
		}
	}

	r.stage(ctx, notify.EventStageStarted, StageDecompress)
	// Format detection reads ahead, which blocks on a stalled source.
	var dec *decompress.Decoder
	err := await(ctx, func() (err error) {
		dec, err = decompress.NewDecoder(in, opts)
		return err
	})
	if err != nil {
		return StageDecompress, err
	}
	r.res.Format = dec.Format().String()

	chunks := make(chan decompress.Chunk, e.cfg.ChunkQueueDepth)
	decoded := make(chan error, 1)
	go func() {
		decoded <- dec.Stream(ctx, chunks)
	}()

	engCfg := e.cfg.engineConfig()
	engCfg.Rules = e.rules
	engCfg.Budget = r.budget
	engCfg.Logger = r.logger

	r.stage(ctx, notify.EventStageStarted, StageExtract)
	res, runErr := extract.NewEngine(engCfg).Run(ctx, chunks)
	r.res.Result = *res

	if runErr != nil {
		// The decoder closes chunks once it sees ctx is done. One blocked in
		// a Read that ignores ctx is left to drain on its own.
		drained := make(chan struct{})
		go func() {
			defer close(drained)
			for c := range chunks {
				r.budget.Release(c.Reserved)
			}
			<-decoded
		}()
		select {
		case <-drained:
		case <-time.After(decoderStopGrace):
			r.logger.Warn("decoder still blocked in read after run ended")
		}
		return StageExtract, runErr
	}

	decErr := <-decoded
	r.res.Entries = dec.Stats().Entries

	var corrupt *decompress.CorruptError
	switch {
	case decErr == nil:
		r.stage(ctx, notify.EventStageCompleted, StageDecompress)
	case errors.As(decErr, &corrupt):
		r.res.Truncate(extract.ReasonCorruptInput)
		r.res.Corruption = decErr.Error()
		r.emit(ctx, notify.Event{
			Type:     notify.EventStageFailed,
			Stage:    string(StageDecompress),
			Message:  "payload corrupt, returning partial result",
			Severity: notify.SeverityWarning,
			Metadata: map[string]any{"error": decErr.Error(), "chunks": corrupt.Chunks},
		})
	default:
		return StageDecompress, decErr
	}
	r.stage(ctx, notify.EventStageCompleted, StageExtract)

	if r.res.Truncated {
		r.emit(ctx, notify.Event{
			Type:     notify.EventTruncated,
			Stage:    string(StageExtract),
			Message:  "result truncated: " + r.res.TruncationReason,
			Severity: notify.SeverityWarning,
		})
	}
	return "", nil
}

// await runs fn and returns its error, or ctx's error if ctx is done first.
// In that case fn is left running until its source fails.
func await(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish records the outcome, notifies observers and builds the error.
func (e *Extractor) finish(ctx context.Context, r *run, stage Stage, err error) (*Result, error) {
	r.res.Duration = time.Since(r.started)
	r.res.Budget = r.budget.Snapshot()

	if err == nil {
		r.res.Status = StatusCompleted
		r.emit(ctx, notify.Event{
			Type:     notify.EventRunCompleted,
			Message:  "extraction finished",
			Severity: notify.SeverityInfo,
			Stats:    r.stats(),
		})
		return r.res, nil
	}

	kind := classify(ctx, err)
	if kind == KindCancelled || kind == KindTimedOut {
		if cause := context.Cause(ctx); cause != nil {
			err = cause
		}
	}
	r.res.Status = statusFor(kind)
	runErr := &RunError{RunID: r.id, Stage: stage, Kind: kind, Err: err}

	r.logger.Error("extraction failed", "stage", stage, "kind", kind, "error", err)
	r.emit(ctx, notify.Event{
		Type:     notify.EventRunFailed,
		Stage:    string(stage),
		Message:  runErr.Error(),
		Severity: notify.SeverityError,
		Metadata: map[string]any{"kind": string(kind)},
	})
	return r.res, runErr
}

func (r *run) stats() *notify.RunStats {
	return &notify.RunStats{
		Channel:          string(r.res.Channel),
		Format:           r.res.Format,
		BytesIn:          r.res.BytesIn,
		BytesRetained:    r.res.BytesRetained,
		Lines:            r.res.LinesSeen,
		Signals:          r.res.Signals,
		Excerpts:         len(r.res.Excerpts),
		Truncated:        r.res.Truncated,
		TruncationReason: r.res.TruncationReason,
		PeakBuffered:     r.res.Budget.Peak,
		Duration:         r.res.Duration,
	}
}

// emit delivers an event. Observers run even after ctx is done so that
// failure events are not lost, and their errors never fail the run.
func (r *run) emit(ctx context.Context, ev notify.Event) {
	ev.RunID = r.id
	ev.Source = r.label
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if err := r.notify.Notify(context.WithoutCancel(ctx), ev); err != nil {
		r.logger.Debug("notifier error", "event", ev.Type, "error", err)
	}
}

func (r *run) stage(ctx context.Context, t notify.EventType, s Stage) {
	r.emit(ctx, notify.Event{Type: t, Stage: string(s), Message: string(s) + " " + stageVerb(t), Severity: notify.SeverityInfo})
}

func stageVerb(t notify.EventType) string {
	if t == notify.EventStageStarted {
		return "started"
	}
	return "completed"
}

// spool copies a zip payload without random access to scratch, holding one
// chunk of the memory budget while it does.
func (r *run) spool(ctx context.Context, src io.Reader) (io.ReaderAt, int64, error) {
	n := int64(r.chunk)
	if err := r.budget.Reserve(ctx, n); err != nil {
		return nil, 0, err
	}
	defer r.budget.Release(n)

	h, err := r.scratch.Spool(ctx, "zip-spool", src, r.chunk)
	if err != nil {
		return nil, 0, err
	}
	return h, h.Size(), nil
}

// close releases every scratch handle of the run and its directory.
func (r *run) close() {
	if r.scratch == nil {
		return
	}
	if err := r.scratch.Close(); err != nil {
		r.logger.Warn("scratch cleanup failed", "dir", r.scratch.Dir(), "error", err)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// randomAccess reports whether rd can be read at offsets, with its size.
func randomAccess(rd io.Reader) (io.ReaderAt, int64, bool) {
	ra, ok := rd.(io.ReaderAt)
	if !ok {
		return nil, 0, false
	}
	switch v := rd.(type) {
	case interface{ Size() int64 }:
		return ra, v.Size(), true
	case interface{ Stat() (os.FileInfo, error) }:
		fi, err := v.Stat()
		if err != nil || !fi.Mode().IsRegular() {
			return nil, 0, false
		}
		return ra, fi.Size(), true
	}
	return nil, 0, false
}
