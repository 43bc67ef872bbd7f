package scratch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	nanoid "github.com/matoous/go-nanoid/v2"
)

// Scratch errors
var (
	// ErrDiskQuotaExceeded indicates a write would push disk usage past a ceiling.
	ErrDiskQuotaExceeded = errors.New("disk quota exceeded")

	// ErrReleased indicates the handle was already released.
	ErrReleased = errors.New("scratch handle already released")

	// ErrRunClosed indicates the run was torn down and accepts no new handles.
	ErrRunClosed = errors.New("scratch run closed")
)

const (
	runDirPrefix = "run-"
	idAlphabet   = "0123456789abcdefghijklmnopqrstuvwxyz"
)

// QuotaError describes which ceiling a write would have crossed.
type QuotaError struct {
	// Scope is "run" for the per-run ceiling or "total" for the aggregate.
	Scope     string
	Limit     int64
	Used      int64
	Requested int64
}

// Error implements the error interface.
func (e *QuotaError) Error() string {
	return fmt.Sprintf("%s disk quota exceeded: %s used + %s requested > %s limit",
		e.Scope,
		humanize.IBytes(uint64(e.Used)),
		humanize.IBytes(uint64(e.Requested)),
		humanize.IBytes(uint64(e.Limit)))
}

// Unwrap returns ErrDiskQuotaExceeded.
func (e *QuotaError) Unwrap() error {
	return ErrDiskQuotaExceeded
}

// Config configures a Manager.
type Config struct {
	Dir        string // Root for run directories (default: $TMPDIR/logsift)
	RunQuota   int64  // Bytes one run may write (0 = unlimited)
	TotalQuota int64  // Bytes all live runs may hold together (0 = unlimited)
	Logger     *slog.Logger
}

// Manager owns scratch space shared by concurrent pipeline runs. The only
// state runs share is the aggregate usage counter, which is updated atomically.
type Manager struct {
	dir        string
	runQuota   int64
	totalQuota int64
	logger     *slog.Logger

	used     atomic.Int64
	acquired atomic.Int64
	released atomic.Int64

	mu   sync.Mutex
	live map[string]*Run
}

// NewManager creates the root directory and returns a Manager for it.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(os.TempDir(), "logsift")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch root: %w", err)
	}

	return &Manager{
		dir:        cfg.Dir,
		runQuota:   cfg.RunQuota,
		totalQuota: cfg.TotalQuota,
		logger:     cfg.Logger,
		live:       make(map[string]*Run),
	}, nil
}

// Dir returns the scratch root.
func (m *Manager) Dir() string {
	return m.dir
}

// Used returns bytes currently held on disk by all live handles.
func (m *Manager) Used() int64 {
	return m.used.Load()
}

// Outstanding returns the number of handles acquired but not yet released.
func (m *Manager) Outstanding() int64 {
	return m.acquired.Load() - m.released.Load()
}

// Stats returns lifetime acquire and release counts.
func (m *Manager) Stats() (acquired, released int64) {
	return m.acquired.Load(), m.released.Load()
}

// RunOption configures a Run.
type RunOption func(*Run)

// WithWriteHook registers a callback invoked with the size of every write.
func WithWriteHook(fn func(n int64)) RunOption {
	return func(r *Run) {
		r.onWrite = fn
	}
}

// Begin opens a run-scoped namespace. Every handle the run acquires lives
// under a directory no other run can see. Callers must defer Close.
func (m *Manager) Begin(runID string, opts ...RunOption) (*Run, error) {
	suffix, err := nanoid.Generate(idAlphabet, 10)
	if err != nil {
		return nil, fmt.Errorf("generate run dir id: %w", err)
	}

	dir := filepath.Join(m.dir, runDirPrefix+sanitize(runID)+"-"+suffix)
	if err := os.Mkdir(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}

	r := &Run{
		m:       m,
		id:      runID,
		dir:     dir,
		handles: make(map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}

	m.mu.Lock()
	m.live[dir] = r
	m.mu.Unlock()

	return r, nil
}

// charge reserves n bytes against the aggregate quota.
func (m *Manager) charge(n int64) error {
	for {
		cur := m.used.Load()
		if m.totalQuota > 0 && cur+n > m.totalQuota {
			return &QuotaError{Scope: "total", Limit: m.totalQuota, Used: cur, Requested: n}
		}
		if m.used.CompareAndSwap(cur, cur+n) {
			return nil
		}
	}
}

func (m *Manager) refund(n int64) {
	m.used.Add(-n)
}

func (m *Manager) forget(r *Run) {
	m.mu.Lock()
	delete(m.live, r.dir)
	m.mu.Unlock()
}

// Run is the set of scratch handles owned by one pipeline run.
type Run struct {
	m       *Manager
	id      string
	dir     string
	onWrite func(int64)

	mu      sync.Mutex
	handles map[*Handle]struct{}
	written int64
	closed  bool
}

// ID returns the pipeline run identifier.
func (r *Run) ID() string {
	return r.id
}

// Dir returns the run's private directory.
func (r *Run) Dir() string {
	return r.dir
}

// Written returns the total bytes this run has written to disk.
func (r *Run) Written() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}

// Acquire creates an empty scratch file for the given purpose.
func (r *Run) Acquire(purpose string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrRunClosed
	}

	f, err := os.CreateTemp(r.dir, sanitize(purpose)+"-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch file: %w", err)
	}

	h := &Handle{
		run:       r,
		f:         f,
		path:      f.Name(),
		purpose:   purpose,
		createdAt: time.Now(),
	}
	r.handles[h] = struct{}{}
	r.m.acquired.Add(1)
	return h, nil
}

// Release closes and removes the handle's file. Releasing twice returns
// ErrReleased.
func (r *Run) Release(h *Handle) error {
	r.mu.Lock()
	if _, ok := r.handles[h]; !ok {
		r.mu.Unlock()
		return ErrReleased
	}
	delete(r.handles, h)
	r.mu.Unlock()

	return h.destroy()
}

// Close releases every handle still owned by the run and removes the run
// directory. It is safe to call more than once; only the first call acts.
func (r *Run) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	handles := make([]*Handle, 0, len(r.handles))
	for h := range r.handles {
		handles = append(handles, h)
	}
	r.handles = nil
	r.mu.Unlock()

	var errs []error
	for _, h := range handles {
		if err := h.destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(r.dir); err != nil {
		errs = append(errs, fmt.Errorf("remove run dir: %w", err))
	}
	r.m.forget(r)

	if len(handles) > 0 {
		r.m.logger.Debug("released scratch handles on teardown",
			"run_id", r.id,
			"handles", len(handles),
			"written", humanize.IBytes(uint64(r.Written())),
		)
	}

	return errors.Join(errs...)
}

// charge accounts n bytes against the run and aggregate ceilings.
func (r *Run) charge(n int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.m.runQuota > 0 && r.written+n > r.m.runQuota {
		return &QuotaError{Scope: "run", Limit: r.m.runQuota, Used: r.written, Requested: n}
	}
	if err := r.m.charge(n); err != nil {
		return err
	}
	r.written += n
	return nil
}

// refund returns bytes charged for a write that did not reach disk.
func (r *Run) refund(n int64) {
	r.mu.Lock()
	r.written -= n
	r.mu.Unlock()
	r.m.refund(n)
}

// Spool copies src into a new handle, holding at most bufSize bytes in
// memory at a time. On failure the handle is released before returning.
func (r *Run) Spool(ctx context.Context, purpose string, src io.Reader, bufSize int) (*Handle, error) {
	h, err := r.Acquire(purpose)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, bufSize)
	for {
		if err := ctx.Err(); err != nil {
			r.Release(h)
			return nil, err
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := h.Write(buf[:n]); werr != nil {
				r.Release(h)
				return nil, werr
			}
		}
		if rerr == io.EOF {
			return h, nil
		}
		if rerr != nil {
			r.Release(h)
			return nil, fmt.Errorf("spool %s: %w", purpose, rerr)
		}
	}
}

// Handle is one temporary file owned by a Run. Only the owning Run may
// remove it.
type Handle struct {
	run       *Run
	path      string
	purpose   string
	createdAt time.Time

	mu       sync.Mutex
	f        *os.File
	size     int64
	released bool
}

// Path returns the file path.
func (h *Handle) Path() string {
	return h.path
}

// Purpose returns the label given at acquisition.
func (h *Handle) Purpose() string {
	return h.purpose
}

// CreatedAt returns the acquisition time.
func (h *Handle) CreatedAt() time.Time {
	return h.createdAt
}

// Size returns the bytes written so far.
func (h *Handle) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Write appends p to the file after charging the disk quotas.
func (h *Handle) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return 0, ErrReleased
	}
	if err := h.run.charge(int64(len(p))); err != nil {
		return 0, err
	}

	n, err := h.f.Write(p)
	h.size += int64(n)
	if short := int64(len(p) - n); short > 0 {
		h.run.refund(short)
	}
	if h.run.onWrite != nil && n > 0 {
		h.run.onWrite(int64(n))
	}
	return n, err
}

// ReadAt implements io.ReaderAt.
func (h *Handle) ReadAt(p []byte, off int64) (int, error) {
	h.mu.Lock()
	f, released := h.f, h.released
	h.mu.Unlock()

	if released {
		return 0, ErrReleased
	}
	return f.ReadAt(p, off)
}

// Reader returns a reader over everything written so far.
func (h *Handle) Reader() *io.SectionReader {
	return io.NewSectionReader(h, 0, h.Size())
}

func (h *Handle) destroy() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return ErrReleased
	}
	h.released = true
	h.run.m.refund(h.size)
	h.run.m.released.Add(1)

	closeErr := h.f.Close()
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove scratch file: %w", err)
	}
	return closeErr
}

// sanitize keeps names safe for use as path components.
func sanitize(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s) && len(out) < 40; i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "scratch"
	}
	return string(out)
}
