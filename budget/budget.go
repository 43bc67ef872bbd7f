package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrExceedsCeiling is returned when a single reservation is larger than the
// whole ceiling and could never be granted.
var ErrExceedsCeiling = errors.New("reservation exceeds memory ceiling")

// State tracks the working set of one pipeline run.
//
// A State is created when a run starts and discarded when it ends. It is safe
// for concurrent use by the stages of that run, but it must never be shared
// between runs.
type State struct {
	mu       sync.Mutex
	ceiling  int64
	buffered int64
	peak     int64
	denied   int64
	scratch  int64
	started  time.Time

	// released is closed and replaced whenever buffered bytes go down, waking
	// every producer stalled in Reserve.
	released chan struct{}
}

// New creates a State with the given ceiling in bytes.
func New(ceiling int64) *State {
	return &State{
		ceiling:  ceiling,
		started:  time.Now(),
		released: make(chan struct{}),
	}
}

// TryReserve grants n bytes if doing so keeps the working set at or under
// the ceiling. It never blocks.
func (s *State) TryReserve(n int64) bool {
	if n <= 0 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.buffered+n > s.ceiling {
		s.denied++
		return false
	}
	s.grant(n)
	return true
}

// Reserve grants n bytes, stalling until enough bytes are released or ctx is
// done. This is the backpressure point for producers.
func (s *State) Reserve(ctx context.Context, n int64) error {
	if n <= 0 {
		return nil
	}
	if n > s.ceiling {
		return fmt.Errorf("%w: %d > %d", ErrExceedsCeiling, n, s.ceiling)
	}

	for {
		s.mu.Lock()
		if s.buffered+n <= s.ceiling {
			s.grant(n)
			s.mu.Unlock()
			return nil
		}
		s.denied++
		wait := s.released
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// grant must be called with mu held.
func (s *State) grant(n int64) {
	s.buffered += n
	if s.buffered > s.peak {
		s.peak = s.buffered
	}
}

// Release returns n previously reserved bytes.
func (s *State) Release(n int64) {
	if n <= 0 {
		return
	}

	s.mu.Lock()
	s.buffered -= n
	if s.buffered < 0 {
		s.buffered = 0
	}
	close(s.released)
	s.released = make(chan struct{})
	s.mu.Unlock()
}

// AddScratch records bytes written to on-disk scratch space.
func (s *State) AddScratch(n int64) {
	s.mu.Lock()
	s.scratch += n
	s.mu.Unlock()
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Ceiling      int64         `json:"ceiling_bytes"`
	Buffered     int64         `json:"buffered_bytes"`
	Peak         int64         `json:"peak_bytes"`
	Denied       int64         `json:"denied_reservations"`
	ScratchBytes int64         `json:"scratch_bytes"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Snapshot returns the current counters.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		Ceiling:      s.ceiling,
		Buffered:     s.buffered,
		Peak:         s.peak,
		Denied:       s.denied,
		ScratchBytes: s.scratch,
		Elapsed:      time.Since(s.started),
	}
}

// Ceiling returns the configured ceiling.
func (s *State) Ceiling() int64 {
	return s.ceiling
}

// Available returns how many bytes can currently be reserved.
func (s *State) Available() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ceiling - s.buffered
}
