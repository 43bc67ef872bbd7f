package testutil

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"
)

// CancelAfter returns a context canceled d from now, or when the test ends.
// Unlike a timeout, the context reports context.Canceled.
func CancelAfter(t testing.TB, d time.Duration) context.Context {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	timer := time.AfterFunc(d, cancel)
	t.Cleanup(func() {
		timer.Stop()
		cancel()
	})
	return ctx
}

// StalledBody yields Data and then blocks until Ctx is done or the body is
// closed, like a download whose server stops sending mid-body.
type StalledBody struct {
	Ctx  context.Context
	Data []byte

	once      sync.Once
	closeOnce sync.Once
	closed    chan struct{}
}

func (b *StalledBody) init() {
	b.once.Do(func() {
		b.closed = make(chan struct{})
		if b.Ctx == nil {
			b.Ctx = context.Background()
		}
	})
}

func (b *StalledBody) Read(p []byte) (int, error) {
	b.init()
	if len(b.Data) > 0 {
		n := copy(p, b.Data)
		b.Data = b.Data[n:]
		return n, nil
	}
	select {
	case <-b.Ctx.Done():
		return 0, b.Ctx.Err()
	case <-b.closed:
		return 0, io.ErrClosedPipe
	}
}

// Close unblocks a pending Read. It is safe to call more than once.
func (b *StalledBody) Close() error {
	b.init()
	b.closeOnce.Do(func() { close(b.closed) })
	return nil
}

// StalledPipe returns the read side of a pipe that delivers data and then
// goes quiet without ever reaching EOF. Reads ignore any context; only
// closing the reader, or the end of the test, unblocks them.
func StalledPipe(t testing.TB, data []byte) *io.PipeReader {
	t.Helper()

	pr, pw := io.Pipe()
	go func() {
		_, _ = pw.Write(data)
	}()
	t.Cleanup(func() {
		_ = pw.Close()
		_ = pr.Close()
	})
	return pr
}
