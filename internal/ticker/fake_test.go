package ticker

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var errDropped = errors.New("connection reset")

// fakeTransport hands out streams queued by the test. Open fails with
// failWith while it is set.
type fakeTransport struct {
	streams chan *fakeStream
	opens   atomic.Int32

	mu       sync.Mutex
	failWith error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{streams: make(chan *fakeStream, 8)}
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Open(ctx context.Context) (Stream, error) {
	f.opens.Add(1)
	f.mu.Lock()
	err := f.failWith
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	select {
	case s := <-f.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeTransport) fail(err error) {
	f.mu.Lock()
	f.failWith = err
	f.mu.Unlock()
}

// push queues a new stream and returns it.
func (f *fakeTransport) push() *fakeStream {
	s := &fakeStream{
		frames: make(chan []byte, 64),
		drop:   make(chan struct{}),
		closed: make(chan struct{}),
	}
	f.streams <- s
	return s
}

type fakeStream struct {
	frames    chan []byte
	drop      chan struct{}
	dropOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
}

func (s *fakeStream) send(frame string) { s.frames <- []byte(frame) }

func (s *fakeStream) fail() { s.dropOnce.Do(func() { close(s.drop) }) }

func (s *fakeStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case <-s.drop:
		return nil, errDropped
	case <-s.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}
