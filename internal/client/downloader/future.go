package downloader

import (
	"context"
	"sync"

	"attachdl/internal/attachment"
)

// Future is the write-once result of a download: the stream record or an error.
// Any number of goroutines may wait on it.
type Future struct {
	done chan struct{}

	mu       sync.Mutex
	resolved bool
	stream   *attachment.Record
	err      error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// ResolvedFuture returns a future already holding stream.
func ResolvedFuture(stream *attachment.Record) *Future {
	f := newFuture()
	f.resolve(stream, nil)
	return f
}

// FailedFuture returns a future already holding err.
func FailedFuture(err error) *Future {
	f := newFuture()
	f.resolve(nil, err)
	return f
}

func (f *Future) resolve(stream *attachment.Record, err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolved {
		return ErrAlreadyResolved
	}
	f.resolved = true
	f.stream, f.err = stream, err
	close(f.done)
	return nil
}

// Done is closed once the future is resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

func (f *Future) IsResolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Result returns the outcome without blocking, or ErrNotResolved.
func (f *Future) Result() (*attachment.Record, error) {
	if !f.IsResolved() {
		return nil, ErrNotResolved
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stream, f.err
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) (*attachment.Record, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
