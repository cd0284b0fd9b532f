package coapclient

import (
	"context"
	"sync"
)

// Future is the single-assignment result of a submitted request.
//
// It is resolved exactly once; later resolution attempts are ignored.
// A resolved Future holds Content, an error, or neither (soft transport failure).
type Future struct {
	done chan struct{}
	once sync.Once

	content *Content
	err     error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// resolve completes the future. It reports whether this call won.
func (f *Future) resolve(content *Content, err error) bool {
	won := false
	f.once.Do(func() {
		f.content = content
		f.err = err
		won = true
		close(f.done)
	})
	return won
}

// Done returns a channel that is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the future is resolved or ctx is done.
//
// A nil Content with a nil error means the transport failed and no data is
// available. If ctx ends first, ctx.Err() is returned and the request itself
// is not cancelled.
func (f *Future) Wait(ctx context.Context) (*Content, error) {
	select {
	case <-f.done:
		return f.content, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. ok is false while pending.
func (f *Future) Result() (content *Content, err error, ok bool) { //nolint:revive // ok last reads naturally here
	select {
	case <-f.done:
		return f.content, f.err, true
	default:
		return nil, nil, false
	}
}

// OnDone runs cb in a new goroutine once the future is resolved.
func (f *Future) OnDone(cb func(*Content, error)) {
	go func() {
		<-f.done
		cb(f.content, f.err)
	}()
}
