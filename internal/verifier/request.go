package verifier

import (
	"context"
	"sync"
)

// Request is a pending verification. It settles exactly once; whichever of
// the network result and Cancel arrives first wins.
type Request struct {
	ctx    context.Context
	cancel context.CancelFunc

	once sync.Once
	done chan struct{}
	resp *Response
	err  error
}

func newRequest(parent context.Context) *Request {
	ctx, cancel := context.WithCancel(parent)
	return &Request{ctx: ctx, cancel: cancel, done: make(chan struct{})}
}

func (r *Request) complete(resp *Response, err error) bool {
	settled := false
	r.once.Do(func() {
		r.resp, r.err = resp, err
		settled = true
		close(r.done)
	})
	r.cancel()
	return settled
}

// Cancel settles the request with ErrCancelled unless a result was already
// produced, and aborts the network call.
func (r *Request) Cancel() {
	r.complete(nil, ErrCancelled)
}

func (r *Request) Done() <-chan struct{} {
	return r.done
}

// Result blocks until the request settles.
func (r *Request) Result() (*Response, error) {
	<-r.done
	return r.resp, r.err
}

// Wait is Result bounded by ctx. Giving up on the wait does not cancel the
// request.
func (r *Request) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-r.done:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnComplete calls fn once, on its own goroutine, after the request settles.
func (r *Request) OnComplete(fn func(*Response, error)) {
	go func() {
		<-r.done
		fn(r.resp, r.err)
	}()
}
