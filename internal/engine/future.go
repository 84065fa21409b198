package engine

import (
	"bytes"
	"context"

	"github.com/tinywideclouds/go-content-key-service/pkg/contentkey"
)

// Future is the pending outcome of a submitted key request.
type Future struct {
	done chan struct{}
	res  contentkey.Result

	// onResolve runs on the event loop before waiters are released.
	onResolve func(contentkey.Result)
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(res contentkey.Result) {
	select {
	case <-f.done:
		return
	default:
	}
	res.Key = bytes.Clone(res.Key)
	if f.onResolve != nil {
		f.onResolve(res)
	}
	f.res = res
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result blocks until the request terminates.
func (f *Future) Result() contentkey.Result {
	<-f.done
	return f.res
}

// Wait blocks until the request terminates or ctx is done. The returned error
// is the request error, or ctx.Err() if ctx finished first.
func (f *Future) Wait(ctx context.Context) (contentkey.Result, error) {
	select {
	case <-f.done:
		return f.res, f.res.Err
	case <-ctx.Done():
		return contentkey.Result{}, ctx.Err()
	}
}
