package rpc

import (
	"context"
	"sync"

	"github.com/cbeuw/remoting/internal/multiplex"
)

// RequestPromise is the eventual result of one call. It completes exactly once, with the
// response payload or with the error that ended the call.
type RequestPromise struct {
	id      uint64
	service string
	method  string

	once sync.Once
	done chan struct{}
	p    multiplex.Payload
	err  error

	m         sync.Mutex
	callbacks []func(multiplex.Payload, error)
	// cancels the stream carrying the call
	cancel func()
}

func newPromise(id uint64, service, method string) *RequestPromise {
	return &RequestPromise{id: id, service: service, method: method, done: make(chan struct{})}
}

func (rp *RequestPromise) ID() uint64 { return rp.id }

// complete resolves the promise and reports whether this call did so
func (rp *RequestPromise) complete(p multiplex.Payload, err error) bool {
	completed := false
	rp.once.Do(func() {
		rp.m.Lock()
		rp.p, rp.err = p, err
		close(rp.done)
		callbacks := rp.callbacks
		rp.callbacks = nil
		rp.m.Unlock()
		for _, cb := range callbacks {
			cb(p, err)
		}
		completed = true
	})
	return completed
}

func (rp *RequestPromise) setCancel(cancel func()) {
	rp.m.Lock()
	rp.cancel = cancel
	rp.m.Unlock()
}

// OnComplete registers cb to run once the promise completes. If it already has, cb runs now.
func (rp *RequestPromise) OnComplete(cb func(multiplex.Payload, error)) {
	rp.m.Lock()
	select {
	case <-rp.done:
		p, err := rp.p, rp.err
		rp.m.Unlock()
		cb(p, err)
		return
	default:
	}
	rp.callbacks = append(rp.callbacks, cb)
	rp.m.Unlock()
}

// Done is closed once the promise completes
func (rp *RequestPromise) Done() <-chan struct{} { return rp.done }

// Wait blocks until the promise completes or ctx is done. A done ctx cancels the call.
func (rp *RequestPromise) Wait(ctx context.Context) (multiplex.Payload, error) {
	select {
	case <-rp.done:
		return rp.p, rp.err
	case <-ctx.Done():
		rp.Cancel()
		return multiplex.Payload{}, ctx.Err()
	}
}

// Cancel abandons the call. Only the stream carrying it is canceled.
func (rp *RequestPromise) Cancel() {
	rp.m.Lock()
	cancel := rp.cancel
	rp.m.Unlock()
	if cancel != nil {
		cancel()
	}
	rp.complete(multiplex.Payload{}, multiplex.ErrCanceled)
}
