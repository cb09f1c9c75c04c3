package transport

import (
	"sync"

	"github.com/eapache/queue"
)

// outbox serialises encoded frames from many producers into the order they are written.
// Frames on the control lane (stream 0) are always dequeued before frames on the stream lane.
// push is safe for concurrent use; pop must only be called by the single writer.
type outbox struct {
	m    sync.Mutex
	cond *sync.Cond

	control *queue.Queue
	streams *queue.Queue

	// closed stops new pushes but lets the writer drain what is queued
	closed bool
	// aborted also discards what is queued
	aborted bool
}

func newOutbox() *outbox {
	o := &outbox{
		control: queue.New(),
		streams: queue.New(),
	}
	o.cond = sync.NewCond(&o.m)
	return o
}

func (o *outbox) push(control bool, data []byte) error {
	o.m.Lock()
	defer o.m.Unlock()
	if o.closed {
		return ErrConnClosed
	}
	if control {
		o.control.Add(data)
	} else {
		o.streams.Add(data)
	}
	o.cond.Signal()
	return nil
}

// pop blocks until a frame is available. It returns false once the outbox is closed and
// drained, or aborted.
func (o *outbox) pop() ([]byte, bool) {
	o.m.Lock()
	defer o.m.Unlock()
	for o.control.Length() == 0 && o.streams.Length() == 0 && !o.closed {
		o.cond.Wait()
	}
	if o.aborted {
		return nil, false
	}
	if o.control.Length() > 0 {
		return o.control.Remove().([]byte), true
	}
	if o.streams.Length() > 0 {
		return o.streams.Remove().([]byte), true
	}
	return nil, false
}

func (o *outbox) close() {
	o.m.Lock()
	o.closed = true
	o.cond.Broadcast()
	o.m.Unlock()
}

func (o *outbox) abort() {
	o.m.Lock()
	o.closed = true
	o.aborted = true
	o.control = queue.New()
	o.streams = queue.New()
	o.cond.Broadcast()
	o.m.Unlock()
}

func (o *outbox) len() int {
	o.m.Lock()
	defer o.m.Unlock()
	return o.control.Length() + o.streams.Length()
}
