// Package lease implements lease-based admission control. A responder grants its peer a
// time- and count-bounded allowance of new requests; the requester consumes one unit per request.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cbeuw/remoting/internal/common"
	"github.com/cbeuw/remoting/internal/frame"
)

var (
	ErrRejected     = errors.New("request rejected by lease")
	ErrNoLease      = fmt.Errorf("%w: no lease received", ErrRejected)
	ErrLeaseExpired = fmt.Errorf("%w: lease expired", ErrRejected)
	ErrExhausted    = fmt.Errorf("%w: lease exhausted", ErrRejected)
	ErrQueueFull    = fmt.Errorf("%w: too many requests waiting for a lease", ErrRejected)
)

// Lease is an immutable grant of Allowed requests until Expiry
type Lease struct {
	TTL      time.Duration
	Allowed  uint32
	Expiry   time.Time
	Metadata []byte
}

func New(ttl time.Duration, allowed uint32, now time.Time) Lease {
	return Lease{TTL: ttl, Allowed: allowed, Expiry: now.Add(ttl)}
}

// FromFrame builds the Lease carried by a LEASE frame received at now
func FromFrame(f *frame.Frame, now time.Time) Lease {
	l := New(time.Duration(f.TTL)*time.Millisecond, f.NumRequests, now)
	l.Metadata = f.Metadata
	return l
}

func (l Lease) Frame() *frame.Frame {
	return frame.NewLease(uint32(l.TTL/time.Millisecond), l.Allowed, l.Metadata)
}

func (l Lease) Expired(now time.Time) bool { return !now.Before(l.Expiry) }

// Tracker holds the most recent lease and admits requests against it.
// With maxPending > 0, Acquire queues up to maxPending callers until a new lease arrives.
type Tracker struct {
	world      common.WorldState
	maxPending int

	m         sync.Mutex
	current   *Lease
	remaining uint32
	waiters   []chan struct{}
}

func NewTracker(world common.WorldState, maxPending int) *Tracker {
	return &Tracker{world: world, maxPending: maxPending}
}

// Receive replaces the held lease and wakes queued requests it can admit
func (t *Tracker) Receive(l Lease) {
	t.m.Lock()
	defer t.m.Unlock()
	t.current = &l
	t.remaining = l.Allowed
	n := int(t.remaining)
	if n > len(t.waiters) {
		n = len(t.waiters)
	}
	for _, w := range t.waiters[:n] {
		close(w)
	}
	t.waiters = t.waiters[n:]
}

// TryUse consumes one request from the held lease, failing if there is none, it has expired or
// it is exhausted
func (t *Tracker) TryUse() error {
	t.m.Lock()
	defer t.m.Unlock()
	return t.tryUse()
}

func (t *Tracker) tryUse() error {
	if t.current == nil {
		return ErrNoLease
	}
	if t.current.Expired(t.world.Now()) {
		return ErrLeaseExpired
	}
	if t.remaining == 0 {
		return ErrExhausted
	}
	t.remaining--
	return nil
}

// Acquire is TryUse that may wait for a new lease if queueing is enabled
func (t *Tracker) Acquire(ctx context.Context) error {
	for {
		t.m.Lock()
		err := t.tryUse()
		if err == nil || t.maxPending <= 0 {
			t.m.Unlock()
			return err
		}
		if len(t.waiters) >= t.maxPending {
			t.m.Unlock()
			return ErrQueueFull
		}
		w := make(chan struct{})
		t.waiters = append(t.waiters, w)
		t.m.Unlock()

		select {
		case <-w:
		case <-ctx.Done():
			t.removeWaiter(w)
			return fmt.Errorf("%w: waiting for lease: %v", ErrRejected, ctx.Err())
		}
	}
}

func (t *Tracker) removeWaiter(w chan struct{}) {
	t.m.Lock()
	defer t.m.Unlock()
	for i, x := range t.waiters {
		if x == w {
			t.waiters = append(t.waiters[:i], t.waiters[i+1:]...)
			return
		}
	}
}

// Remaining returns the requests left on the held lease and whether it is still valid
func (t *Tracker) Remaining() (uint32, bool) {
	t.m.Lock()
	defer t.m.Unlock()
	if t.current == nil || t.current.Expired(t.world.Now()) {
		return 0, false
	}
	return t.remaining, true
}

func (t *Tracker) Pending() int {
	t.m.Lock()
	defer t.m.Unlock()
	return len(t.waiters)
}
