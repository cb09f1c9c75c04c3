package lease

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cbeuw/remoting/internal/common"
	"github.com/cbeuw/remoting/internal/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var epoch = time.Unix(1700000000, 0)

func TestTracker_Exhaustion(t *testing.T) {
	clock := common.NewManualClock(epoch)
	tr := NewTracker(common.WorldOfClock(clock), 0)

	assert.Equal(t, ErrNoLease, tr.TryUse())

	const n = 5
	tr.Receive(New(10*time.Second, n, clock.Now()))
	for i := 0; i < n; i++ {
		assert.NoError(t, tr.TryUse(), "request %v", i)
	}
	err := tr.TryUse()
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, ErrExhausted, err)
}

func TestTracker_ZeroAllowance(t *testing.T) {
	clock := common.NewManualClock(epoch)
	tr := NewTracker(common.WorldOfClock(clock), 0)
	tr.Receive(New(5*time.Second, 0, clock.Now()))
	assert.True(t, errors.Is(tr.TryUse(), ErrRejected))
}

func TestTracker_Expiry(t *testing.T) {
	clock := common.NewManualClock(epoch)
	tr := NewTracker(common.WorldOfClock(clock), 0)
	tr.Receive(New(time.Second, 10, clock.Now()))
	require.NoError(t, tr.TryUse())

	clock.Advance(time.Second)
	assert.Equal(t, ErrLeaseExpired, tr.TryUse())
	_, valid := tr.Remaining()
	assert.False(t, valid)

	tr.Receive(New(time.Second, 1, clock.Now()))
	remaining, valid := tr.Remaining()
	assert.True(t, valid)
	assert.EqualValues(t, 1, remaining)
}

func TestTracker_AcquireWaitsForLease(t *testing.T) {
	tr := NewTracker(common.RealWorldState, 2)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { errs <- tr.Acquire(context.Background()) }()
	}
	assert.Eventually(t, func() bool { return tr.Pending() == 2 }, time.Second, time.Millisecond)

	// a third caller finds the queue full
	assert.Equal(t, ErrQueueFull, tr.Acquire(context.Background()))

	tr.Receive(New(time.Minute, 2, time.Now()))
	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("waiter not admitted")
		}
	}
	remaining, _ := tr.Remaining()
	assert.EqualValues(t, 0, remaining)
}

func TestTracker_AcquireContextDone(t *testing.T) {
	tr := NewTracker(common.RealWorldState, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := tr.Acquire(ctx)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, 0, tr.Pending())
}

func TestFrameConversion(t *testing.T) {
	l := New(1500*time.Millisecond, 7, epoch)
	l.Metadata = []byte("md")
	f := l.Frame()
	assert.EqualValues(t, 1500, f.TTL)
	assert.EqualValues(t, 7, f.NumRequests)
	assert.True(t, f.HasMetadata())

	got := FromFrame(f, epoch)
	assert.Equal(t, l, got)
	assert.Equal(t, frame.TypeLease, f.Type)
}

func TestFixedSender(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := FixedSender{TTL: 10 * time.Millisecond, Allowed: 3}
	ch := s.Leases(ctx)
	for i := 0; i < 2; i++ {
		l := <-ch
		assert.EqualValues(t, 3, l.Allowed)
		assert.Equal(t, 10*time.Millisecond, l.TTL)
	}
	cancel()
	for range ch {
	}
}

func TestRateSender(t *testing.T) {
	clock := common.NewManualClock(epoch)
	s := NewRateSender(time.Second, 10, 20)
	s.World = common.WorldOfClock(clock)

	// the bucket starts full
	assert.EqualValues(t, 20, s.next().Allowed)
	assert.EqualValues(t, 0, s.next().Allowed)
	clock.Advance(time.Second)
	assert.EqualValues(t, 10, s.next().Allowed)
	clock.Advance(10 * time.Second)
	assert.EqualValues(t, 20, s.next().Allowed)
}

func TestRateSender_Observe(t *testing.T) {
	s := NewRateSender(time.Second, 100, 100)
	s.Observe(time.Second)
	assert.Equal(t, rate.Limit(100), s.Limit())

	s.Target = 50 * time.Millisecond
	s.Observe(time.Second)
	assert.InDelta(t, 90, float64(s.Limit()), 0.001)
	s.Observe(time.Millisecond)
	assert.InDelta(t, 91, float64(s.Limit()), 0.001)
}
