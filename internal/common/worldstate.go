package common

import (
	"sync"
	"time"
)

var RealWorldState = WorldState{
	Now: time.Now,
}

// WorldState carries the clock used by keepalive, lease and resume bookkeeping, so that it can
// be replaced in tests
type WorldState struct {
	Now func() time.Time
}

func (w WorldState) Since(t time.Time) time.Duration { return w.Now().Sub(t) }

// ManualClock is a clock that only moves when told to
type ManualClock struct {
	m   sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock { return &ManualClock{now: start} }

func (c *ManualClock) Now() time.Time {
	c.m.Lock()
	defer c.m.Unlock()
	return c.now
}

func (c *ManualClock) Advance(d time.Duration) {
	c.m.Lock()
	c.now = c.now.Add(d)
	c.m.Unlock()
}

// WorldOfClock returns a WorldState whose time is driven by c
func WorldOfClock(c *ManualClock) WorldState {
	return WorldState{Now: c.Now}
}
