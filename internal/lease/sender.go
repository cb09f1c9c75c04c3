package lease

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cbeuw/remoting/internal/common"
	"golang.org/x/time/rate"
)

// Sender produces the leases a responder grants to its peer. The channel is closed once ctx is done.
type Sender interface {
	Leases(ctx context.Context) <-chan Lease
}

// FixedSender grants the same allowance every TTL
type FixedSender struct {
	TTL     time.Duration
	Allowed uint32
	World   common.WorldState
}

func (s FixedSender) Leases(ctx context.Context) <-chan Lease {
	world := s.World
	if world.Now == nil {
		world = common.RealWorldState
	}
	return emitEvery(ctx, s.TTL, func() Lease {
		return New(s.TTL, s.Allowed, world.Now())
	})
}

// RateSender sizes every lease from a token bucket: each grant hands out the whole tokens
// accumulated since the last one, bounded by the limiter's burst
type RateSender struct {
	TTL   time.Duration
	World common.WorldState

	// Target is the latency above which Observe backs the rate off. Zero disables adjustment.
	Target time.Duration

	m       sync.Mutex
	limiter *rate.Limiter
}

func NewRateSender(ttl time.Duration, limit rate.Limit, burst int) *RateSender {
	return &RateSender{
		TTL:     ttl,
		World:   common.RealWorldState,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (s *RateSender) Leases(ctx context.Context) <-chan Lease {
	return emitEvery(ctx, s.TTL, s.next)
}

func (s *RateSender) next() Lease {
	now := s.World.Now()
	s.m.Lock()
	defer s.m.Unlock()
	tokens := math.Floor(s.limiter.TokensAt(now))
	if tokens < 0 {
		tokens = 0
	}
	allowed := int(tokens)
	if allowed > 0 {
		s.limiter.AllowN(now, allowed)
	}
	return New(s.TTL, uint32(allowed), now)
}

// Observe feeds a request latency sample. Samples above Target shrink the rate multiplicatively,
// samples below it grow the rate by one request per second.
func (s *RateSender) Observe(latency time.Duration) {
	if s.Target <= 0 {
		return
	}
	now := s.World.Now()
	s.m.Lock()
	defer s.m.Unlock()
	limit := s.limiter.Limit()
	if latency > s.Target {
		limit = limit * 0.9
	} else {
		limit++
	}
	if limit < 1 {
		limit = 1
	}
	s.limiter.SetLimitAt(now, limit)
}

func (s *RateSender) Limit() rate.Limit {
	s.m.Lock()
	defer s.m.Unlock()
	return s.limiter.Limit()
}

func emitEvery(ctx context.Context, period time.Duration, next func() Lease) <-chan Lease {
	ch := make(chan Lease)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case ch <- next():
			case <-ctx.Done():
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}
