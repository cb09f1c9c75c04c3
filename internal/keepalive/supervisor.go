// Package keepalive detects dead connections. Any frame received from the peer counts as proof
// of liveness; KEEPALIVE frames additionally carry the sender's implied resume position.
package keepalive

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbeuw/remoting/internal/common"
	"github.com/cbeuw/remoting/internal/frame"

	log "github.com/sirupsen/logrus"
)

type Config struct {
	// Interval between KEEPALIVE frames and between liveness checks
	Interval time.Duration
	// Timeout is how long the connection may stay silent before it is considered dead
	Timeout time.Duration
}

// Supervisor owns keepalive for one connection
type Supervisor struct {
	Config
	world common.WorldState

	// Emit makes the supervisor send KEEPALIVE(RESPOND) on every tick. Set on the side that
	// originated the connection.
	Emit bool
	// Send writes a frame to the connection
	Send func(*frame.Frame) error
	// Position returns the local implied position advertised in KEEPALIVE frames
	Position func() uint64
	// OnRemotePosition is called with the position carried by every received KEEPALIVE
	OnRemotePosition func(uint64)
	// OnTimeout is called once when the connection is declared dead
	OnTimeout func()

	lastReceived int64

	stopOnce sync.Once
	stop     chan struct{}
}

func NewSupervisor(cfg Config, world common.WorldState) *Supervisor {
	s := &Supervisor{
		Config:   cfg,
		world:    world,
		stop:     make(chan struct{}),
		Position: func() uint64 { return 0 },
	}
	s.Touch()
	return s
}

// Start runs the supervision loop until Stop or a timeout
func (s *Supervisor) Start() {
	go func() {
		ticker := time.NewTicker(s.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if s.tick() {
					return
				}
			case <-s.stop:
				return
			}
		}
	}()
}

// tick runs one liveness check and returns true if the connection timed out
func (s *Supervisor) tick() bool {
	silent := s.world.Since(time.Unix(0, atomic.LoadInt64(&s.lastReceived)))
	if silent >= s.Timeout {
		log.Debugf("no frame received for %v, keepalive timed out", silent)
		s.Stop()
		if s.OnTimeout != nil {
			s.OnTimeout()
		}
		return true
	}
	if s.Emit {
		s.send(frame.NewKeepalive(true, s.Position(), nil))
	}
	return false
}

// Touch records that the peer is alive
func (s *Supervisor) Touch() {
	atomic.StoreInt64(&s.lastReceived, s.world.Now().UnixNano())
}

// Received must be called for every inbound frame
func (s *Supervisor) Received(f *frame.Frame) {
	s.Touch()
	if f.Type != frame.TypeKeepalive {
		return
	}
	if s.OnRemotePosition != nil {
		s.OnRemotePosition(f.LastReceivedPosition)
	}
	if f.Flags.Has(frame.FlagRespond) {
		s.send(frame.NewKeepalive(false, s.Position(), f.Data))
	}
}

func (s *Supervisor) send(f *frame.Frame) {
	if s.Send == nil {
		return
	}
	if err := s.Send(f); err != nil {
		log.Debugf("failed to send keepalive: %v", err)
	}
}

func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}
