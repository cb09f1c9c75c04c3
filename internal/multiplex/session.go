package multiplex

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbeuw/remoting/internal/common"
	"github.com/cbeuw/remoting/internal/frame"
	"github.com/cbeuw/remoting/internal/keepalive"
	"github.com/cbeuw/remoting/internal/lease"
	"github.com/cbeuw/remoting/internal/resume"
	"github.com/cbeuw/remoting/internal/transport"

	log "github.com/sirupsen/logrus"
)

const (
	defaultKeepaliveInterval = 20 * time.Second
	defaultKeepaliveTimeout  = 90 * time.Second
	defaultSessionDuration   = 30 * time.Second
	defaultResumeBufferSize  = 16 << 20

	// largest element reassembled from fragments
	maxReassembledLength = 64 << 20
	// frames smaller than this cannot make progress once headers are accounted for
	minFragmentSize = 64
)

var sessionIDs uint64

type SessionConfig struct {
	KeepaliveInterval time.Duration
	KeepaliveTimeout  time.Duration

	// FragmentSize is the largest frame sent before an element is split into fragments.
	// Zero disables fragmentation.
	FragmentSize int

	// LeaseSender issues the leases granted to the peer when lease is negotiated
	LeaseSender lease.Sender
	// MaxPendingRequests is how many requests may wait for a lease. Zero fails them immediately.
	MaxPendingRequests int

	// SessionDuration is how long a resumable session survives without a connection
	SessionDuration time.Duration
	// ResumeStore retains unacknowledged frames. Defaults to memory.
	ResumeStore resume.FrameStore
	// ResumeBufferSize caps the unacknowledged bytes retained before the session stops being resumable
	ResumeBufferSize int
	// TokenIssuer, if set, makes clients issue MAC'd resume tokens and servers verify them
	// before looking them up. Both sides must share its key.
	TokenIssuer *resume.TokenIssuer

	// MaxStreamID is the ceiling after which stream ids wrap around
	MaxStreamID uint32

	World common.WorldState
}

func (cfg SessionConfig) withDefaults() SessionConfig {
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	if cfg.KeepaliveTimeout <= 0 {
		cfg.KeepaliveTimeout = defaultKeepaliveTimeout
	}
	if cfg.FragmentSize > 0 && cfg.FragmentSize < minFragmentSize {
		cfg.FragmentSize = minFragmentSize
	}
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = defaultSessionDuration
	}
	if cfg.ResumeBufferSize <= 0 {
		cfg.ResumeBufferSize = defaultResumeBufferSize
	}
	if cfg.World.Now == nil {
		cfg.World = common.RealWorldState
	}
	return cfg
}

// A Session is one logical connection between two peers. Both peers may act as requester and
// responder over the same session. A resumable session outlives the transport it was
// established on and continues over a new one after RESUME.
type Session struct {
	id     uint64
	client bool

	SessionConfig
	setup   SetupInfo
	handler Handler

	connM     sync.Mutex
	conn      transport.DuplexConn
	connected bool
	readDone  chan struct{}
	keepalive *keepalive.Supervisor
	// fires when a detached server-side session has waited SessionDuration for a RESUME
	detachTimer *time.Timer

	// sendM orders resumable frames so that their positions match the order they are written in
	sendM sync.Mutex

	streamsM  sync.Mutex
	streams   map[uint32]*stream
	fragments map[uint32]*frame.Frame
	ids       *streamIDs

	// leases granted to us by the peer, and by us to the peer. Nil unless lease is negotiated.
	leases *lease.Tracker
	issued *lease.Tracker

	resume   *resume.Buffer
	registry *resume.Registry[*Session]
	dialer   transport.Dialer
	backoff  resume.BackoffConfig

	// parent of every handler context, canceled on termination
	ctx    context.Context
	cancel context.CancelFunc

	closed uint32
	die    chan struct{}

	terminalErrM sync.Mutex
	terminalErr  error
}

func newSession(cfg SessionConfig, client bool, setup SetupInfo, handler Handler) *Session {
	cfg = cfg.withDefaults()
	if handler == nil {
		handler = HandlerFuncs{}
	}
	sesh := &Session{
		id:            atomic.AddUint64(&sessionIDs, 1),
		client:        client,
		SessionConfig: cfg,
		setup:         setup,
		handler:       handler,
		streams:       make(map[uint32]*stream),
		fragments:     make(map[uint32]*frame.Frame),
		ids:           makeStreamIDs(client, cfg.MaxStreamID),
		die:           make(chan struct{}),
	}
	sesh.ctx, sesh.cancel = context.WithCancel(context.Background())
	if setup.Lease {
		sesh.leases = lease.NewTracker(cfg.World, cfg.MaxPendingRequests)
		sesh.issued = lease.NewTracker(cfg.World, 0)
	}
	if setup.Resume {
		sesh.resume = resume.NewBuffer(setup.Token, cfg.ResumeStore, cfg.ResumeBufferSize)
	}
	return sesh
}

// start attaches the first connection and begins serving
func (sesh *Session) start(conn transport.DuplexConn) {
	sesh.attach(conn)
	if sesh.issued != nil && sesh.LeaseSender != nil {
		go sesh.issueLeases()
	}
}

func (sesh *Session) attach(conn transport.DuplexConn) {
	ka := sesh.superviseConn(conn)
	done := make(chan struct{})
	sesh.connM.Lock()
	sesh.conn = conn
	sesh.connected = true
	sesh.keepalive = ka
	sesh.readDone = done
	sesh.connM.Unlock()

	go sesh.readLoop(conn, ka, done)
	ka.Start()
	if sesh.IsClosed() {
		ka.Stop()
		_ = conn.Close()
	}
	log.Debugf("session %v attached to %v", sesh.id, conn.RemoteAddr())
}

func (sesh *Session) superviseConn(conn transport.DuplexConn) *keepalive.Supervisor {
	timeout := sesh.KeepaliveTimeout
	if !sesh.client && sesh.setup.MaxLifetime > 0 {
		timeout = sesh.setup.MaxLifetime
	}
	interval := sesh.KeepaliveInterval
	if !sesh.client && sesh.setup.KeepaliveInterval > 0 {
		interval = sesh.setup.KeepaliveInterval
	}
	ka := keepalive.NewSupervisor(keepalive.Config{Interval: interval, Timeout: timeout}, sesh.World)
	ka.Emit = sesh.client
	ka.Send = conn.SendFrame
	if sesh.resume != nil {
		ka.Position = sesh.resume.ImpliedPosition
		ka.OnRemotePosition = func(pos uint64) {
			if err := sesh.resume.Ack(pos); err != nil {
				log.Debugf("session %v: %v", sesh.id, err)
			}
		}
	}
	ka.OnTimeout = func() {
		sesh.connectionLost(conn, fmt.Errorf("no frame received for %v", timeout))
	}
	return ka
}

func (sesh *Session) readLoop(conn transport.DuplexConn, ka *keepalive.Supervisor, done chan struct{}) {
	defer close(done)
	for {
		f, err := conn.Receive()
		if err != nil {
			if frame.IsProtocolParsingError(err) {
				log.Warnf("session %v received a malformed frame: %v", sesh.id, err)
				_ = conn.SendFrame(frame.NewError(0, frame.ErrorCodeConnectionError, err.Error()))
				sesh.terminate(newError(frame.ErrorCodeConnectionError, "%v", err))
				return
			}
			sesh.connectionLost(conn, err)
			return
		}
		ka.Received(f)
		if sesh.resume != nil && f.Resumable() {
			sesh.resume.Received()
		}
		if !sesh.dispatch(f) {
			return
		}
	}
}

// dispatch routes one inbound frame and returns false if the session has terminated
func (sesh *Session) dispatch(f *frame.Frame) bool {
	if f.StreamID == 0 {
		return sesh.handleConnectionFrame(f)
	}
	return sesh.handleStreamFrame(f)
}

func (sesh *Session) handleConnectionFrame(f *frame.Frame) bool {
	switch f.Type {
	case frame.TypeKeepalive:
		// handled by the supervisor
	case frame.TypeLease:
		if sesh.leases == nil {
			log.Debugf("session %v received a LEASE without negotiating lease", sesh.id)
			return true
		}
		sesh.leases.Receive(lease.FromFrame(f, sesh.World.Now()))
	case frame.TypeMetadataPush:
		go sesh.handler.MetadataPush(sesh.ctx, f.Metadata)
	case frame.TypeError:
		err := errorFromFrame(f)
		log.Debugf("session %v closed by peer: %v", sesh.id, err)
		sesh.terminate(err)
		return false
	case frame.TypeExt:
		log.Debugf("session %v ignoring extension frame %#x", sesh.id, f.ExtendedType)
	default:
		err := newError(frame.ErrorCodeConnectionError, "unexpected %v on an established session", f.Type)
		sesh.fail(err)
		return false
	}
	return true
}

func (sesh *Session) handleStreamFrame(f *frame.Frame) bool {
	sesh.streamsM.Lock()
	f, complete, err := sesh.reassemble(f)
	if err != nil {
		sesh.streamsM.Unlock()
		_ = sesh.send(errorFrame(f.StreamID, err))
		if st := sesh.stream(f.StreamID); st != nil {
			st.terminate(err)
		}
		return true
	}
	if !complete {
		sesh.streamsM.Unlock()
		return true
	}
	st := sesh.streams[f.StreamID]
	if f.Type.IsRequest() {
		sesh.streamsM.Unlock()
		if st != nil {
			sesh.fail(newError(frame.ErrorCodeConnectionError, "%v on active stream %v", f.Type, f.StreamID))
			return false
		}
		if sesh.ids.ours(f.StreamID) {
			log.Debugf("session %v ignoring %v on a stream id only we may open", sesh.id, f)
			return true
		}
		sesh.accept(f)
		return true
	}
	sesh.streamsM.Unlock()
	if st == nil {
		log.Tracef("session %v dropping %v for unknown stream", sesh.id, f)
		return true
	}
	st.handleFrame(f)
	return true
}

func (sesh *Session) stream(id uint32) *stream {
	sesh.streamsM.Lock()
	defer sesh.streamsM.Unlock()
	return sesh.streams[id]
}

func (sesh *Session) removeStream(st *stream) {
	sesh.streamsM.Lock()
	if sesh.streams[st.id] == st {
		delete(sesh.streams, st.id)
	}
	sesh.streamsM.Unlock()
}

// newLocalStream allocates an id and registers a requester stream. Running out of ids is fatal
// to the session.
func (sesh *Session) newLocalStream(kind frame.Type, init func(*stream)) (*stream, error) {
	sesh.streamsM.Lock()
	if sesh.IsClosed() {
		sesh.streamsM.Unlock()
		return nil, sesh.TerminalErr()
	}
	id, err := sesh.ids.allocate(sesh.idInUse)
	if err != nil {
		sesh.streamsM.Unlock()
		log.Errorf("session %v: %v", sesh.id, err)
		sesh.fail(err)
		return nil, err
	}
	st := makeStream(sesh, id, kind)
	init(st)
	sesh.streams[id] = st
	sesh.streamsM.Unlock()
	return st, nil
}

func (sesh *Session) idInUse(id uint32) bool {
	if _, ok := sesh.streams[id]; ok {
		return true
	}
	_, ok := sesh.fragments[id]
	return ok
}

// ActiveStreams is the number of streams in the ACTIVE state
func (sesh *Session) ActiveStreams() int {
	sesh.streamsM.Lock()
	defer sesh.streamsM.Unlock()
	return len(sesh.streams)
}

// StreamState reports the state of a stream id. Ids that are not active are reported as NONE
// whether or not they were used before.
func (sesh *Session) StreamState(id uint32) StreamState {
	if st := sesh.stream(id); st != nil {
		return st.State()
	}
	return StateNone
}

func (sesh *Session) currentConn() (transport.DuplexConn, bool) {
	sesh.connM.Lock()
	defer sesh.connM.Unlock()
	return sesh.conn, sesh.connected
}

// send writes one frame. Resumable frames of a resumable session are retained until the peer
// acknowledges them and are accepted even while no connection is attached.
func (sesh *Session) send(f *frame.Frame) error {
	if sesh.resume == nil || !f.Resumable() {
		conn, connected := sesh.currentConn()
		if !connected {
			if sesh.IsClosed() {
				return sesh.TerminalErr()
			}
			if sesh.resume != nil {
				// connection-level frames are not replayed
				return nil
			}
			return ErrConnection
		}
		if err := conn.SendFrame(f); err != nil {
			if sesh.IsClosed() {
				return sesh.TerminalErr()
			}
			return newError(frame.ErrorCodeConnectionError, "%v", err)
		}
		return nil
	}

	data, err := frame.Encode(f)
	if err != nil {
		return err
	}
	sesh.sendM.Lock()
	defer sesh.sendM.Unlock()
	if sesh.IsClosed() {
		return sesh.TerminalErr()
	}
	if _, err := sesh.resume.Append(data); err != nil {
		return err
	}
	conn, connected := sesh.currentConn()
	if !connected {
		return nil
	}
	if err := conn.SendEncoded(data, false); err != nil {
		log.Debugf("session %v will replay %v after resumption: %v", sesh.id, f, err)
	}
	return nil
}

// sendStreamFrame sends a frame carrying an element, fragmenting it if needed
func (sesh *Session) sendStreamFrame(f *frame.Frame) error {
	for _, frag := range fragment(f, sesh.FragmentSize) {
		if err := sesh.send(frag); err != nil {
			return err
		}
	}
	return nil
}

func (sesh *Session) issueLeases() {
	for l := range sesh.LeaseSender.Leases(sesh.ctx) {
		sesh.issued.Receive(l)
		if err := sesh.send(l.Frame()); err != nil {
			log.Debugf("session %v failed to send lease: %v", sesh.id, err)
		}
	}
}

// connectionLost handles the loss of conn. A resumable session waits for a RESUME, or starts
// reconnecting if it is the client; any other session terminates.
func (sesh *Session) connectionLost(conn transport.DuplexConn, cause error) {
	sesh.connM.Lock()
	if sesh.conn != conn || !sesh.connected {
		sesh.connM.Unlock()
		return
	}
	sesh.connected = false
	ka := sesh.keepalive
	sesh.keepalive = nil
	sesh.connM.Unlock()

	if ka != nil {
		ka.Stop()
	}
	_ = conn.Close()
	if sesh.IsClosed() {
		return
	}
	if sesh.resume == nil {
		sesh.terminate(newError(frame.ErrorCodeConnectionError, "%v", cause))
		return
	}
	if sesh.resume.Overflowed() {
		sesh.terminate(newError(frame.ErrorCodeConnectionError, "%v, and the session cannot be resumed: %v", cause, resume.ErrOverflowed))
		return
	}
	log.Infof("session %v lost its connection: %v", sesh.id, cause)
	if sesh.client {
		go sesh.reconnect()
	} else {
		sesh.detach()
	}
}

// fail sends a connection-level ERROR for err and terminates the session
func (sesh *Session) fail(err error) {
	if conn, connected := sesh.currentConn(); connected {
		_ = conn.SendFrame(errorFrame(0, err))
	}
	sesh.terminate(err)
}

// terminate tears the session down and fails everything pending with err
func (sesh *Session) terminate(err error) {
	if !atomic.CompareAndSwapUint32(&sesh.closed, 0, 1) {
		return
	}
	sesh.terminalErrM.Lock()
	sesh.terminalErr = err
	sesh.terminalErrM.Unlock()
	log.Debugf("session %v terminated: %v", sesh.id, err)

	sesh.cancel()

	sesh.streamsM.Lock()
	streams := make([]*stream, 0, len(sesh.streams))
	for _, st := range sesh.streams {
		streams = append(streams, st)
	}
	sesh.fragments = make(map[uint32]*frame.Frame)
	sesh.streamsM.Unlock()
	for _, st := range streams {
		st.terminate(err)
	}

	sesh.connM.Lock()
	conn := sesh.conn
	sesh.connected = false
	ka := sesh.keepalive
	sesh.keepalive = nil
	timer := sesh.detachTimer
	sesh.connM.Unlock()
	if ka != nil {
		ka.Stop()
	}
	if timer != nil {
		timer.Stop()
	}
	if conn != nil {
		_ = conn.Close()
	}

	if sesh.resume != nil {
		if sesh.registry != nil {
			sesh.registry.Remove(sesh.setup.Token)
		}
		if err := sesh.resume.Discard(); err != nil {
			log.Warnf("session %v failed to discard its resume buffer: %v", sesh.id, err)
		}
	}
	close(sesh.die)
}

// Close cancels every active stream, tells the peer the session is closing and closes the
// connection. Pending work fails with ErrSessionClosed.
func (sesh *Session) Close() error {
	if sesh.IsClosed() {
		return sesh.TerminalErr()
	}
	log.Debugf("closing session %v", sesh.id)
	if conn, connected := sesh.currentConn(); connected {
		sesh.streamsM.Lock()
		for id := range sesh.streams {
			_ = conn.SendFrame(frame.NewCancel(id))
		}
		sesh.streamsM.Unlock()
		_ = conn.SendFrame(frame.NewError(0, frame.ErrorCodeConnectionClose, ErrSessionClosed.Message))
	}
	sesh.terminate(ErrSessionClosed)
	return nil
}

func (sesh *Session) IsClosed() bool {
	return atomic.LoadUint32(&sesh.closed) == 1
}

// Done is closed once the session has terminated
func (sesh *Session) Done() <-chan struct{} { return sesh.die }

// TerminalErr is the reason the session terminated, or nil while it is alive
func (sesh *Session) TerminalErr() error {
	sesh.terminalErrM.Lock()
	defer sesh.terminalErrM.Unlock()
	return sesh.terminalErr
}

func (sesh *Session) ID() uint64 { return sesh.id }

func (sesh *Session) Setup() SetupInfo { return sesh.setup }

// Connected reports whether a transport is currently attached
func (sesh *Session) Connected() bool {
	_, connected := sesh.currentConn()
	return connected
}

// RemoteAddr is the address of the attached transport, or nil while detached
func (sesh *Session) RemoteAddr() net.Addr {
	conn, connected := sesh.currentConn()
	if !connected || conn == nil {
		return nil
	}
	return conn.RemoteAddr()
}

// Lease returns the number of requests left on the lease granted by the peer, and whether it is valid
func (sesh *Session) Lease() (uint32, bool) {
	if sesh.leases == nil {
		return 0, false
	}
	return sesh.leases.Remaining()
}

// ResumeBuffer exposes resume positions, or nil if the session is not resumable
func (sesh *Session) ResumeBuffer() *resume.Buffer { return sesh.resume }
