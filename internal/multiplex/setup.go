package multiplex

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cbeuw/remoting/internal/frame"
	"github.com/cbeuw/remoting/internal/resume"
	"github.com/cbeuw/remoting/internal/transport"

	log "github.com/sirupsen/logrus"
)

const defaultSetupTimeout = 10 * time.Second

// SetupInfo is what a client declared in its SETUP frame
type SetupInfo struct {
	Version           frame.Version
	KeepaliveInterval time.Duration
	MaxLifetime       time.Duration
	MetadataMIME      string
	DataMIME          string
	Lease             bool
	Resume            bool
	Token             []byte
	Payload           Payload
}

type ClientConfig struct {
	SessionConfig

	MetadataMIME string
	DataMIME     string
	SetupPayload Payload

	Lease  bool
	Resume bool

	// Dialer opens the initial connection for Dial and replacement connections when a
	// resumable session loses its transport
	Dialer  transport.Dialer
	Backoff resume.BackoffConfig

	// Handler serves requests the server makes over the session
	Handler Handler
}

// Dial opens a connection with cfg.Dialer and establishes a session over it
func Dial(ctx context.Context, cfg ClientConfig) (*Session, error) {
	if cfg.Dialer == nil {
		return nil, errors.New("no dialer configured")
	}
	conn, err := cfg.Dialer(ctx)
	if err != nil {
		return nil, err
	}
	sesh, err := Connect(ctx, conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return sesh, nil
}

// Connect establishes a session over conn by sending SETUP. The server does not acknowledge
// SETUP; a rejection arrives as an ERROR that terminates the session.
func Connect(ctx context.Context, conn transport.DuplexConn, cfg ClientConfig) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Resume && cfg.Dialer == nil {
		return nil, errors.New("a resumable session needs a dialer to reconnect with")
	}
	scfg := cfg.SessionConfig.withDefaults()
	info := SetupInfo{
		Version:           frame.DefaultVersion,
		KeepaliveInterval: scfg.KeepaliveInterval,
		MaxLifetime:       scfg.KeepaliveTimeout,
		MetadataMIME:      cfg.MetadataMIME,
		DataMIME:          cfg.DataMIME,
		Lease:             cfg.Lease,
		Resume:            cfg.Resume,
		Payload:           cfg.SetupPayload,
	}
	if cfg.Resume {
		if scfg.TokenIssuer != nil {
			info.Token = scfg.TokenIssuer.Issue()
		} else {
			info.Token = resume.NewToken()
		}
	}

	sesh := newSession(scfg, true, info, cfg.Handler)
	sesh.dialer = cfg.Dialer
	sesh.backoff = cfg.Backoff
	if sesh.backoff == (resume.BackoffConfig{}) {
		sesh.backoff = resume.DefaultBackoff
	}

	if err := conn.SendFrame(setupFrame(info)); err != nil {
		return nil, err
	}
	sesh.start(conn)
	log.Debugf("session %v set up with %v", sesh.id, conn.RemoteAddr())
	return sesh, nil
}

func setupFrame(info SetupInfo) *frame.Frame {
	f := &frame.Frame{
		Type:              frame.TypeSetup,
		Version:           info.Version,
		KeepaliveInterval: uint32(info.KeepaliveInterval / time.Millisecond),
		MaxLifetime:       uint32(info.MaxLifetime / time.Millisecond),
		MetadataMIME:      info.MetadataMIME,
		DataMIME:          info.DataMIME,
		Data:              info.Payload.Data,
	}
	if info.Payload.Metadata != nil {
		f.Flags |= frame.FlagMetadata
		f.Metadata = info.Payload.Metadata
	}
	if info.Lease {
		f.Flags |= frame.FlagLease
	}
	if info.Resume {
		f.Flags |= frame.FlagResumeEnable
		f.Token = info.Token
	}
	return f
}

func setupInfoOf(f *frame.Frame) SetupInfo {
	return SetupInfo{
		Version:           f.Version,
		KeepaliveInterval: time.Duration(f.KeepaliveInterval) * time.Millisecond,
		MaxLifetime:       time.Duration(f.MaxLifetime) * time.Millisecond,
		MetadataMIME:      f.MetadataMIME,
		DataMIME:          f.DataMIME,
		Lease:             f.Flags.Has(frame.FlagLease),
		Resume:            f.Flags.Has(frame.FlagResumeEnable),
		Token:             f.Token,
		Payload:           payloadOf(f),
	}
}

// SocketAcceptor decides whether to accept a session and returns the handler serving it.
// sesh may be used to make requests to the client once the acceptor returns.
type SocketAcceptor func(setup SetupInfo, sesh *Session) (Handler, error)

type ServerConfig struct {
	SessionConfig

	// Resume allows clients to establish resumable sessions
	Resume bool
	// SetupTimeout bounds the wait for the first frame of a new connection
	SetupTimeout time.Duration
}

// Acceptor establishes sessions over connections accepted by a server
type Acceptor struct {
	ServerConfig
	onSetup SocketAcceptor

	resumable *resume.Registry[*Session]

	sessionsM sync.Mutex
	sessions  map[uint64]*Session
}

func NewAcceptor(cfg ServerConfig, onSetup SocketAcceptor) *Acceptor {
	cfg.SessionConfig = cfg.SessionConfig.withDefaults()
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = defaultSetupTimeout
	}
	if onSetup == nil {
		onSetup = func(SetupInfo, *Session) (Handler, error) { return HandlerFuncs{}, nil }
	}
	return &Acceptor{
		ServerConfig: cfg,
		onSetup:      onSetup,
		resumable:    resume.NewRegistry[*Session](cfg.SessionDuration, cfg.World),
		sessions:     make(map[uint64]*Session),
	}
}

// Serve accepts connections from l until it is closed
func (a *Acceptor) Serve(l transport.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go a.ServeConn(conn)
	}
}

// ServeConn handles the first frame of conn, which must be SETUP or RESUME
func (a *Acceptor) ServeConn(conn transport.DuplexConn) {
	f, err := receiveWithin(conn, a.SetupTimeout)
	if err != nil {
		log.Debugf("no setup from %v: %v", conn.RemoteAddr(), err)
		if frame.IsProtocolParsingError(err) {
			rejectConn(conn, newError(frame.ErrorCodeInvalidSetup, "%v", err))
			return
		}
		_ = conn.Close()
		return
	}
	switch f.Type {
	case frame.TypeSetup:
		a.handleSetup(conn, f)
	case frame.TypeResume:
		a.handleResume(conn, f)
	default:
		rejectConn(conn, newError(frame.ErrorCodeInvalidSetup, "expected SETUP or RESUME, got %v", f.Type))
	}
}

func rejectConn(conn transport.DuplexConn, err *Error) {
	log.Debugf("rejecting connection from %v: %v", conn.RemoteAddr(), err)
	_ = conn.SendFrame(errorFrame(0, err))
	_ = conn.Close()
}

func (a *Acceptor) handleSetup(conn transport.DuplexConn, f *frame.Frame) {
	info := setupInfoOf(f)
	if info.Version.Major != frame.DefaultVersion.Major {
		rejectConn(conn, newError(frame.ErrorCodeUnsupportedSetup, "unsupported version %v", info.Version))
		return
	}
	if info.KeepaliveInterval <= 0 || info.MaxLifetime <= 0 {
		rejectConn(conn, newError(frame.ErrorCodeInvalidSetup, "keepalive interval and max lifetime must be positive"))
		return
	}
	if info.Resume {
		if !a.Resume {
			rejectConn(conn, newError(frame.ErrorCodeUnsupportedSetup, "resume is not supported"))
			return
		}
		if err := a.verifyToken(info.Token); err != nil {
			rejectConn(conn, newError(frame.ErrorCodeInvalidSetup, "%v", err))
			return
		}
	}

	sesh := newSession(a.SessionConfig, false, info, nil)
	if info.Resume {
		if err := a.resumable.Add(info.Token, sesh); err != nil {
			sesh.cancel()
			rejectConn(conn, newError(frame.ErrorCodeRejectedSetup, "%v", err))
			return
		}
		sesh.registry = a.resumable
	}
	handler, err := a.onSetup(info, sesh)
	if err != nil {
		var perr *Error
		if !errors.As(err, &perr) {
			perr = newError(frame.ErrorCodeRejectedSetup, "%v", err)
		}
		rejectConn(conn, perr)
		sesh.terminate(perr)
		return
	}
	if handler != nil {
		sesh.handler = handler
	}

	a.sessionsM.Lock()
	a.sessions[sesh.id] = sesh
	a.sessionsM.Unlock()
	go func() {
		<-sesh.Done()
		a.sessionsM.Lock()
		delete(a.sessions, sesh.id)
		a.sessionsM.Unlock()
	}()

	sesh.start(conn)
	log.Debugf("session %v established with %v", sesh.id, conn.RemoteAddr())
}

func (a *Acceptor) handleResume(conn transport.DuplexConn, f *frame.Frame) {
	if !a.Resume {
		rejectConn(conn, newError(frame.ErrorCodeRejectedResume, "resume is not supported"))
		return
	}
	if err := a.verifyToken(f.Token); err != nil {
		rejectConn(conn, newError(frame.ErrorCodeRejectedResume, "%v", err))
		return
	}
	sesh, err := a.resumable.Get(f.Token)
	if err != nil {
		rejectConn(conn, newError(frame.ErrorCodeRejectedResume, "%v", err))
		return
	}
	sesh.acceptResume(conn, f)
}

func (a *Acceptor) verifyToken(token []byte) error {
	if err := resume.ValidateToken(token); err != nil {
		return err
	}
	if a.TokenIssuer != nil {
		return a.TokenIssuer.Verify(token)
	}
	return nil
}

// Sessions returns a snapshot of the established sessions
func (a *Acceptor) Sessions() []*Session {
	a.sessionsM.Lock()
	defer a.sessionsM.Unlock()
	ret := make([]*Session, 0, len(a.sessions))
	for _, sesh := range a.sessions {
		ret = append(ret, sesh)
	}
	return ret
}

// Session finds an established session by id
func (a *Acceptor) Session(id uint64) (*Session, bool) {
	a.sessionsM.Lock()
	defer a.sessionsM.Unlock()
	sesh, ok := a.sessions[id]
	return sesh, ok
}

// SweepDetached terminates resumable sessions whose resume window has passed
func (a *Acceptor) SweepDetached() int {
	expired := a.resumable.Sweep()
	for _, sesh := range expired {
		sesh.terminate(newError(frame.ErrorCodeConnectionError, "not resumed within %v", a.SessionDuration))
	}
	return len(expired)
}

// Close closes every session
func (a *Acceptor) Close() error {
	for _, sesh := range a.Sessions() {
		_ = sesh.Close()
	}
	return nil
}

// receiveWithin reads one frame, closing conn if none arrives in time
func receiveWithin(conn transport.DuplexConn, timeout time.Duration) (*frame.Frame, error) {
	type result struct {
		f   *frame.Frame
		err error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := conn.Receive()
		ch <- result{f, err}
	}()
	select {
	case r := <-ch:
		return r.f, r.err
	case <-time.After(timeout):
		_ = conn.Close()
		<-ch
		return nil, fmt.Errorf("timed out after %v", timeout)
	}
}
