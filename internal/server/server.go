// Package server runs the RPC server: it accepts sessions over TCP and WebSocket, announces
// its services to the registry and sweeps resumable sessions that were never resumed
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cbeuw/remoting/internal/common"
	"github.com/cbeuw/remoting/internal/config"
	"github.com/cbeuw/remoting/internal/multiplex"
	"github.com/cbeuw/remoting/internal/registry"
	"github.com/cbeuw/remoting/internal/resume"
	"github.com/cbeuw/remoting/internal/rpc"
	"github.com/cbeuw/remoting/internal/transport"
	gmux "github.com/gorilla/mux"

	log "github.com/sirupsen/logrus"
)

const (
	withdrawTimeout = 5 * time.Second
	// stands in for the direction left unlimited when only one of rx and tx is capped
	unlimitedRate = 1 << 40
)

type Server struct {
	cfg *config.Server

	rpc      *rpc.Server
	acceptor *multiplex.Acceptor
	registry registry.Backend
	store    *resume.BoltStore
	valve    transport.Valve

	m         sync.Mutex
	started   bool
	tcp       transport.Listener
	ws        *transport.WebSocketListener
	httpLn    net.Listener
	httpSrv   *http.Server
	closeOnce sync.Once
	die       chan struct{}
	wg        sync.WaitGroup
}

func New(cfg *config.Server) (*Server, error) {
	s := &Server{
		cfg: cfg,
		die: make(chan struct{}),
	}
	if cfg.RxRate > 0 || cfg.TxRate > 0 {
		// one valve shared by every connection caps the server's total throughput
		s.valve = transport.MakeValve(rateOrMax(cfg.RxRate), rateOrMax(cfg.TxRate))
	}

	mcfg := cfg.Multiplex
	if cfg.ResumeStore != "" {
		store, err := resume.OpenBoltStore(cfg.ResumeStore)
		if err != nil {
			return nil, fmt.Errorf("failed to open resume store: %w", err)
		}
		// sessions do not outlive the process, so whatever an earlier run left is unreachable
		if n, err := store.Clear(); err != nil {
			log.Warnf("failed to clear resume store: %v", err)
		} else if n > 0 {
			log.Infof("discarded %v resume buffers from a previous run", n)
		}
		s.store = store
		mcfg.ResumeStore = store
	}

	backend, err := cfg.Registry.Open()
	if err != nil {
		s.closeStore()
		return nil, fmt.Errorf("failed to open registry: %w", err)
	}
	s.registry = backend

	rcfg := cfg.RPC
	rcfg.Registry = backend
	s.rpc = rpc.NewServer(rcfg)
	s.acceptor = multiplex.NewAcceptor(mcfg, s.rpc.Acceptor())

	world := mcfg.World
	if world.Now == nil {
		world = common.RealWorldState
	}
	if err := s.rpc.RegisterName(BuiltinService, &builtin{s: s, world: world, started: world.Now()}); err != nil {
		s.closeStore()
		_ = backend.Close()
		return nil, err
	}
	return s, nil
}

func rateOrMax(r int64) int64 {
	if r <= 0 {
		return unlimitedRate
	}
	return r
}

// Register exposes the methods of rcvr. Services must be registered before Start.
func (s *Server) Register(rcvr any) error { return s.rpc.Register(rcvr) }

func (s *Server) RegisterName(name string, rcvr any) error { return s.rpc.RegisterName(name, rcvr) }

func (s *Server) RPC() *rpc.Server              { return s.rpc }
func (s *Server) Acceptor() *multiplex.Acceptor { return s.acceptor }
func (s *Server) Registry() registry.Backend    { return s.registry }
func (s *Server) Valve() transport.Valve        { return s.valve }
func (s *Server) Done() <-chan struct{}         { return s.die }

// TCPAddr is the address the TCP listener is bound to, or nil if there is none
func (s *Server) TCPAddr() net.Addr {
	s.m.Lock()
	defer s.m.Unlock()
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// HTTPAddr is the address serving WebSocket sessions, or nil if there is none
func (s *Server) HTTPAddr() net.Addr {
	s.m.Lock()
	defer s.m.Unlock()
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// Router serves WebSocket sessions at the configured path and, if enabled, the admin API
func (s *Server) Router(wsl *transport.WebSocketListener) http.Handler {
	router := gmux.NewRouter()
	router.Handle(s.cfg.WebSocketPath, wsl)
	if s.cfg.AdminAPI {
		router.PathPrefix("/admin/").Handler(APIRouterOf(s.acceptor, s.rpc))
	}
	return router
}

// Start binds the listeners, announces the services and returns
func (s *Server) Start(ctx context.Context) error {
	s.m.Lock()
	if s.started {
		s.m.Unlock()
		return errors.New("server already started")
	}
	s.started = true
	s.m.Unlock()

	if s.cfg.TCPAddr != "" {
		l, err := transport.ListenTCP(s.cfg.TCPAddr, s.valve)
		if err != nil {
			_ = s.Close()
			return err
		}
		s.m.Lock()
		s.tcp = l
		s.m.Unlock()
		s.serve(l)
	}

	if s.cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.HTTPAddr)
		if err != nil {
			_ = s.Close()
			return err
		}
		wsl := transport.NewWebSocketListener(ln.Addr(), s.valve)
		srv := &http.Server{Handler: s.Router(wsl)}
		s.m.Lock()
		s.ws, s.httpLn, s.httpSrv = wsl, ln, srv
		s.m.Unlock()
		log.Infof("listening on http %v, sessions at %v", ln.Addr(), s.cfg.WebSocketPath)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Errorf("http server stopped: %v", err)
			}
		}()
		s.serve(wsl)
	}

	s.rpc.Advertise(s.advertiseAddr())
	if err := s.rpc.Announce(ctx); err != nil {
		_ = s.Close()
		return err
	}

	s.wg.Add(1)
	go s.sweep()
	return nil
}

func (s *Server) serve(l transport.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.acceptor.Serve(l)
		select {
		case <-s.die:
		default:
			log.Errorf("stopped accepting on %v: %v", l.Addr(), err)
		}
	}()
}

// advertiseAddr resolves a configured port of 0 to the port actually bound
func (s *Server) advertiseAddr() string {
	addr := s.cfg.AdvertiseAddr
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port != "0" {
		return addr
	}
	bound := s.TCPAddr()
	if s.cfg.TCPAddr == "" {
		bound = s.HTTPAddr()
	}
	if bound == nil {
		return addr
	}
	_, boundPort, err := net.SplitHostPort(bound.String())
	if err != nil {
		return addr
	}
	if ip := net.ParseIP(host); host == "" || (ip != nil && ip.IsUnspecified()) {
		return bound.String()
	}
	return net.JoinHostPort(host, boundPort)
}

func (s *Server) sweep() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := s.acceptor.SweepDetached(); n > 0 {
				log.Debugf("swept %v sessions that were not resumed", n)
			}
		case <-s.die:
			return
		}
	}
}

// Serve starts the server and blocks until ctx is done
func (s *Server) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-s.die:
	}
	return s.Close()
}

func (s *Server) closeStore() {
	if s.store == nil {
		return
	}
	if err := s.store.Close(); err != nil {
		log.Warnf("failed to close resume store: %v", err)
	}
}

// Close withdraws the services, stops the listeners and closes every session
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), withdrawTimeout)
		defer cancel()
		if werr := s.rpc.Withdraw(ctx); werr != nil {
			log.Warnf("failed to withdraw services: %v", werr)
		}
		close(s.die)

		s.m.Lock()
		tcp, wsl, srv := s.tcp, s.ws, s.httpSrv
		s.m.Unlock()
		if tcp != nil {
			_ = tcp.Close()
		}
		if wsl != nil {
			_ = wsl.Close()
		}
		if srv != nil {
			_ = srv.Close()
		}
		_ = s.acceptor.Close()
		s.wg.Wait()

		s.closeStore()
		err = s.registry.Close()
	})
	return err
}
