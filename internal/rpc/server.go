package rpc

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/cbeuw/remoting/internal/frame"
	"github.com/cbeuw/remoting/internal/multiplex"
	"github.com/cbeuw/remoting/internal/registry"
	"golang.org/x/time/rate"

	log "github.com/sirupsen/logrus"
)

var errRateLimited = &multiplex.Error{Code: frame.ErrorCodeRejected, Message: "rate limit exceeded"}

type ServerConfig struct {
	// Registry, if set, is where Announce registers every service at AdvertiseAddr
	Registry      registry.ServiceRegistry
	AdvertiseAddr string

	// RateLimit caps calls per second across all sessions. Excess calls are rejected. Zero is unlimited.
	RateLimit rate.Limit
	Burst     int
}

// Server dispatches calls to registered services
type Server struct {
	cfg     ServerConfig
	limiter *rate.Limiter

	m        sync.RWMutex
	services map[string]*service
}

func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		cfg:      cfg,
		services: make(map[string]*service),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(cfg.RateLimit, burst)
	}
	return s
}

// Register exposes the methods of rcvr under its type name
func (s *Server) Register(rcvr any) error {
	return s.RegisterName("", rcvr)
}

func (s *Server) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	s.m.Lock()
	defer s.m.Unlock()
	if _, dup := s.services[svc.name]; dup {
		return fmt.Errorf("service %v already registered", svc.name)
	}
	s.services[svc.name] = svc
	return nil
}

// Services lists the registered service names in order
func (s *Server) Services() []string {
	s.m.RLock()
	defer s.m.RUnlock()
	ret := make([]string, 0, len(s.services))
	for name := range s.services {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

// Acceptor accepts sessions whose data MIME type has a serializer and serves calls over them
func (s *Server) Acceptor() multiplex.SocketAcceptor {
	return func(setup multiplex.SetupInfo, sesh *multiplex.Session) (multiplex.Handler, error) {
		ser, err := SerializerFor(setup.DataMIME)
		if err != nil {
			return nil, &multiplex.Error{Code: frame.ErrorCodeUnsupportedSetup, Message: err.Error()}
		}
		log.Debugf("session %v serves calls encoded as %v", sesh.ID(), ser.MIME())
		return s.Handler(ser), nil
	}
}

// Handler serves calls encoded with ser. Calls sent as fire-and-forget run without a response.
func (s *Server) Handler(ser Serializer) multiplex.Handler {
	return multiplex.HandlerFuncs{
		RequestResponseFunc: func(ctx context.Context, p multiplex.Payload) (multiplex.Payload, error) {
			return s.serve(ctx, ser, p)
		},
		FireAndForgetFunc: func(ctx context.Context, p multiplex.Payload) {
			if _, err := s.serve(ctx, ser, p); err != nil {
				log.Debugf("fire and forget call failed: %v", err)
			}
		},
	}
}

func (s *Server) lookup(name, method string) (*service, *methodType) {
	s.m.RLock()
	defer s.m.RUnlock()
	svc, ok := s.services[name]
	if !ok {
		return nil, nil
	}
	return svc, svc.methods[method]
}

func respond(id uint64, status Status, msg string, data []byte) multiplex.Payload {
	md := responseHeader{ID: id, Status: status, Message: msg}.encode()
	return multiplex.NewPayload(data).WithMetadata(md)
}

func (s *Server) serve(ctx context.Context, ser Serializer, p multiplex.Payload) (multiplex.Payload, error) {
	if s.limiter != nil && !s.limiter.Allow() {
		return multiplex.Payload{}, errRateLimited
	}
	h, err := decodeRequestHeader(p.Metadata)
	if err != nil {
		return multiplex.Payload{}, &multiplex.Error{Code: frame.ErrorCodeInvalid, Message: fmt.Sprintf("malformed call: %v", err)}
	}
	svc, mt := s.lookup(h.Service, h.Method)
	if mt == nil {
		log.Debugf("call %v for unknown method %v.%v", h.ID, h.Service, h.Method)
		return respond(h.ID, StatusNotFound, fmt.Sprintf("no method %v.%v", h.Service, h.Method), nil), nil
	}

	argv := reflect.New(mt.argType)
	if err := ser.Unmarshal(p.Data, argv.Interface()); err != nil {
		return respond(h.ID, StatusBadRequest, (&SerializationError{Op: "deserialize arguments", Err: err}).Error(), nil), nil
	}
	replyv := reflect.New(mt.replyType)
	if err := svc.call(ctx, mt, argv, replyv); err != nil {
		log.Tracef("call %v to %v.%v failed: %v", h.ID, h.Service, h.Method, err)
		return respond(h.ID, StatusError, err.Error(), nil), nil
	}
	data, err := ser.Marshal(replyv.Interface())
	if err != nil {
		return respond(h.ID, StatusError, (&SerializationError{Op: "serialize reply", Err: err}).Error(), nil), nil
	}
	return respond(h.ID, StatusOK, "", data), nil
}

// Advertise replaces the address Announce registers, such as once a listener has picked its port
func (s *Server) Advertise(addr string) {
	s.m.Lock()
	s.cfg.AdvertiseAddr = addr
	s.m.Unlock()
}

func (s *Server) advertised() string {
	s.m.RLock()
	defer s.m.RUnlock()
	return s.cfg.AdvertiseAddr
}

// Announce registers every service at the advertised address
func (s *Server) Announce(ctx context.Context) error {
	if s.cfg.Registry == nil {
		return nil
	}
	addr := s.advertised()
	for _, name := range s.Services() {
		inst := registry.Instance{Service: name, Addr: addr}
		if err := s.cfg.Registry.Register(ctx, inst); err != nil {
			return fmt.Errorf("registering %v: %w", name, err)
		}
	}
	return nil
}

// Withdraw removes the registrations made by Announce
func (s *Server) Withdraw(ctx context.Context) error {
	if s.cfg.Registry == nil {
		return nil
	}
	addr := s.advertised()
	var firstErr error
	for _, name := range s.Services() {
		if err := s.cfg.Registry.Unregister(ctx, name, addr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
