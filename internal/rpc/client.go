package rpc

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbeuw/remoting/internal/multiplex"
	"github.com/cbeuw/remoting/internal/pool"
	"github.com/cbeuw/remoting/internal/registry"
	"github.com/cbeuw/remoting/internal/transport"

	log "github.com/sirupsen/logrus"
)

const (
	defaultBorrowTimeout = 3 * time.Second
	defaultPoolSize      = 4
)

// SessionDialer establishes a session with the server at addr
type SessionDialer func(ctx context.Context, addr string) (*multiplex.Session, error)

type ClientConfig struct {
	Discovery  registry.DiscoveryClient
	Serializer Serializer

	// Dial defaults to a TCP session declaring the serializer's MIME type
	Dial SessionDialer

	// sessions pooled per server address
	PoolSize      int
	MinIdle       int
	BorrowTimeout time.Duration
	// ValidateInterval is how often idle sessions are checked for termination. Zero disables it.
	ValidateInterval time.Duration
}

// Client calls services on servers found through discovery. Sessions are pooled per server and
// every call is correlated with its response by a request id scoped to the session.
type Client struct {
	cfg    ClientConfig
	picker registry.RoundRobin
	conns  *pool.Group[*clientConn]
}

// clientConn is a pooled session and the calls awaiting responses on it
type clientConn struct {
	addr string
	sesh *multiplex.Session

	nextID uint64

	m       sync.Mutex
	pending map[uint64]*RequestPromise
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Serializer == nil {
		cfg.Serializer = JSONSerializer{}
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.BorrowTimeout <= 0 {
		cfg.BorrowTimeout = defaultBorrowTimeout
	}
	if cfg.Dial == nil {
		cfg.Dial = TCPSessionDialer(multiplex.ClientConfig{}, cfg.Serializer)
	}
	c := &Client{cfg: cfg}
	c.conns = pool.NewGroup(pool.Config[*clientConn]{
		Validate:         func(cc *clientConn) bool { return !cc.sesh.IsClosed() },
		Destroy:          func(cc *clientConn) { _ = cc.sesh.Close() },
		MinIdle:          cfg.MinIdle,
		MaxTotal:         cfg.PoolSize,
		BorrowTimeout:    cfg.BorrowTimeout,
		ValidateInterval: cfg.ValidateInterval,
	}, c.dial)
	return c
}

// TCPSessionDialer dials sessions over TCP that declare ser's MIME type and the call envelope
func TCPSessionDialer(base multiplex.ClientConfig, ser Serializer) SessionDialer {
	return sessionDialer(base, ser, func(addr string) transport.Dialer {
		return transport.TCPDialer(addr, nil)
	})
}

// WebSocketSessionDialer dials sessions over a WebSocket at path on each address, using wss if secure
func WebSocketSessionDialer(base multiplex.ClientConfig, ser Serializer, path string, secure bool) SessionDialer {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return sessionDialer(base, ser, func(addr string) transport.Dialer {
		u := url.URL{Scheme: scheme, Host: addr, Path: path}
		return transport.WebSocketDialer(u.String(), nil)
	})
}

func sessionDialer(base multiplex.ClientConfig, ser Serializer, dialerFor func(addr string) transport.Dialer) SessionDialer {
	return func(ctx context.Context, addr string) (*multiplex.Session, error) {
		cfg := base
		cfg.DataMIME = ser.MIME()
		cfg.MetadataMIME = MIMEEnvelope
		cfg.Dialer = dialerFor(addr)
		return multiplex.Dial(ctx, cfg)
	}
}

func (c *Client) dial(ctx context.Context, addr string) (*clientConn, error) {
	sesh, err := c.cfg.Dial(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %v: %w", addr, err)
	}
	cc := &clientConn{
		addr:    addr,
		sesh:    sesh,
		pending: make(map[uint64]*RequestPromise),
	}
	go func() {
		<-sesh.Done()
		cc.failAll(sesh.TerminalErr())
	}()
	log.Debugf("opened session %v to %v", sesh.ID(), addr)
	return cc, nil
}

func (cc *clientConn) register(rp *RequestPromise) {
	cc.m.Lock()
	cc.pending[rp.id] = rp
	cc.m.Unlock()
}

// take removes and returns the promise waiting for id
func (cc *clientConn) take(id uint64) (*RequestPromise, bool) {
	cc.m.Lock()
	defer cc.m.Unlock()
	rp, ok := cc.pending[id]
	if ok {
		delete(cc.pending, id)
	}
	return rp, ok
}

// failAll completes every pending call of a terminated session with err
func (cc *clientConn) failAll(err error) {
	if err == nil {
		err = multiplex.ErrSessionClosed
	}
	cc.m.Lock()
	pending := cc.pending
	cc.pending = make(map[uint64]*RequestPromise)
	cc.m.Unlock()
	for _, rp := range pending {
		rp.complete(multiplex.Payload{}, err)
	}
	if len(pending) > 0 {
		log.Debugf("failed %v pending calls to %v: %v", len(pending), cc.addr, err)
	}
}

// resolve completes the promise registered as id with the response that ended its stream.
// A response that cannot be matched to id still completes it, with a SerializationError.
func (cc *clientConn) resolve(id uint64, p multiplex.Payload) {
	rp, ok := cc.take(id)
	if !ok {
		log.Debugf("response from %v for request %v which is no longer pending", cc.addr, id)
		return
	}
	h, err := decodeResponseHeader(p.Metadata)
	if err == nil && h.ID != id {
		err = fmt.Errorf("response header names request %v", h.ID)
	}
	if err != nil {
		log.Warnf("malformed response from %v to request %v: %v", cc.addr, id, err)
		rp.complete(multiplex.Payload{}, &SerializationError{Op: "decode response envelope", Err: err})
		return
	}
	if h.Status != StatusOK {
		rp.complete(p, &RemoteError{Service: rp.service, Method: rp.method, Status: h.Status, Message: h.Message})
		return
	}
	rp.complete(p, nil)
}

// Go starts a call and returns its promise. args is serialized before anything is sent, so a
// SerializationError is returned without a promise.
func (c *Client) Go(ctx context.Context, service, method string, args any) (*RequestPromise, error) {
	insts, err := c.cfg.Discovery.Instances(ctx, service)
	if err != nil {
		return nil, err
	}
	inst, err := c.picker.Pick(insts)
	if err != nil {
		return nil, &registry.ServiceNotFoundError{Service: service}
	}
	data, err := c.cfg.Serializer.Marshal(args)
	if err != nil {
		return nil, &SerializationError{Op: "serialize arguments", Err: err}
	}

	cc, err := c.conns.Borrow(ctx, inst.Addr)
	if err != nil {
		return nil, err
	}
	rp, err := c.send(ctx, cc, service, method, data)
	if err != nil {
		if cc.sesh.IsClosed() {
			c.conns.Invalidate(inst.Addr, cc)
		} else {
			c.conns.Return(inst.Addr, cc)
		}
		return nil, err
	}
	c.conns.Return(inst.Addr, cc)
	return rp, nil
}

func (c *Client) send(ctx context.Context, cc *clientConn, service, method string, data []byte) (*RequestPromise, error) {
	id := atomic.AddUint64(&cc.nextID, 1)
	md, err := requestHeader{ID: id, Service: service, Method: method}.encode()
	if err != nil {
		return nil, err
	}
	rp := newPromise(id, service, method)
	cc.register(rp)
	cancel, err := cc.sesh.RequestResponseAsync(ctx, multiplex.NewPayload(data).WithMetadata(md), func(p multiplex.Payload, err error) {
		if err != nil {
			if rp, ok := cc.take(id); ok {
				rp.complete(multiplex.Payload{}, err)
			}
			return
		}
		cc.resolve(id, p)
	})
	if err != nil {
		cc.take(id)
		return nil, err
	}
	rp.setCancel(cancel)
	return rp, nil
}

// Call invokes service.method with args and decodes the result into reply
func (c *Client) Call(ctx context.Context, service, method string, args, reply any) error {
	rp, err := c.Go(ctx, service, method, args)
	if err != nil {
		return err
	}
	p, err := rp.Wait(ctx)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	if err := c.cfg.Serializer.Unmarshal(p.Data, reply); err != nil {
		return &SerializationError{Op: "deserialize reply", Err: err}
	}
	return nil
}

func (c *Client) Close() error {
	return c.conns.Close()
}
