// Package config reads the TOML files of the server and client binaries
package config

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cbeuw/remoting/internal/lease"
	"github.com/cbeuw/remoting/internal/multiplex"
	"github.com/cbeuw/remoting/internal/registry"
	"github.com/cbeuw/remoting/internal/resume"
	"github.com/cbeuw/remoting/internal/rpc"
	"golang.org/x/time/rate"

	log "github.com/sirupsen/logrus"
)

// Duration is a time.Duration written as a string such as "30s" or "1m30s"
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

type rawSession struct {
	KeepaliveInterval  Duration `toml:"keepalive_interval"`
	KeepaliveTimeout   Duration `toml:"keepalive_timeout"`
	FragmentSize       int      `toml:"fragment_size"`
	MaxStreamID        uint32   `toml:"max_stream_id"`
	Resume             bool     `toml:"resume"`
	SessionDuration    Duration `toml:"session_duration"`
	ResumeBufferSize   int      `toml:"resume_buffer_size"`
	Lease              bool     `toml:"lease"`
	LeaseTTL           Duration `toml:"lease_ttl"`
	LeaseAllowed       uint32   `toml:"lease_allowed"`
	LeaseRate          float64  `toml:"lease_rate"`
	LeaseBurst         int      `toml:"lease_burst"`
	MaxPendingRequests int      `toml:"max_pending_requests"`
	// base64 key shared by client and server for MAC'd resume tokens
	ResumeKey string `toml:"resume_key"`
}

type rawRegistry struct {
	EtcdEndpoints []string            `toml:"etcd_endpoints"`
	TTL           Duration            `toml:"ttl"`
	Static        map[string][]string `toml:"static"`
}

type rawServerConfig struct {
	TCPAddr       string      `toml:"tcp_addr"`
	HTTPAddr      string      `toml:"http_addr"`
	WebSocketPath string      `toml:"websocket_path"`
	AdminAPI      bool        `toml:"admin_api"`
	AdvertiseAddr string      `toml:"advertise_addr"`
	SetupTimeout  Duration    `toml:"setup_timeout"`
	SweepInterval Duration    `toml:"sweep_interval"`
	ResumeStore   string      `toml:"resume_store"`
	RateLimit     float64     `toml:"rate_limit"`
	RateBurst     int         `toml:"rate_burst"`
	RxRate        int64       `toml:"rx_rate"`
	TxRate        int64       `toml:"tx_rate"`
	Session       rawSession  `toml:"session"`
	Registry      rawRegistry `toml:"registry"`
}

type rawClientConfig struct {
	Transport     string      `toml:"transport"`
	Addr          string      `toml:"addr"`
	WebSocketPath string      `toml:"websocket_path"`
	Serializer    string      `toml:"serializer"`
	PoolSize      int         `toml:"pool_size"`
	BorrowTimeout Duration    `toml:"borrow_timeout"`
	BackoffStart  Duration    `toml:"backoff_initial"`
	BackoffMax    Duration    `toml:"backoff_max"`
	Session       rawSession  `toml:"session"`
	Registry      rawRegistry `toml:"registry"`
}

const (
	defaultWebSocketPath = "/ws"
	defaultSweepInterval = 10 * time.Second
	defaultLeaseTTL      = 5 * time.Second
	defaultRegistryTTL   = 10 * time.Second
)

// Registry selects where services are registered and discovered. Static entries map a service
// to the addresses serving it and are used when no etcd endpoint is configured.
type Registry struct {
	EtcdEndpoints []string
	TTL           time.Duration
	Static        map[string][]string
}

// Open connects to etcd when endpoints are configured. Otherwise it returns an in-process
// registry holding the static entries.
func (r Registry) Open() (registry.Backend, error) {
	if len(r.EtcdEndpoints) > 0 {
		etcd, err := registry.NewEtcdRegistry(r.EtcdEndpoints, r.TTL)
		if err != nil {
			return nil, err
		}
		return etcd, nil
	}
	mem := registry.NewMemoryRegistry()
	for service, addrs := range r.Static {
		for _, addr := range addrs {
			_ = mem.Register(context.Background(), registry.Instance{Service: service, Addr: addr})
		}
	}
	return mem, nil
}

type Server struct {
	TCPAddr       string
	HTTPAddr      string
	WebSocketPath string
	// AdminAPI mounts the session administration endpoints on the HTTP listener
	AdminAPI      bool
	AdvertiseAddr string
	SweepInterval time.Duration
	// ResumeStore is the path of the bolt database retaining resume buffers. Empty keeps them in memory.
	ResumeStore string
	RxRate      int64
	TxRate      int64

	Multiplex multiplex.ServerConfig
	RPC       rpc.ServerConfig
	Registry  Registry
}

type Client struct {
	// Transport is tcp, ws or wss. WebSocket sessions are opened at WebSocketPath of each address.
	Transport     string
	WebSocketPath string
	// Addr serves every service when no registry is configured
	Addr string

	Serializer    rpc.Serializer
	PoolSize      int
	BorrowTimeout time.Duration

	Multiplex multiplex.ClientConfig
	Registry  Registry
}

// SessionDialer opens sessions over the configured transport
func (c *Client) SessionDialer() rpc.SessionDialer {
	switch c.Transport {
	case "ws", "wss":
		return rpc.WebSocketSessionDialer(c.Multiplex, c.Serializer, c.WebSocketPath, c.Transport == "wss")
	default:
		return rpc.TCPSessionDialer(c.Multiplex, c.Serializer)
	}
}

// Discovery finds services in backend, falling back to Addr for any it does not know
func (c *Client) Discovery(backend registry.DiscoveryClient) registry.DiscoveryClient {
	if c.Addr == "" {
		return backend
	}
	return registry.Fallback{Primary: backend, Addr: c.Addr}
}

func decode(data string, v any) error {
	meta, err := toml.Decode(data, v)
	if err != nil {
		return err
	}
	for _, key := range meta.Undecoded() {
		log.Warnf("ignoring unknown configuration key %v", key)
	}
	return nil
}

func parseSession(raw rawSession) multiplex.SessionConfig {
	cfg := multiplex.SessionConfig{
		KeepaliveInterval:  time.Duration(raw.KeepaliveInterval),
		KeepaliveTimeout:   time.Duration(raw.KeepaliveTimeout),
		FragmentSize:       raw.FragmentSize,
		MaxStreamID:        raw.MaxStreamID,
		SessionDuration:    time.Duration(raw.SessionDuration),
		ResumeBufferSize:   raw.ResumeBufferSize,
		MaxPendingRequests: raw.MaxPendingRequests,
	}
	ttl := time.Duration(raw.LeaseTTL)
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	switch {
	case raw.LeaseRate > 0:
		burst := raw.LeaseBurst
		if burst <= 0 {
			burst = int(raw.LeaseRate) + 1
		}
		cfg.LeaseSender = lease.NewRateSender(ttl, rate.Limit(raw.LeaseRate), burst)
	case raw.LeaseAllowed > 0:
		cfg.LeaseSender = lease.FixedSender{TTL: ttl, Allowed: raw.LeaseAllowed}
	}
	return cfg
}

func parseResumeKey(raw rawSession) (*resume.TokenIssuer, error) {
	if raw.ResumeKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(raw.ResumeKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse resume_key: %w", err)
	}
	return resume.NewTokenIssuer(key)
}

func parseRegistry(raw rawRegistry) (Registry, error) {
	reg := Registry{
		EtcdEndpoints: raw.EtcdEndpoints,
		TTL:           time.Duration(raw.TTL),
		Static:        raw.Static,
	}
	if reg.TTL <= 0 {
		reg.TTL = defaultRegistryTTL
	}
	for service, addrs := range reg.Static {
		for _, addr := range addrs {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				return reg, fmt.Errorf("static address %q of %v: %w", addr, service, err)
			}
		}
	}
	return reg, nil
}

// ParseServer reads a server configuration from TOML text
func ParseServer(data string) (*Server, error) {
	var raw rawServerConfig
	if err := decode(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse server configuration: %w", err)
	}
	if raw.TCPAddr == "" && raw.HTTPAddr == "" {
		return nil, errors.New("at least one of tcp_addr and http_addr must be set")
	}

	sta := &Server{
		TCPAddr:       raw.TCPAddr,
		HTTPAddr:      raw.HTTPAddr,
		WebSocketPath: raw.WebSocketPath,
		AdminAPI:      raw.AdminAPI,
		AdvertiseAddr: raw.AdvertiseAddr,
		SweepInterval: time.Duration(raw.SweepInterval),
		ResumeStore:   raw.ResumeStore,
		RxRate:        raw.RxRate,
		TxRate:        raw.TxRate,
	}
	if sta.WebSocketPath == "" {
		sta.WebSocketPath = defaultWebSocketPath
	}
	if !strings.HasPrefix(sta.WebSocketPath, "/") {
		sta.WebSocketPath = "/" + sta.WebSocketPath
	}
	if sta.SweepInterval <= 0 {
		sta.SweepInterval = defaultSweepInterval
	}
	if sta.AdvertiseAddr == "" {
		sta.AdvertiseAddr = raw.TCPAddr
	}
	if sta.AdvertiseAddr == "" {
		sta.AdvertiseAddr = raw.HTTPAddr
	}

	sta.Multiplex = multiplex.ServerConfig{
		SessionConfig: parseSession(raw.Session),
		Resume:        raw.Session.Resume,
		SetupTimeout:  time.Duration(raw.SetupTimeout),
	}
	issuer, err := parseResumeKey(raw.Session)
	if err != nil {
		return nil, err
	}
	sta.Multiplex.TokenIssuer = issuer
	sta.RPC = rpc.ServerConfig{
		AdvertiseAddr: sta.AdvertiseAddr,
		RateLimit:     rate.Limit(raw.RateLimit),
		Burst:         raw.RateBurst,
	}

	sta.Registry, err = parseRegistry(raw.Registry)
	if err != nil {
		return nil, err
	}
	return sta, nil
}

func LoadServer(path string) (*Server, error) {
	content, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return ParseServer(content)
}

// ParseClient reads a client configuration from TOML text
func ParseClient(data string) (*Client, error) {
	var raw rawClientConfig
	if err := decode(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse client configuration: %w", err)
	}

	sta := &Client{
		Transport:     strings.ToLower(raw.Transport),
		WebSocketPath: raw.WebSocketPath,
		Addr:          raw.Addr,
		PoolSize:      raw.PoolSize,
		BorrowTimeout: time.Duration(raw.BorrowTimeout),
	}
	switch sta.Transport {
	case "":
		sta.Transport = "tcp"
	case "tcp", "ws", "wss":
	default:
		return nil, fmt.Errorf("unknown transport %q", raw.Transport)
	}

	if sta.WebSocketPath == "" {
		sta.WebSocketPath = defaultWebSocketPath
	}

	serializer := raw.Serializer
	switch strings.ToLower(serializer) {
	case "", "json":
		serializer = rpc.MIMEJSON
	case "gob":
		serializer = rpc.MIMEGob
	}
	var err error
	sta.Serializer, err = rpc.SerializerFor(serializer)
	if err != nil {
		return nil, err
	}

	backoff := resume.DefaultBackoff
	if raw.BackoffStart > 0 {
		backoff.InitialDelay = time.Duration(raw.BackoffStart)
	}
	if raw.BackoffMax > 0 {
		backoff.MaxDelay = time.Duration(raw.BackoffMax)
	}
	sta.Multiplex = multiplex.ClientConfig{
		SessionConfig: parseSession(raw.Session),
		Lease:         raw.Session.Lease,
		Resume:        raw.Session.Resume,
		Backoff:       backoff,
	}
	sta.Multiplex.TokenIssuer, err = parseResumeKey(raw.Session)
	if err != nil {
		return nil, err
	}

	sta.Registry, err = parseRegistry(raw.Registry)
	if err != nil {
		return nil, err
	}
	return sta, nil
}

func LoadClient(path string) (*Client, error) {
	content, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return ParseClient(content)
}

func readFile(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read configuration: %w", err)
	}
	return string(content), nil
}
