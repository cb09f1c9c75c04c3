package transport

import (
	"context"
	"net"

	log "github.com/sirupsen/logrus"
)

// Listener yields framed connections
type Listener interface {
	Accept() (*Conn, error)
	Close() error
	Addr() net.Addr
}

// Dialer opens a framed connection to a fixed endpoint
type Dialer func(ctx context.Context) (*Conn, error)

// DialTCP opens a length-prefixed connection over TCP
func DialTCP(ctx context.Context, addr string, valve Valve) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewStreamConn(conn, valve), nil
}

// TCPDialer returns a Dialer for addr
func TCPDialer(addr string, valve Valve) Dialer {
	return func(ctx context.Context) (*Conn, error) {
		return DialTCP(ctx, addr, valve)
	}
}

type streamListener struct {
	net.Listener
	valve Valve
}

// ListenTCP listens for length-prefixed connections on addr
func ListenTCP(addr string, valve Valve) (Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	log.Infof("listening on tcp %v", l.Addr())
	return NewStreamListener(l, valve), nil
}

// NewStreamListener wraps any net.Listener producing byte-stream connections
func NewStreamListener(l net.Listener, valve Valve) Listener {
	return &streamListener{Listener: l, valve: valve}
}

func (l *streamListener) Accept() (*Conn, error) {
	conn, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return NewStreamConn(conn, l.valve), nil
}
