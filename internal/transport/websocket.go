package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/cbeuw/remoting/internal/common"
	"github.com/gorilla/websocket"

	log "github.com/sirupsen/logrus"
)

var ErrListenerClosed = errors.New("listener closed")

func newWebSocketFramer(ws *websocket.Conn) framer {
	return common.NewWebSocketConn(ws)
}

// DialWebSocket opens a connection to a ws:// or wss:// url
func DialWebSocket(ctx context.Context, url string, valve Valve) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketConn(ws, valve), nil
}

// WebSocketDialer returns a Dialer for url
func WebSocketDialer(url string, valve Valve) Dialer {
	return func(ctx context.Context) (*Conn, error) {
		return DialWebSocket(ctx, url, valve)
	}
}

// WebSocketListener is an http.Handler that upgrades requests and hands the resulting
// connections to Accept. Mount it on any router.
type WebSocketListener struct {
	upgrader websocket.Upgrader
	valve    Valve
	addr     net.Addr

	acceptCh  chan *Conn
	closeOnce sync.Once
	die       chan struct{}
}

func NewWebSocketListener(addr net.Addr, valve Valve) *WebSocketListener {
	return &WebSocketListener{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		valve:    valve,
		addr:     addr,
		acceptCh: make(chan *Conn, 64),
		die:      make(chan struct{}),
	}
}

func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.die:
		http.Error(w, ErrListenerClosed.Error(), http.StatusServiceUnavailable)
		return
	default:
	}
	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("failed to upgrade websocket from %v: %v", r.RemoteAddr, err)
		return
	}
	conn := NewWebSocketConn(ws, l.valve)
	select {
	case l.acceptCh <- conn:
	case <-l.die:
		_ = conn.Close()
	}
}

func (l *WebSocketListener) Accept() (*Conn, error) {
	select {
	case conn := <-l.acceptCh:
		return conn, nil
	case <-l.die:
		return nil, ErrListenerClosed
	}
}

func (l *WebSocketListener) Close() error {
	l.closeOnce.Do(func() { close(l.die) })
	return nil
}

func (l *WebSocketListener) Addr() net.Addr { return l.addr }
