package common

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var ErrNonBinaryMessage = errors.New("received a non-binary websocket message")

// WebSocketConn carries exactly one protocol frame per binary websocket message.
// gorilla/websocket supports one concurrent writer, so writes are serialised here.
type WebSocketConn struct {
	*websocket.Conn
	writeM sync.Mutex
}

func NewWebSocketConn(c *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{Conn: c}
}

func (ws *WebSocketConn) WriteFrame(data []byte) error {
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	return ws.WriteMessage(websocket.BinaryMessage, data)
}

// ReadFrame returns the next binary message. Text messages are a protocol violation.
func (ws *WebSocketConn) ReadFrame() ([]byte, error) {
	t, data, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	if t != websocket.BinaryMessage {
		return nil, ErrNonBinaryMessage
	}
	return data, nil
}

func (ws *WebSocketConn) Close() error {
	ws.writeM.Lock()
	defer ws.writeM.Unlock()
	return ws.Conn.Close()
}
