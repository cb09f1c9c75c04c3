package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbeuw/remoting/internal/frame"
	"github.com/gorilla/websocket"

	log "github.com/sirupsen/logrus"
)

var ErrConnClosed = errors.New("connection closed")

// how long Close waits for queued frames to be written before tearing the transport down
const closeFlushTimeout = time.Second

// DuplexConn is a bidirectional frame connection
type DuplexConn interface {
	// SendFrame queues f for writing. Frames on stream 0 are written ahead of stream frames.
	SendFrame(f *frame.Frame) error
	// SendEncoded queues an already encoded frame, such as one being replayed after resumption
	SendEncoded(data []byte, control bool) error
	// Receive blocks until the next frame arrives. Once the connection is closed it keeps
	// returning the error that closed it.
	Receive() (*frame.Frame, error)
	Close() error
	// Done is closed once the connection has been torn down
	Done() <-chan struct{}
	Err() error
	RemoteAddr() net.Addr
}

// Conn is the DuplexConn over a framed raw transport. It owns one writer goroutine that drains
// the outbox, so any number of goroutines may call SendFrame concurrently. Receive must only be
// called from one goroutine.
type Conn struct {
	framer framer
	valve  Valve
	outbox *outbox

	writerDone chan struct{}

	closing int32
	die     chan struct{}

	errM sync.Mutex
	err  error
}

// NewStreamConn frames conn with a 3-byte length prefix per frame
func NewStreamConn(conn net.Conn, valve Valve) *Conn {
	return newConn(newStreamFramer(conn), valve)
}

// NewWebSocketConn sends one frame per binary websocket message
func NewWebSocketConn(ws *websocket.Conn, valve Valve) *Conn {
	return newConn(newWebSocketFramer(ws), valve)
}

func newConn(fr framer, valve Valve) *Conn {
	if valve == nil {
		valve = &UnlimitedValve{}
	}
	c := &Conn{
		framer:     fr,
		valve:      valve,
		outbox:     newOutbox(),
		writerDone: make(chan struct{}),
		die:        make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Conn) SendFrame(f *frame.Frame) error {
	if atomic.LoadInt32(&c.closing) == 1 {
		return c.closedErr()
	}
	data, err := frame.Encode(f)
	if err != nil {
		return err
	}
	err = c.outbox.push(f.StreamID == 0, data)
	if err != nil {
		return c.closedErr()
	}
	log.Tracef("queued %v to %v", f, c.RemoteAddr())
	return nil
}

func (c *Conn) SendEncoded(data []byte, control bool) error {
	if len(data) > frame.MaxFrameLength {
		return frame.ErrFrameTooLarge
	}
	if err := c.outbox.push(control, data); err != nil {
		return c.closedErr()
	}
	return nil
}

func (c *Conn) Receive() (*frame.Frame, error) {
	data, err := c.framer.ReadFrame()
	if err != nil {
		c.shutdown(err, false)
		return nil, c.closedErr()
	}
	c.valve.rxWait(len(data))
	c.valve.AddRx(int64(len(data)))
	f, err := frame.Decode(data)
	if err != nil {
		return nil, err
	}
	log.Tracef("received %v from %v", f, c.RemoteAddr())
	return f, nil
}

func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		data, ok := c.outbox.pop()
		if !ok {
			return
		}
		c.valve.txWait(len(data))
		err := c.framer.WriteFrame(data)
		if err != nil {
			log.Debugf("failed to write to %v: %v", c.RemoteAddr(), err)
			c.setErr(err)
			c.outbox.abort()
			_ = c.framer.Close()
			go c.shutdown(err, false)
			return
		}
		c.valve.AddTx(int64(len(data)))
	}
}

// Close flushes queued frames, waiting at most closeFlushTimeout, then closes the transport
func (c *Conn) Close() error {
	if !c.shutdown(ErrConnClosed, true) {
		return ErrConnClosed
	}
	return nil
}

func (c *Conn) shutdown(cause error, flush bool) bool {
	if !atomic.CompareAndSwapInt32(&c.closing, 0, 1) {
		return false
	}
	c.setErr(cause)
	if flush {
		c.outbox.close()
		select {
		case <-c.writerDone:
		case <-time.After(closeFlushTimeout):
			log.Debugf("gave up flushing %v frames to %v", c.outbox.len(), c.RemoteAddr())
			c.outbox.abort()
		}
	} else {
		c.outbox.abort()
	}
	_ = c.framer.Close()
	close(c.die)
	return true
}

func (c *Conn) setErr(err error) {
	c.errM.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errM.Unlock()
}

// Err returns the reason the connection was closed, or nil if it is still open
func (c *Conn) Err() error {
	c.errM.Lock()
	defer c.errM.Unlock()
	return c.err
}

func (c *Conn) closedErr() error {
	if err := c.Err(); err != nil {
		if err == ErrConnClosed {
			return err
		}
		return fmt.Errorf("%w: %v", ErrConnClosed, err)
	}
	return ErrConnClosed
}

func (c *Conn) Done() <-chan struct{} { return c.die }
func (c *Conn) RemoteAddr() net.Addr  { return c.framer.RemoteAddr() }
func (c *Conn) LocalAddr() net.Addr   { return c.framer.LocalAddr() }
func (c *Conn) Valve() Valve          { return c.valve }
