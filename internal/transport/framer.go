package transport

import (
	"bufio"
	"fmt"
	"io"
	"net"

	"github.com/cbeuw/remoting/internal/common"
	"github.com/cbeuw/remoting/internal/frame"
)

const frameLengthSize = 3

// framer delimits encoded frames on a raw transport
type framer interface {
	// ReadFrame returns the next encoded frame. The slice is only valid until the next call.
	ReadFrame() ([]byte, error)
	WriteFrame([]byte) error
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// streamFramer prefixes every frame with a 3 byte big-endian length, for byte streams such as TCP
type streamFramer struct {
	net.Conn
	r   *bufio.Reader
	buf []byte
}

func newStreamFramer(conn net.Conn) *streamFramer {
	return &streamFramer{
		Conn: conn,
		r:    bufio.NewReaderSize(conn, 32*1024),
	}
}

func (s *streamFramer) ReadFrame() ([]byte, error) {
	var lenBuf [frameLengthSize]byte
	if _, err := io.ReadFull(s.r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(lenBuf[0])<<16 | int(lenBuf[1])<<8 | int(lenBuf[2])
	if cap(s.buf) < n {
		s.buf = make([]byte, n)
	}
	s.buf = s.buf[:n]
	if _, err := io.ReadFull(s.r, s.buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return s.buf, nil
}

func (s *streamFramer) WriteFrame(data []byte) error {
	if len(data) > frame.MaxFrameLength {
		return fmt.Errorf("writing %d bytes: %w", len(data), frame.ErrFrameTooLarge)
	}
	n := len(data)
	prefix := []byte{byte(n >> 16), byte(n >> 8), byte(n)}
	bufs := net.Buffers{prefix, data}
	_, err := bufs.WriteTo(s.Conn)
	return err
}

var _ framer = (*common.WebSocketConn)(nil)
