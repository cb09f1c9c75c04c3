package rpc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Status is the outcome of a call as reported by the server
type Status uint8

const (
	StatusOK Status = iota
	StatusError
	StatusNotFound
	StatusBadRequest
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusBadRequest:
		return "BAD_REQUEST"
	}
	return fmt.Sprintf("STATUS(%d)", uint8(s))
}

var errShortEnvelope = errors.New("envelope too short")

// requestHeader travels as request metadata:
// [8B request id][2B len][service][2B len][method]
type requestHeader struct {
	ID      uint64
	Service string
	Method  string
}

// responseHeader travels as response metadata:
// [8B request id][1B status][2B len][message]
type responseHeader struct {
	ID      uint64
	Status  Status
	Message string
}

func putString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, errShortEnvelope
	}
	n := int(binary.BigEndian.Uint16(buf))
	buf = buf[2:]
	if len(buf) < n {
		return "", nil, errShortEnvelope
	}
	return string(buf[:n]), buf[n:], nil
}

func (h requestHeader) encode() ([]byte, error) {
	if len(h.Service) > 0xFFFF || len(h.Method) > 0xFFFF {
		return nil, errors.New("service or method name too long")
	}
	buf := make([]byte, 0, 8+2+len(h.Service)+2+len(h.Method))
	buf = binary.BigEndian.AppendUint64(buf, h.ID)
	buf = putString(buf, h.Service)
	buf = putString(buf, h.Method)
	return buf, nil
}

func decodeRequestHeader(buf []byte) (h requestHeader, err error) {
	if len(buf) < 8 {
		return h, errShortEnvelope
	}
	h.ID = binary.BigEndian.Uint64(buf)
	if h.Service, buf, err = readString(buf[8:]); err != nil {
		return h, err
	}
	if h.Method, _, err = readString(buf); err != nil {
		return h, err
	}
	return h, nil
}

func (h responseHeader) encode() []byte {
	msg := h.Message
	if len(msg) > 0xFFFF {
		msg = msg[:0xFFFF]
	}
	buf := make([]byte, 0, 8+1+2+len(msg))
	buf = binary.BigEndian.AppendUint64(buf, h.ID)
	buf = append(buf, byte(h.Status))
	return putString(buf, msg)
}

func decodeResponseHeader(buf []byte) (h responseHeader, err error) {
	if len(buf) < 9 {
		return h, errShortEnvelope
	}
	h.ID = binary.BigEndian.Uint64(buf)
	h.Status = Status(buf[8])
	if h.Message, _, err = readString(buf[9:]); err != nil {
		return h, err
	}
	return h, nil
}

// RemoteError is a call the server answered with a status other than OK
type RemoteError struct {
	Service string
	Method  string
	Status  Status
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%v.%v: %v: %v", e.Service, e.Method, e.Status, e.Message)
}
