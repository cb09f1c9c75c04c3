package frame

import (
	"errors"
	"fmt"
)

// ErrorCode is the 32-bit code carried by an ERROR frame
type ErrorCode uint32

const (
	ErrorCodeInvalidSetup     ErrorCode = 0x00000001
	ErrorCodeUnsupportedSetup ErrorCode = 0x00000002
	ErrorCodeRejectedSetup    ErrorCode = 0x00000003
	ErrorCodeRejectedResume   ErrorCode = 0x00000004
	ErrorCodeConnectionError  ErrorCode = 0x00000101
	ErrorCodeConnectionClose  ErrorCode = 0x00000102
	ErrorCodeApplicationError ErrorCode = 0x00000201
	ErrorCodeRejected         ErrorCode = 0x00000202
	ErrorCodeCanceled         ErrorCode = 0x00000203
	ErrorCodeInvalid          ErrorCode = 0x00000204
)

var errorCodeNames = map[ErrorCode]string{
	ErrorCodeInvalidSetup:     "INVALID_SETUP",
	ErrorCodeUnsupportedSetup: "UNSUPPORTED_SETUP",
	ErrorCodeRejectedSetup:    "REJECTED_SETUP",
	ErrorCodeRejectedResume:   "REJECTED_RESUME",
	ErrorCodeConnectionError:  "CONNECTION_ERROR",
	ErrorCodeConnectionClose:  "CONNECTION_CLOSE",
	ErrorCodeApplicationError: "APPLICATION_ERROR",
	ErrorCodeRejected:         "REJECTED",
	ErrorCodeCanceled:         "CANCELED",
	ErrorCodeInvalid:          "INVALID",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ERROR_CODE(0x%08x)", uint32(c))
}

// ConnectionFatal reports whether an ERROR with this code tears down the whole connection
func (c ErrorCode) ConnectionFatal() bool {
	switch c {
	case ErrorCodeInvalidSetup, ErrorCodeUnsupportedSetup, ErrorCodeRejectedSetup,
		ErrorCodeRejectedResume, ErrorCodeConnectionError, ErrorCodeConnectionClose:
		return true
	}
	return false
}

var ErrFrameTooLarge = errors.New("frame exceeds maximum frame length")

// ProtocolParsingError is returned by Decode for malformed, truncated or unknown frames.
// It is always connection-fatal.
type ProtocolParsingError struct {
	Reason string
}

func (e *ProtocolParsingError) Error() string {
	return "protocol parsing error: " + e.Reason
}

func parseErr(format string, a ...interface{}) error {
	return &ProtocolParsingError{Reason: fmt.Sprintf(format, a...)}
}

// IsProtocolParsingError reports whether err is or wraps a *ProtocolParsingError
func IsProtocolParsingError(err error) bool {
	var perr *ProtocolParsingError
	return errors.As(err, &perr)
}
