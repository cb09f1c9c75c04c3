package multiplex

import (
	"errors"
	"fmt"

	"github.com/cbeuw/remoting/internal/frame"
)

// Error is a protocol error, either received in an ERROR frame or raised locally with the code
// that would be sent in one
type Error struct {
	Code    frame.ErrorCode
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%v: %v", e.Code, e.Message)
}

// Is matches any *Error with the same code, so errors.Is(err, ErrRejected) holds for every
// rejection regardless of its message
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Message == "" || t.Message == e.Message)
}

var (
	ErrInvalidSetup     = &Error{Code: frame.ErrorCodeInvalidSetup}
	ErrUnsupportedSetup = &Error{Code: frame.ErrorCodeUnsupportedSetup}
	ErrRejectedSetup    = &Error{Code: frame.ErrorCodeRejectedSetup}
	ErrRejectedResume   = &Error{Code: frame.ErrorCodeRejectedResume}
	ErrConnection       = &Error{Code: frame.ErrorCodeConnectionError}
	ErrConnectionClose  = &Error{Code: frame.ErrorCodeConnectionClose}
	ErrApplication      = &Error{Code: frame.ErrorCodeApplicationError}
	ErrRejected         = &Error{Code: frame.ErrorCodeRejected}
	ErrCanceled         = &Error{Code: frame.ErrorCodeCanceled}
	ErrInvalid          = &Error{Code: frame.ErrorCodeInvalid}
)

var (
	ErrSessionClosed = &Error{Code: frame.ErrorCodeConnectionClose, Message: "session closed"}
	ErrNoStreamID    = &Error{Code: frame.ErrorCodeConnectionError, Message: "no free stream id"}
)

func newError(code frame.ErrorCode, format string, a ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, a...)}
}

func errorFromFrame(f *frame.Frame) *Error {
	return &Error{Code: f.ErrorCode, Message: string(f.Data)}
}

// errorFrame converts err into the ERROR frame sent to the peer. Errors that are not protocol
// errors are reported as APPLICATION_ERROR.
func errorFrame(streamID uint32, err error) *frame.Frame {
	var perr *Error
	if errors.As(err, &perr) {
		return frame.NewError(streamID, perr.Code, perr.Message)
	}
	return frame.NewError(streamID, frame.ErrorCodeApplicationError, err.Error())
}
