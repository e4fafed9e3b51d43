package handler

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/flare152/flare/wire"
)

// Error is a handler failure carrying the result code reported to the peer.
type Error struct {
	code    wire.ResultCode
	message string
}

func NewError(code wire.ResultCode, message string) *Error {
	return &Error{code: code, message: message}
}

func Errorf(code wire.ResultCode, format string, args ...interface{}) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string { return e.message }

func (e *Error) Code() wire.ResultCode { return e.code }

// resultCoder is satisfied by every error in the protocol taxonomy,
// including the connection and wire decode errors.
type resultCoder interface {
	Code() wire.ResultCode
}

// ResponseFromError maps err onto the Response sent back to the peer. Errors
// outside the protocol taxonomy report an internal error code.
func ResponseFromError(err error) *wire.Response {
	var coder resultCoder
	if errors.As(err, &coder) {
		return wire.NewResponse(coder.Code(), err.Error(), nil)
	}
	return wire.NewResponse(wire.CodeInternalError, err.Error(), nil)
}
