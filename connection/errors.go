package connection

import (
	"fmt"

	"github.com/flare152/flare/wire"
)

// ClosedError is returned once a connection has left the Connected state.
type ClosedError struct{}

func (*ClosedError) Error() string { return "connection closed" }

func (*ClosedError) Code() wire.ResultCode { return wire.CodeConnectionClosed }

// ErrConnectionClosed is the shared instance adapters return on EOF or use
// after Close.
var ErrConnectionClosed = &ClosedError{}

// DialError wraps a failure to establish or hand-shake a transport.
type DialError struct {
	cause error
}

func NewDialError(cause error) DialError {
	return DialError{cause: cause}
}

func (e DialError) Error() string { return e.cause.Error() }

func (e DialError) Unwrap() error { return e.cause }

func (DialError) Code() wire.ResultCode { return wire.CodeConnectionError }

// TransportError wraps an I/O failure on an established connection.
type TransportError struct {
	cause error
}

func newTransportError(cause error) *TransportError {
	return &TransportError{cause: cause}
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport failure: %v", e.cause) }

func (e *TransportError) Unwrap() error { return e.cause }

func (*TransportError) Code() wire.ResultCode { return wire.CodeConnectionError }

// InvalidMessageTypeError reports a frame the adapter does not understand.
type InvalidMessageTypeError struct {
	Frame string
}

func (e *InvalidMessageTypeError) Error() string {
	return fmt.Sprintf("unsupported frame type %q", e.Frame)
}

func (*InvalidMessageTypeError) Code() wire.ResultCode { return wire.CodeInvalidMessageType }

// ProtocolViolationError reports a peer that broke the connection protocol,
// for example a bad QUIC preamble or an oversized frame.
type ProtocolViolationError struct {
	Reason string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("protocol violation: %s", e.Reason)
}

func (*ProtocolViolationError) Code() wire.ResultCode { return wire.CodeProtocolError }

// NotFoundError reports a push or reply aimed at a connection id that is not
// in the server's table.
type NotFoundError struct {
	ConnID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("connection %s not found", e.ConnID)
}

func (*NotFoundError) Code() wire.ResultCode { return wire.CodeConnectionNotFound }
