// Package connection provides the transport adapters a fabric session runs
// over. Both adapters speak the external wire schema: WebSocket carries one
// encoded Message per binary frame, QUIC carries length-prefixed frames on a
// single bidirectional stream.
package connection

import (
	"sync/atomic"
	"time"

	"github.com/flare152/flare/wire"
)

// State is the lifecycle state of a transport connection.
type State int32

const (
	// Connected means the transport is established and usable.
	Connected State = iota
	// Disconnected means the transport was closed; Send and Receive fail.
	Disconnected
	// Error means the transport failed and is no longer usable.
	Error
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "error"
	}
}

const (
	// ProtocolWebsocket labels connections running over a websocket frame stream.
	ProtocolWebsocket = "websocket"
	// ProtocolQUIC labels connections running over a QUIC bidirectional stream.
	ProtocolQUIC = "quic"

	// writeWait bounds a single frame write on either transport.
	writeWait = 10 * time.Second
)

// Connection is the uniform contract the engines program against. Receive
// must be called from a single goroutine; Send may be called from many.
type Connection interface {
	// ID is unique process-wide.
	ID() string
	RemoteAddr() string
	Protocol() string
	State() State
	// Send encodes and writes one message. Fails with *ClosedError once the
	// connection left the Connected state.
	Send(msg *wire.Message) error
	// Receive blocks for the next inbound message. Unblocked by Close.
	Receive() (*wire.Message, error)
	Close() error
	// IsActive reports whether the link saw traffic within timeout and, when
	// it did, probes the link. Any probe failure reports false.
	IsActive(timeout time.Duration) bool
	LastActive() time.Time
}

// connState is the bookkeeping shared by both adapters.
type connState struct {
	id         string
	remoteAddr string
	state      atomic.Int32
	lastActive atomic.Int64
}

func newConnState(id, remoteAddr string) connState {
	cs := connState{id: id, remoteAddr: remoteAddr}
	cs.state.Store(int32(Connected))
	cs.touch()
	return cs
}

func (c *connState) ID() string         { return c.id }
func (c *connState) RemoteAddr() string { return c.remoteAddr }

func (c *connState) State() State {
	return State(c.state.Load())
}

func (c *connState) setState(s State) {
	c.state.Store(int32(s))
}

// markClosed flips to Disconnected once; reports whether this call did it.
func (c *connState) markClosed() bool {
	return c.state.CompareAndSwap(int32(Connected), int32(Disconnected))
}

func (c *connState) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

func (c *connState) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}
