package connection

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog"

	"github.com/flare152/flare/wire"
)

// The dialing side writes this preamble on its bidirectional stream before
// any frame; the accepting side must consume it before the connection counts
// as established.
const quicPreamble = "hello"

const (
	quicHandshakeIdleTimeout = 5 * time.Second
	quicKeepAlivePeriod      = 10 * time.Second
	quicClientMaxIdle        = 30 * time.Second
	quicServerMaxIdle        = 60 * time.Second
	quicMaxIncomingStreams   = 32
	quicReceiveWindow        = 10_000_000

	// maxQUICFrameSize caps a single length-prefixed frame. Anything larger
	// is a peer gone wrong, not a message.
	maxQUICFrameSize = 16 << 20

	quicNormalClosure quic.ApplicationErrorCode = 0
)

// ClientQUICConfig is the transport tuning for dialed connections.
func ClientQUICConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout:       quicHandshakeIdleTimeout,
		MaxIdleTimeout:             quicClientMaxIdle,
		KeepAlivePeriod:            quicKeepAlivePeriod,
		MaxIncomingStreams:         quicMaxIncomingStreams,
		MaxIncomingUniStreams:      quicMaxIncomingStreams,
		MaxStreamReceiveWindow:     quicReceiveWindow,
		MaxConnectionReceiveWindow: quicReceiveWindow,
	}
}

// ServerQUICConfig is the transport tuning for accepted connections. The
// longer idle timeout leaves room for the heartbeat watchdog to evict first.
func ServerQUICConfig() *quic.Config {
	cfg := ClientQUICConfig()
	cfg.MaxIdleTimeout = quicServerMaxIdle
	return cfg
}

// QUICConnection runs the message protocol over a single bidirectional
// stream. Frames are a 4-byte big-endian length followed by the encoded
// message; zero-length frames are legal and decode to an empty message.
type QUICConnection struct {
	connState
	session quic.Connection
	stream  quic.Stream
	readMu  sync.Mutex
	writeMu sync.Mutex
	log     *zerolog.Logger
}

// DialQUIC connects to addr, opens the stream and writes the preamble.
func DialQUIC(ctx context.Context, addr string, tlsConfig *tls.Config, log *zerolog.Logger) (*QUICConnection, error) {
	session, err := quic.DialAddr(ctx, addr, tlsConfig, ClientQUICConfig())
	if err != nil {
		return nil, NewDialError(errors.Wrap(err, "quic dial"))
	}
	stream, err := session.OpenStreamSync(ctx)
	if err != nil {
		_ = session.CloseWithError(quicNormalClosure, "open stream failed")
		return nil, NewDialError(errors.Wrap(err, "open stream"))
	}
	_ = stream.SetWriteDeadline(time.Now().Add(quicHandshakeIdleTimeout))
	if _, err := stream.Write([]byte(quicPreamble)); err != nil {
		_ = session.CloseWithError(quicNormalClosure, "preamble failed")
		return nil, NewDialError(errors.Wrap(err, "write preamble"))
	}
	_ = stream.SetWriteDeadline(time.Time{})
	return newQUICConnection(session, stream, log), nil
}

// AcceptQUIC takes a session from a QUIC listener, waits for the peer's
// stream and verifies the preamble.
func AcceptQUIC(ctx context.Context, session quic.Connection, log *zerolog.Logger) (*QUICConnection, error) {
	stream, err := session.AcceptStream(ctx)
	if err != nil {
		return nil, NewDialError(errors.Wrap(err, "accept stream"))
	}
	preamble := make([]byte, len(quicPreamble))
	_ = stream.SetReadDeadline(time.Now().Add(quicHandshakeIdleTimeout))
	if _, err := io.ReadFull(stream, preamble); err != nil {
		_ = session.CloseWithError(quicNormalClosure, "missing preamble")
		return nil, NewDialError(errors.Wrap(err, "read preamble"))
	}
	_ = stream.SetReadDeadline(time.Time{})
	if string(preamble) != quicPreamble {
		_ = session.CloseWithError(quicNormalClosure, "bad preamble")
		return nil, &ProtocolViolationError{Reason: "unexpected stream preamble"}
	}
	return newQUICConnection(session, stream, log), nil
}

func newQUICConnection(session quic.Connection, stream quic.Stream, log *zerolog.Logger) *QUICConnection {
	return &QUICConnection{
		connState: newConnState(uuid.New().String(), session.RemoteAddr().String()),
		session:   session,
		stream:    stream,
		log:       log,
	}
}

func (c *QUICConnection) Protocol() string { return ProtocolQUIC }

func (c *QUICConnection) Send(msg *wire.Message) error {
	if c.State() != Connected {
		return ErrConnectionClosed
	}
	payload := msg.Marshal()
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.stream.SetWriteDeadline(time.Now().Add(writeWait))
	if _, err := c.stream.Write(frame); err != nil {
		return c.mapStreamError(err)
	}
	c.touch()
	return nil
}

func (c *QUICConnection) Receive() (*wire.Message, error) {
	if c.State() != Connected {
		return nil, ErrConnectionClosed
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	var header [4]byte
	if _, err := io.ReadFull(c.stream, header[:]); err != nil {
		return nil, c.mapStreamError(err)
	}
	length := binary.BigEndian.Uint32(header[:])
	if length > maxQUICFrameSize {
		c.setState(Error)
		_ = c.session.CloseWithError(quicNormalClosure, "frame too large")
		return nil, newTransportError(errors.Errorf("frame length %d exceeds %d", length, maxQUICFrameSize))
	}
	if length == 0 {
		c.touch()
		return &wire.Message{}, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.stream, payload); err != nil {
		return nil, c.mapStreamError(err)
	}
	c.touch()
	return wire.UnmarshalMessage(payload)
}

func (c *QUICConnection) Close() error {
	if !c.markClosed() {
		return nil
	}
	return c.session.CloseWithError(quicNormalClosure, "normal closure")
}

func (c *QUICConnection) IsActive(timeout time.Duration) bool {
	if c.State() != Connected {
		return false
	}
	if time.Since(c.LastActive()) > timeout {
		return false
	}
	// Transport keep-alive pings run below us; the session context ends as
	// soon as the connection dies.
	return c.session.Context().Err() == nil
}

// mapStreamError folds quic-go failures into the connection error taxonomy.
// Orderly shutdown variants all become ErrConnectionClosed.
func (c *QUICConnection) mapStreamError(err error) error {
	var appErr *quic.ApplicationError
	var idleErr *quic.IdleTimeoutError
	switch {
	case errors.As(err, &appErr), errors.As(err, &idleErr), errors.Is(err, io.EOF):
		if c.markClosed() {
			c.log.Debug().Str("conn", c.id).Err(err).Msg("quic stream ended")
		}
		return ErrConnectionClosed
	default:
		if c.State() != Connected {
			return ErrConnectionClosed
		}
		c.setState(Error)
		return newTransportError(err)
	}
}

var _ Connection = (*QUICConnection)(nil)

// ListenQUIC starts a QUIC listener for the server engine.
func ListenQUIC(addr string, tlsConfig *tls.Config) (*quic.Listener, error) {
	listener, err := quic.ListenAddr(addr, tlsConfig, ServerQUICConfig())
	if err != nil {
		return nil, errors.Wrap(err, "quic listen")
	}
	return listener, nil
}
