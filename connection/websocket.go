package connection

import (
	"context"
	"crypto/tls"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/flare152/flare/wire"
)

const websocketHandshakeTimeout = 10 * time.Second

// WebsocketConnection carries one encoded Message per binary frame.
// Transport-level ping/pong control frames are answered below the message
// layer and never surface from Receive.
type WebsocketConnection struct {
	connState
	conn    *websocket.Conn
	writeMu sync.Mutex
	log     *zerolog.Logger
}

// NewWebsocketConnection wraps an established websocket, typically the
// result of an Upgrade on the server side.
func NewWebsocketConnection(conn *websocket.Conn, log *zerolog.Logger) *WebsocketConnection {
	c := &WebsocketConnection{
		connState: newConnState(uuid.New().String(), conn.RemoteAddr().String()),
		conn:      conn,
		log:       log,
	}
	conn.SetPingHandler(func(appData string) error {
		c.touch()
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})
	conn.SetPongHandler(func(string) error {
		c.touch()
		log.Trace().Str("conn", c.id).Msg("websocket pong frame")
		return nil
	})
	return c
}

// DialWebsocket establishes a client websocket connection to addr, e.g.
// "ws://host:port/connect" or "wss://…" when tlsConfig is set.
func DialWebsocket(ctx context.Context, addr string, tlsConfig *tls.Config, log *zerolog.Logger) (*WebsocketConnection, error) {
	dialer := websocket.Dialer{
		TLSClientConfig:  tlsConfig,
		HandshakeTimeout: websocketHandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, NewDialError(err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return NewWebsocketConnection(conn, log), nil
}

func (c *WebsocketConnection) Protocol() string { return ProtocolWebsocket }

func (c *WebsocketConnection) Send(msg *wire.Message) error {
	if c.State() != Connected {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, msg.Marshal()); err != nil {
		c.setState(Error)
		return newTransportError(err)
	}
	c.touch()
	return nil
}

func (c *WebsocketConnection) Receive() (*wire.Message, error) {
	if c.State() != Connected {
		return nil, ErrConnectionClosed
	}
	frameType, payload, err := c.conn.ReadMessage()
	if err != nil {
		if c.markClosed() {
			c.log.Debug().Str("conn", c.id).Err(err).Msg("websocket read ended")
		}
		return nil, ErrConnectionClosed
	}
	if frameType != websocket.BinaryMessage {
		return nil, &InvalidMessageTypeError{Frame: "text"}
	}
	c.touch()
	msg, err := wire.UnmarshalMessage(payload)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (c *WebsocketConnection) Close() error {
	if !c.markClosed() {
		return nil
	}
	deadline := time.Now().Add(writeWait)
	closeFrame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.conn.WriteControl(websocket.CloseMessage, closeFrame, deadline); err != nil && err != websocket.ErrCloseSent {
		c.log.Debug().Str("conn", c.id).Err(err).Msg("websocket close frame not delivered")
	}
	return c.conn.Close()
}

func (c *WebsocketConnection) IsActive(timeout time.Duration) bool {
	if c.State() != Connected {
		return false
	}
	if time.Since(c.LastActive()) > timeout {
		return false
	}
	err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	return err == nil
}

var _ Connection = (*WebsocketConnection)(nil)
