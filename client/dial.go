package client

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/flare152/flare/connection"
)

// DialFunc produces a ready transport connection.
type DialFunc func(ctx context.Context) (connection.Connection, error)

// quicPreferenceWindow is how long a websocket winner is held back waiting
// for QUIC before being used.
const quicPreferenceWindow = 1 * time.Second

func (c *Client) dial(ctx context.Context) (connection.Connection, error) {
	if c.config.Dialer != nil {
		return c.config.Dialer(ctx)
	}
	switch c.config.Mode {
	case ProtocolWebsocketOnly:
		return c.wsDialer(ctx)
	case ProtocolQUICOnly:
		return c.quicDialer(ctx)
	default:
		return c.dialAuto(ctx)
	}
}

type dialResult struct {
	conn connection.Connection
	err  error
}

// dialAuto races both transports. QUIC wins outright; a websocket winner is
// held for quicPreferenceWindow in case QUIC lands right behind it.
func (c *Client) dialAuto(ctx context.Context) (connection.Connection, error) {
	if c.config.QUICAddr == "" {
		return c.wsDialer(ctx)
	}
	if c.config.WebsocketURL == "" {
		return c.quicDialer(ctx)
	}

	quicRes := make(chan dialResult, 1)
	wsRes := make(chan dialResult, 1)
	go func() {
		conn, err := c.quicDialer(ctx)
		quicRes <- dialResult{conn, err}
	}()
	go func() {
		conn, err := c.wsDialer(ctx)
		wsRes <- dialResult{conn, err}
	}()

	select {
	case quic := <-quicRes:
		if quic.err == nil {
			c.log.Debug().Msg("QUIC connection established")
			go closeLoser(wsRes)
			return quic.conn, nil
		}
		c.log.Debug().Err(quic.err).Msg("QUIC connection failed, falling back to websocket")
		ws := <-wsRes
		if ws.err != nil {
			return nil, errors.Wrap(ws.err, "all connection attempts failed")
		}
		return ws.conn, nil

	case ws := <-wsRes:
		if ws.err != nil {
			c.log.Debug().Err(ws.err).Msg("websocket connection failed, waiting for QUIC")
			quic := <-quicRes
			if quic.err != nil {
				return nil, errors.Wrap(quic.err, "all connection attempts failed")
			}
			return quic.conn, nil
		}
		// Websocket is up. Give QUIC a short window to take precedence.
		select {
		case quic := <-quicRes:
			if quic.err == nil {
				c.log.Debug().Msg("QUIC connection established, preferring it over websocket")
				_ = ws.conn.Close()
				return quic.conn, nil
			}
			return ws.conn, nil
		case <-c.clock.After(quicPreferenceWindow):
			go closeLoser(quicRes)
			return ws.conn, nil
		}
	}
}

// closeLoser discards the connection of the dial attempt that lost the race.
func closeLoser(res <-chan dialResult) {
	if r := <-res; r.err == nil {
		_ = r.conn.Close()
	}
}
