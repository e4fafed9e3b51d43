package server

import (
	"crypto/tls"
	"time"

	"github.com/pkg/errors"
)

const (
	defaultAuthTimeout      = 30 * time.Second
	defaultWatchdogInterval = 30 * time.Second
	defaultStaleAfter       = 90 * time.Second
)

// Config carries the listener addresses and the timers of the accept and
// eviction paths.
type Config struct {
	// WebsocketAddr is the TCP address of the websocket listener, e.g.
	// ":8080". Empty disables the listener.
	WebsocketAddr string
	// QUICAddr is the UDP address of the QUIC listener. Empty disables it.
	QUICAddr string
	// TLS is required for QUIC and optional for websocket.
	TLS *tls.Config

	// AuthTimeout bounds the handshake from accept to a successful login.
	AuthTimeout time.Duration
	// WatchdogInterval spaces the heartbeat sweeps.
	WatchdogInterval time.Duration
	// StaleAfter is the heartbeat age beyond which a connection is evicted.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout == 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	if c.WatchdogInterval == 0 {
		c.WatchdogInterval = defaultWatchdogInterval
	}
	if c.StaleAfter == 0 {
		c.StaleAfter = defaultStaleAfter
	}
	return c
}

func (c Config) validate() error {
	if c.QUICAddr != "" && c.TLS == nil {
		return errors.New("quic listener requires a TLS config")
	}
	return nil
}
