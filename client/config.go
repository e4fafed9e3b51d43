package client

import (
	"crypto/tls"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/flare152/flare/handler"
	"github.com/flare152/flare/wire"
)

const (
	defaultPingInterval      = 30 * time.Second
	defaultPongTimeout       = 10 * time.Second
	defaultReconnectInterval = 5 * time.Second
	defaultMaxReconnects     = 5
	defaultAuthTimeout       = 5 * time.Second
)

// ProtocolMode selects which transports Connect may try.
type ProtocolMode int

const (
	// ProtocolAuto races QUIC against websocket and prefers QUIC when it
	// resolves within one second of a websocket success.
	ProtocolAuto ProtocolMode = iota
	// ProtocolWebsocketOnly connects over websocket exclusively.
	ProtocolWebsocketOnly
	// ProtocolQUICOnly connects over QUIC exclusively.
	ProtocolQUICOnly
)

func (m ProtocolMode) String() string {
	switch m {
	case ProtocolWebsocketOnly:
		return "websocket"
	case ProtocolQUICOnly:
		return "quic"
	default:
		return "auto"
	}
}

// Config controls a Client. Zero durations and counts fall back to the
// package defaults; an empty ClientID gets a fresh UUID.
type Config struct {
	// WebsocketURL is the ws:// or wss:// endpoint. Required unless Mode is
	// ProtocolQUICOnly.
	WebsocketURL string
	// QUICAddr is the host:port of the QUIC listener. Required unless Mode
	// is ProtocolWebsocketOnly.
	QUICAddr string
	Mode     ProtocolMode
	// TLS applies to both transports. Nil means the transport defaults.
	TLS *tls.Config

	UserID   string
	Platform wire.Platform
	// ClientID identifies this device in the login request.
	ClientID string
	Token    string

	// Listener receives server pushes. Nil installs a no-op listener.
	Listener handler.MessageListener

	PingInterval         time.Duration
	PongTimeout          time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts uint
	// AuthTimeout bounds the wait for the login reply.
	AuthTimeout time.Duration
	// DisableAutoReconnect stops the engine from reconnecting on its own
	// when the link drops.
	DisableAutoReconnect bool

	// Dialer overrides the transport selection entirely. Connect calls it
	// instead of dialing WebsocketURL or QUICAddr.
	Dialer DialFunc
}

func (c *Config) withDefaults() Config {
	cfg := *c
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.New().String()
	}
	if cfg.Listener == nil {
		cfg.Listener = handler.NopListener{}
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PongTimeout == 0 {
		cfg.PongTimeout = defaultPongTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.MaxReconnectAttempts == 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnects
	}
	if cfg.AuthTimeout == 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	return cfg
}

func (c *Config) validate() error {
	if c.Dialer != nil {
		return nil
	}
	switch c.Mode {
	case ProtocolWebsocketOnly:
		if c.WebsocketURL == "" {
			return errors.New("websocket URL is required")
		}
	case ProtocolQUICOnly:
		if c.QUICAddr == "" {
			return errors.New("QUIC address is required")
		}
	default:
		if c.WebsocketURL == "" && c.QUICAddr == "" {
			return errors.New("at least one of websocket URL and QUIC address is required")
		}
	}
	return nil
}
