package config

import (
	"time"
)

// Registry backend selectors for Registry.Backend.
const (
	BackendConsul = "consul"
	BackendEtcd   = "etcd"
)

// Balancer strategy selectors for Discovery.Strategy.
const (
	StrategyRandom     = "random"
	StrategyRoundRobin = "round-robin"
	StrategyWeighted   = "weighted"
)

// Root is the base options to configure the service.
type Root struct {
	LogDirectory string `yaml:"logDirectory,omitempty"`
	LogLevel     string `yaml:"logLevel,omitempty"`
	LogFile      string `yaml:"logFile,omitempty"`
	LogFormat    string `yaml:"logFormat,omitempty"`

	Server    Server    `yaml:"server,omitempty"`
	Client    Client    `yaml:"client,omitempty"`
	Registry  Registry  `yaml:"registry,omitempty"`
	Discovery Discovery `yaml:"discovery,omitempty"`

	sourceFile string
}

// Source returns the file this configuration was read from, or an empty
// string when it was built in memory.
func (r *Root) Source() string {
	return r.sourceFile
}

// Server configures the fabric listeners and the session timers. Zero
// values defer to the server package defaults.
// Note: To specify a time.Duration in go-yaml, use e.g. "3s" or "24h".
type Server struct {
	WebsocketAddr    string        `yaml:"websocketAddr,omitempty"`
	QUICAddr         string        `yaml:"quicAddr,omitempty"`
	TLSCert          string        `yaml:"tlsCert,omitempty"`
	TLSKey           string        `yaml:"tlsKey,omitempty"`
	AuthTimeout      time.Duration `yaml:"authTimeout,omitempty"`
	WatchdogInterval time.Duration `yaml:"watchdogInterval,omitempty"`
	StaleAfter       time.Duration `yaml:"staleAfter,omitempty"`
	MetricsAddr      string        `yaml:"metricsAddr,omitempty"`
}

// Client configures the dialing side.
type Client struct {
	WebsocketURL         string        `yaml:"websocketURL,omitempty"`
	QUICAddr             string        `yaml:"quicAddr,omitempty"`
	Protocol             string        `yaml:"protocol,omitempty"` // websocket | quic | empty for both
	InsecureSkipVerify   bool          `yaml:"insecureSkipVerify,omitempty"`
	PingInterval         time.Duration `yaml:"pingInterval,omitempty"`
	PongTimeout          time.Duration `yaml:"pongTimeout,omitempty"`
	ReconnectInterval    time.Duration `yaml:"reconnectInterval,omitempty"`
	MaxReconnectAttempts uint          `yaml:"maxReconnectAttempts,omitempty"`
}

// Registry configures service registration. Backend selects which of the
// nested sections applies.
type Registry struct {
	Backend           string            `yaml:"backend,omitempty"` // consul | etcd
	Service           string            `yaml:"service,omitempty"`
	AdvertiseIP       string            `yaml:"advertiseIP,omitempty"`
	AdvertisePort     int               `yaml:"advertisePort,omitempty"`
	Tags              []string          `yaml:"tags,omitempty"`
	Weight            int               `yaml:"weight,omitempty"`
	Meta              map[string]string `yaml:"meta,omitempty"`
	HeartbeatInterval time.Duration     `yaml:"heartbeatInterval,omitempty"`

	Consul Consul `yaml:"consul,omitempty"`
	Etcd   Etcd   `yaml:"etcd,omitempty"`
}

// Consul holds the agent HTTP API settings.
type Consul struct {
	Address  string        `yaml:"address,omitempty"`
	Token    string        `yaml:"token,omitempty"`
	CheckTTL time.Duration `yaml:"checkTTL,omitempty"`
}

// Etcd holds the lease-based KV settings.
type Etcd struct {
	Endpoints   []string      `yaml:"endpoints,omitempty"`
	Prefix      string        `yaml:"prefix,omitempty"`
	TTL         time.Duration `yaml:"ttl,omitempty"`
	DialTimeout time.Duration `yaml:"dialTimeout,omitempty"`
}

// Discovery configures the endpoint sync loop.
type Discovery struct {
	SyncInterval time.Duration `yaml:"syncInterval,omitempty"`
	Strategy     string        `yaml:"strategy,omitempty"` // random | round-robin | weighted
}
