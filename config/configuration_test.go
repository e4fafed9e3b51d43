package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"
)

const testConfigFile = `
logLevel: debug
logDirectory: /var/log/flare
server:
  websocketAddr: ":8080"
  quicAddr: ":8443"
  tlsCert: /etc/flare/tls/server.crt
  tlsKey: /etc/flare/tls/server.key
  authTimeout: 10s
  watchdogInterval: 15s
  staleAfter: 45s
  metricsAddr: "127.0.0.1:9090"
client:
  websocketURL: wss://fabric.example.com/ws
  protocol: websocket
  pingInterval: 5s
  maxReconnectAttempts: 7
registry:
  backend: consul
  service: fabric
  advertiseIP: 10.0.0.12
  advertisePort: 8080
  tags:
    - edge
    - v1
  weight: 3
  heartbeatInterval: 10s
  consul:
    address: http://127.0.0.1:8500
    token: secret-token
    checkTTL: 30s
  etcd:
    endpoints:
      - 127.0.0.1:2379
      - 127.0.0.2:2379
    prefix: /flare/services/
    ttl: 30s
discovery:
  syncInterval: 3s
  strategy: weighted
`

func TestRootUnmarshal(t *testing.T) {
	var root Root
	err := yaml.Unmarshal([]byte(testConfigFile), &root)
	require.NoError(t, err)

	assert.Equal(t, "debug", root.LogLevel)
	assert.Equal(t, "/var/log/flare", root.LogDirectory)

	assert.Equal(t, ":8080", root.Server.WebsocketAddr)
	assert.Equal(t, ":8443", root.Server.QUICAddr)
	assert.Equal(t, "/etc/flare/tls/server.crt", root.Server.TLSCert)
	assert.Equal(t, 10*time.Second, root.Server.AuthTimeout)
	assert.Equal(t, 15*time.Second, root.Server.WatchdogInterval)
	assert.Equal(t, 45*time.Second, root.Server.StaleAfter)
	assert.Equal(t, "127.0.0.1:9090", root.Server.MetricsAddr)

	assert.Equal(t, "wss://fabric.example.com/ws", root.Client.WebsocketURL)
	assert.Equal(t, "websocket", root.Client.Protocol)
	assert.Equal(t, 5*time.Second, root.Client.PingInterval)
	assert.Equal(t, uint(7), root.Client.MaxReconnectAttempts)

	assert.Equal(t, BackendConsul, root.Registry.Backend)
	assert.Equal(t, "fabric", root.Registry.Service)
	assert.Equal(t, "10.0.0.12", root.Registry.AdvertiseIP)
	assert.Equal(t, 8080, root.Registry.AdvertisePort)
	assert.Equal(t, []string{"edge", "v1"}, root.Registry.Tags)
	assert.Equal(t, 3, root.Registry.Weight)
	assert.Equal(t, 10*time.Second, root.Registry.HeartbeatInterval)
	assert.Equal(t, "http://127.0.0.1:8500", root.Registry.Consul.Address)
	assert.Equal(t, "secret-token", root.Registry.Consul.Token)
	assert.Equal(t, 30*time.Second, root.Registry.Consul.CheckTTL)
	assert.Equal(t, []string{"127.0.0.1:2379", "127.0.0.2:2379"}, root.Registry.Etcd.Endpoints)
	assert.Equal(t, "/flare/services/", root.Registry.Etcd.Prefix)

	assert.Equal(t, 3*time.Second, root.Discovery.SyncInterval)
	assert.Equal(t, StrategyWeighted, root.Discovery.Strategy)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigFile), 0644))

	root, warnings, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, path, root.Source())
	assert.Equal(t, ":8080", root.Server.WebsocketAddr)
	assert.Equal(t, BackendConsul, root.Registry.Backend)
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "nope.yml"))
	assert.ErrorIs(t, err, ErrNoConfigFile)
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	root, warnings, err := Load(path)
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.Equal(t, Server{}, root.Server)
}

func TestLoadWarnsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	raw := "logLevel: info\nresolver: 1.1.1.1\n"
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	root, warnings, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "info", root.LogLevel)
	assert.Contains(t, warnings, "resolver")
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte("server: [not: a map"), 0644))

	_, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
}

func TestDefaultConfigSearchOrder(t *testing.T) {
	dirs := DefaultConfigSearchDirectories()
	require.GreaterOrEqual(t, len(dirs), 2)
	assert.Equal(t, "~/.flare", dirs[0])
	assert.Contains(t, dirs, DefaultUnixConfigLocation)
}

func TestFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")

	ok, err := FileExists(path)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	ok, err = FileExists(path)
	require.NoError(t, err)
	assert.True(t, ok)
}
