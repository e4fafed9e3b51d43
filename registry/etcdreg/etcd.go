// Package etcdreg keeps fabric registrations alive in etcd, one lease per
// instance. Liveness rides on the lease keepalive, so Heartbeat is a no-op.
package etcdreg

import (
	"context"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/flare152/flare/registry"
)

const (
	defaultPrefix      = "/flare/services/"
	defaultTTL         = 30 * time.Second
	defaultDialTimeout = 5 * time.Second
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Config selects the cluster and the key namespace.
type Config struct {
	// Endpoints lists cluster members, e.g. 127.0.0.1:2379.
	Endpoints []string
	// Prefix namespaces every registration key. Defaults to /flare/services/.
	Prefix string
	// TTL is the lease lifetime. The keepalive loop refreshes at TTL/2.
	TTL         time.Duration
	DialTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Prefix == "" {
		c.Prefix = defaultPrefix
	}
	if c.TTL <= 0 {
		c.TTL = defaultTTL
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	return c
}

// record is the JSON value stored under a registration key.
type record struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Tags    []string          `json:"tags,omitempty"`
	Address string            `json:"address"`
	Port    int               `json:"port"`
	Weight  int               `json:"weight"`
	Meta    map[string]string `json:"meta,omitempty"`
	Version string            `json:"version,omitempty"`
}

func recordFromRegistration(reg *registry.Registration) *record {
	return &record{
		ID:      reg.ID,
		Name:    reg.Name,
		Tags:    reg.Tags,
		Address: reg.Address,
		Port:    reg.Port,
		Weight:  reg.Weight,
		Meta:    reg.Meta,
		Version: reg.Version,
	}
}

func recordFromKV(kv *mvccpb.KeyValue) (*record, error) {
	var rec record
	if err := json.Unmarshal(kv.Value, &rec); err != nil {
		return nil, errors.Wrap(err, "failed to decode registration value")
	}
	if rec.Name == "" {
		return nil, errors.New("registration value has no service name")
	}
	return &rec, nil
}

func (r *record) endpoint() registry.Endpoint {
	weight := r.Weight
	if weight <= 0 {
		weight = 1
	}
	return registry.Endpoint{Address: r.Address, Port: r.Port, Weight: weight}
}

// lease tracks one registration's keepalive loop.
type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
	done   chan struct{}
}

// Client is the etcd-backed registry.
type Client struct {
	config Config
	client *clientv3.Client
	log    *zerolog.Logger

	mu     sync.Mutex
	leases map[string]*lease
}

var _ registry.Registry = (*Client)(nil)

func New(config Config, log *zerolog.Logger) (*Client, error) {
	config = config.withDefaults()
	if len(config.Endpoints) == 0 {
		return nil, errors.New("etcd registry needs at least one endpoint")
	}
	etcdClient, err := clientv3.New(clientv3.Config{
		Endpoints:   config.Endpoints,
		DialTimeout: config.DialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create etcd client")
	}
	return &Client{
		config: config,
		client: etcdClient,
		log:    log,
		leases: make(map[string]*lease),
	}, nil
}

func (c *Client) key(id string) string {
	return c.config.Prefix + id
}

// Register stores the instance under a fresh lease and starts refreshing it.
// Registering an id again replaces its previous lease loop.
func (c *Client) Register(ctx context.Context, reg *registry.Registration) error {
	if err := reg.Validate(); err != nil {
		return err
	}
	value, err := json.Marshal(recordFromRegistration(reg))
	if err != nil {
		return errors.Wrap(err, "failed to encode registration")
	}
	grant, err := c.client.Grant(ctx, int64(c.config.TTL.Seconds()))
	if err != nil {
		return errors.Wrap(err, "failed to grant lease")
	}
	if _, err := c.client.Put(ctx, c.key(reg.ID), string(value), clientv3.WithLease(grant.ID)); err != nil {
		return errors.Wrap(err, "failed to store registration")
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	l := &lease{id: grant.ID, cancel: cancel, done: make(chan struct{})}
	c.mu.Lock()
	if old, ok := c.leases[reg.ID]; ok {
		old.cancel()
	}
	c.leases[reg.ID] = l
	c.mu.Unlock()
	go c.keepAlive(keepCtx, l)

	c.log.Info().
		Str("service", reg.Name).
		Str("id", reg.ID).
		Int64("lease", int64(grant.ID)).
		Msg("registered with etcd")
	return nil
}

func (c *Client) keepAlive(ctx context.Context, l *lease) {
	defer close(l.done)
	ticker := time.NewTicker(c.config.TTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.client.KeepAliveOnce(ctx, l.id); err != nil {
				c.log.Error().
					Err(err).
					Int64("lease", int64(l.id)).
					Msg("lease keepalive failed")
			}
		}
	}
}

// Deregister stops the keepalive loop, removes the key and revokes the lease.
func (c *Client) Deregister(ctx context.Context, id string) error {
	c.mu.Lock()
	l, ok := c.leases[id]
	delete(c.leases, id)
	c.mu.Unlock()
	if ok {
		l.cancel()
		<-l.done
	}
	if _, err := c.client.Delete(ctx, c.key(id)); err != nil {
		return errors.Wrap(err, "failed to delete registration")
	}
	if ok {
		if _, err := c.client.Revoke(ctx, l.id); err != nil {
			return errors.Wrap(err, "failed to revoke lease")
		}
	}
	return nil
}

// Heartbeat is a no-op. The lease keepalive already proves liveness.
func (c *Client) Heartbeat(context.Context, string) error {
	return nil
}

// Services lists every record under the prefix, skipping malformed values.
func (c *Client) Services(ctx context.Context) (map[string][]registry.Endpoint, error) {
	resp, err := c.client.Get(ctx, c.config.Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list registrations")
	}
	out := make(map[string][]registry.Endpoint)
	for _, kv := range resp.Kvs {
		rec, err := recordFromKV(kv)
		if err != nil {
			c.log.Warn().
				Err(err).
				Str("key", string(kv.Key)).
				Msg("skipping malformed registration")
			continue
		}
		out[rec.Name] = append(out[rec.Name], rec.endpoint())
	}
	return out, nil
}

// Close cancels every keepalive loop and closes the etcd client. Keys are
// left to expire with their leases.
func (c *Client) Close() error {
	c.mu.Lock()
	leases := make([]*lease, 0, len(c.leases))
	for _, l := range c.leases {
		leases = append(leases, l)
	}
	c.leases = make(map[string]*lease)
	c.mu.Unlock()
	for _, l := range leases {
		l.cancel()
		<-l.done
	}
	return c.client.Close()
}
