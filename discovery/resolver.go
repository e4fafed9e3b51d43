// Package discovery keeps a per-service endpoint snapshot in sync with a
// registry backend and fans endpoint changes out to subscribers.
package discovery

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/flare152/flare/balancer"
	"github.com/flare152/flare/registry"
)

const (
	defaultSyncInterval = 3 * time.Second
	watchBufferSize     = 16
)

// ErrServiceNotFound is returned by Discover for a service with no known
// endpoints.
var ErrServiceNotFound = errors.New("service not found")

// Change describes one service's endpoint delta after a sync. Endpoints are
// identified by (address, port); Updated is reserved and stays empty.
type Change struct {
	ServiceName string
	// All is the endpoint set after the change was applied.
	All     []registry.Endpoint
	Added   []registry.Endpoint
	Updated []registry.Endpoint
	Removed []registry.Endpoint
}

// Resolver answers Discover from a snapshot that a background loop keeps in
// sync with the backend.
type Resolver struct {
	backend  registry.Registry
	strategy balancer.Strategy
	interval time.Duration
	log      *zerolog.Logger
	metrics  *discoveryMetrics

	mu       sync.RWMutex
	services map[string][]registry.Endpoint
	watchers []chan Change

	started  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewResolver builds a resolver over the backend. A zero syncInterval means
// the 3 second default; a nil strategy means round robin.
func NewResolver(backend registry.Registry, strategy balancer.Strategy, syncInterval time.Duration, log *zerolog.Logger) *Resolver {
	if strategy == nil {
		strategy = balancer.NewRoundRobin()
	}
	if syncInterval <= 0 {
		syncInterval = defaultSyncInterval
	}
	return &Resolver{
		backend:  backend,
		strategy: strategy,
		interval: syncInterval,
		log:      log,
		metrics:  newDiscoveryMetrics(),
		services: make(map[string][]registry.Endpoint),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Discover picks one endpoint of the named service from the snapshot.
func (r *Resolver) Discover(service string) (registry.Endpoint, error) {
	r.mu.RLock()
	endpoints := r.services[service]
	r.mu.RUnlock()
	if len(endpoints) == 0 {
		return registry.Endpoint{}, errors.Wrapf(ErrServiceNotFound, "service %s", service)
	}
	return r.strategy.Select(service, endpoints)
}

// Endpoints returns the current snapshot for the named service.
func (r *Resolver) Endpoints(service string) []registry.Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]registry.Endpoint(nil), r.services[service]...)
}

// Watch subscribes to endpoint changes. A subscriber joining mid-stream
// sees only changes applied after the call. Slow subscribers lose changes.
func (r *Resolver) Watch() <-chan Change {
	ch := make(chan Change, watchBufferSize)
	r.mu.Lock()
	r.watchers = append(r.watchers, ch)
	r.mu.Unlock()
	return ch
}

// Start runs the initial sync and then polls the backend on the interval.
// It returns immediately; a second call does nothing.
func (r *Resolver) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	go r.run(ctx)
}

func (r *Resolver) run(ctx context.Context) {
	defer close(r.doneCh)
	r.sync(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sync(ctx)
		}
	}
}

// Stop halts the sync loop. The snapshot stays answerable afterwards.
func (r *Resolver) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	if r.started.Load() {
		<-r.doneCh
	}
}

func (r *Resolver) sync(ctx context.Context) {
	fetched, err := r.backend.Services(ctx)
	if err != nil {
		r.metrics.syncErrorsTotal.Inc()
		r.log.Error().Err(err).Msg("service sync failed, draining snapshot")
		r.drain()
		return
	}
	r.metrics.syncsTotal.Inc()
	for _, change := range r.apply(fetched) {
		r.broadcast(change)
	}
}

// apply folds the fetched state into the snapshot and returns the changes
// to announce. Services whose membership did not move are untouched.
func (r *Resolver) apply(fetched map[string][]registry.Endpoint) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changes []Change
	for name, newEps := range fetched {
		added, removed := diffEndpoints(r.services[name], newEps)
		if len(added) == 0 && len(removed) == 0 {
			continue
		}
		copied := append([]registry.Endpoint(nil), newEps...)
		r.services[name] = copied
		changes = append(changes, Change{
			ServiceName: name,
			All:         copied,
			Added:       added,
			Removed:     removed,
		})
	}
	for name, oldEps := range r.services {
		if _, ok := fetched[name]; !ok {
			delete(r.services, name)
			changes = append(changes, Change{ServiceName: name, Removed: oldEps})
		}
	}
	r.metrics.knownEndpoints.Set(float64(r.endpointCountLocked()))
	return changes
}

// drain clears the snapshot and announces every service as removed. A
// snapshot that is already empty announces nothing, so repeated fetch
// failures drain only once.
func (r *Resolver) drain() {
	r.mu.Lock()
	drained := r.services
	r.services = make(map[string][]registry.Endpoint)
	r.metrics.knownEndpoints.Set(0)
	r.mu.Unlock()

	for name, eps := range drained {
		r.broadcast(Change{ServiceName: name, Removed: eps})
	}
}

func (r *Resolver) broadcast(change Change) {
	r.mu.RLock()
	watchers := append([]chan Change(nil), r.watchers...)
	r.mu.RUnlock()
	for _, ch := range watchers {
		select {
		case ch <- change:
		default:
			r.log.Debug().
				Str("service", change.ServiceName).
				Msg("dropping change for a slow watcher")
		}
	}
}

func (r *Resolver) endpointCountLocked() int {
	total := 0
	for _, eps := range r.services {
		total += len(eps)
	}
	return total
}

type endpointKey struct {
	address string
	port    int
}

func diffEndpoints(before, after []registry.Endpoint) (added, removed []registry.Endpoint) {
	beforeSet := make(map[endpointKey]struct{}, len(before))
	for _, ep := range before {
		beforeSet[endpointKey{ep.Address, ep.Port}] = struct{}{}
	}
	afterSet := make(map[endpointKey]struct{}, len(after))
	for _, ep := range after {
		afterSet[endpointKey{ep.Address, ep.Port}] = struct{}{}
	}
	for _, ep := range after {
		if _, ok := beforeSet[endpointKey{ep.Address, ep.Port}]; !ok {
			added = append(added, ep)
		}
	}
	for _, ep := range before {
		if _, ok := afterSet[endpointKey{ep.Address, ep.Port}]; !ok {
			removed = append(removed, ep)
		}
	}
	return added, removed
}
