// Package balancer picks one endpoint from a discovered set.
package balancer

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/flare152/flare/registry"
)

// ErrNoEndpoints is returned when a strategy is asked to pick from an empty
// set.
var ErrNoEndpoints = errors.New("no endpoints to choose from")

// Strategy picks one endpoint for a service. Implementations are safe for
// concurrent use.
type Strategy interface {
	Select(service string, endpoints []registry.Endpoint) (registry.Endpoint, error)
}

// Random picks uniformly, ignoring weights.
type Random struct {
	intn func(n int) int
}

func NewRandom() *Random {
	return &Random{intn: rand.Intn}
}

func (r *Random) Select(_ string, endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}
	return endpoints[r.intn(len(endpoints))], nil
}

// RoundRobin cycles through each service's endpoints in order. The counter
// is taken modulo the current length, so a list that shrank between calls
// is never indexed out of range.
type RoundRobin struct {
	mu       sync.Mutex
	counters map[string]uint64
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{counters: make(map[string]uint64)}
}

func (r *RoundRobin) Select(service string, endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}
	r.mu.Lock()
	counter := r.counters[service]
	r.counters[service] = counter + 1
	r.mu.Unlock()
	return endpoints[counter%uint64(len(endpoints))], nil
}

// WeightedRandom picks proportionally to endpoint weights. Endpoints with
// non-positive weight draw nothing unless every weight is non-positive, in
// which case the pick is uniform.
type WeightedRandom struct {
	intn func(n int) int
}

func NewWeightedRandom() *WeightedRandom {
	return &WeightedRandom{intn: rand.Intn}
}

func (w *WeightedRandom) Select(_ string, endpoints []registry.Endpoint) (registry.Endpoint, error) {
	if len(endpoints) == 0 {
		return registry.Endpoint{}, ErrNoEndpoints
	}
	total := 0
	for _, ep := range endpoints {
		if ep.Weight > 0 {
			total += ep.Weight
		}
	}
	if total == 0 {
		return endpoints[w.intn(len(endpoints))], nil
	}
	pick := w.intn(total)
	for _, ep := range endpoints {
		if ep.Weight <= 0 {
			continue
		}
		pick -= ep.Weight
		if pick < 0 {
			return ep, nil
		}
	}
	return endpoints[len(endpoints)-1], nil
}
