package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flare152/flare/registry"
)

var testLogger = zerolog.Nop()

type fakeRegistry struct {
	mu       sync.Mutex
	services map[string][]registry.Endpoint
	err      error
}

func (f *fakeRegistry) Register(context.Context, *registry.Registration) error { return nil }
func (f *fakeRegistry) Deregister(context.Context, string) error               { return nil }
func (f *fakeRegistry) Heartbeat(context.Context, string) error                { return nil }
func (f *fakeRegistry) Close() error                                           { return nil }

func (f *fakeRegistry) Services(context.Context) (map[string][]registry.Endpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string][]registry.Endpoint, len(f.services))
	for name, eps := range f.services {
		out[name] = append([]registry.Endpoint(nil), eps...)
	}
	return out, nil
}

func (f *fakeRegistry) set(services map[string][]registry.Endpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.services = services
	f.err = nil
}

func (f *fakeRegistry) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func ep(port, weight int) registry.Endpoint {
	return registry.Endpoint{Address: "10.0.0.1", Port: port, Weight: weight}
}

func newTestResolver(backend *fakeRegistry) *Resolver {
	return NewResolver(backend, nil, 10*time.Millisecond, &testLogger)
}

func collectChange(t *testing.T, watch <-chan Change) Change {
	t.Helper()
	select {
	case change := <-watch:
		return change
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a change")
		return Change{}
	}
}

func assertNoChange(t *testing.T, watch <-chan Change) {
	t.Helper()
	select {
	case change := <-watch:
		t.Fatalf("unexpected change for %s", change.ServiceName)
	default:
	}
}

func TestResolverDiscoverUnknownService(t *testing.T) {
	r := newTestResolver(&fakeRegistry{})
	_, err := r.Discover("fabric")
	require.ErrorIs(t, err, ErrServiceNotFound)
}

func TestResolverSyncPublishesAdded(t *testing.T) {
	backend := &fakeRegistry{}
	backend.set(map[string][]registry.Endpoint{"fabric": {ep(9000, 1), ep(9001, 1)}})
	r := newTestResolver(backend)
	watch := r.Watch()

	r.sync(context.Background())

	change := collectChange(t, watch)
	assert.Equal(t, "fabric", change.ServiceName)
	assert.ElementsMatch(t, []registry.Endpoint{ep(9000, 1), ep(9001, 1)}, change.Added)
	assert.ElementsMatch(t, []registry.Endpoint{ep(9000, 1), ep(9001, 1)}, change.All)
	assert.Empty(t, change.Removed)
	assert.Empty(t, change.Updated)

	picked, err := r.Discover("fabric")
	require.NoError(t, err)
	assert.Contains(t, []registry.Endpoint{ep(9000, 1), ep(9001, 1)}, picked)
}

func TestResolverNoChangeNoBroadcast(t *testing.T) {
	backend := &fakeRegistry{}
	backend.set(map[string][]registry.Endpoint{"fabric": {ep(9000, 1)}})
	r := newTestResolver(backend)
	watch := r.Watch()
	ctx := context.Background()

	r.sync(ctx)
	collectChange(t, watch)

	r.sync(ctx)
	assertNoChange(t, watch)
}

func TestResolverPartialDelta(t *testing.T) {
	backend := &fakeRegistry{}
	backend.set(map[string][]registry.Endpoint{"fabric": {ep(9000, 1), ep(9001, 1)}})
	r := newTestResolver(backend)
	watch := r.Watch()
	ctx := context.Background()

	r.sync(ctx)
	collectChange(t, watch)

	backend.set(map[string][]registry.Endpoint{"fabric": {ep(9001, 1), ep(9002, 1)}})
	r.sync(ctx)

	change := collectChange(t, watch)
	assert.Equal(t, []registry.Endpoint{ep(9002, 1)}, change.Added)
	assert.Equal(t, []registry.Endpoint{ep(9000, 1)}, change.Removed)
	assert.ElementsMatch(t, []registry.Endpoint{ep(9001, 1), ep(9002, 1)}, change.All)
}

func TestResolverRemovesAbsentService(t *testing.T) {
	backend := &fakeRegistry{}
	backend.set(map[string][]registry.Endpoint{"fabric": {ep(9000, 1)}})
	r := newTestResolver(backend)
	watch := r.Watch()
	ctx := context.Background()

	r.sync(ctx)
	collectChange(t, watch)

	backend.set(map[string][]registry.Endpoint{})
	r.sync(ctx)

	change := collectChange(t, watch)
	assert.Equal(t, "fabric", change.ServiceName)
	assert.Equal(t, []registry.Endpoint{ep(9000, 1)}, change.Removed)
	assert.Empty(t, change.All)

	_, err := r.Discover("fabric")
	require.ErrorIs(t, err, ErrServiceNotFound)
}

func TestResolverFetchFailureDrainsOnce(t *testing.T) {
	backend := &fakeRegistry{}
	backend.set(map[string][]registry.Endpoint{"fabric": {ep(9000, 1)}})
	r := newTestResolver(backend)
	watch := r.Watch()
	ctx := context.Background()

	r.sync(ctx)
	collectChange(t, watch)

	backend.fail(errors.New("registry down"))
	r.sync(ctx)

	change := collectChange(t, watch)
	assert.Equal(t, []registry.Endpoint{ep(9000, 1)}, change.Removed)

	// The snapshot is already empty, so further failures announce nothing.
	r.sync(ctx)
	assertNoChange(t, watch)

	_, err := r.Discover("fabric")
	require.ErrorIs(t, err, ErrServiceNotFound)
}

func TestResolverWeightOnlyChangeIsInvisible(t *testing.T) {
	backend := &fakeRegistry{}
	backend.set(map[string][]registry.Endpoint{"fabric": {ep(9000, 1)}})
	r := newTestResolver(backend)
	watch := r.Watch()
	ctx := context.Background()

	r.sync(ctx)
	collectChange(t, watch)

	// Same (address, port) with a new weight is not a membership change.
	backend.set(map[string][]registry.Endpoint{"fabric": {ep(9000, 5)}})
	r.sync(ctx)
	assertNoChange(t, watch)

	picked, err := r.Discover("fabric")
	require.NoError(t, err)
	assert.Equal(t, 1, picked.Weight)
}

func TestResolverWatchJoinInProgress(t *testing.T) {
	backend := &fakeRegistry{}
	backend.set(map[string][]registry.Endpoint{"fabric": {ep(9000, 1)}})
	r := newTestResolver(backend)
	ctx := context.Background()

	r.sync(ctx)

	watch := r.Watch()
	assertNoChange(t, watch)

	backend.set(map[string][]registry.Endpoint{"fabric": {ep(9000, 1), ep(9001, 1)}})
	r.sync(ctx)
	change := collectChange(t, watch)
	assert.Equal(t, []registry.Endpoint{ep(9001, 1)}, change.Added)
}

func TestResolverStartStop(t *testing.T) {
	backend := &fakeRegistry{}
	backend.set(map[string][]registry.Endpoint{"fabric": {ep(9000, 1)}})
	r := newTestResolver(backend)

	r.Start(context.Background())
	require.Eventually(t, func() bool {
		_, err := r.Discover("fabric")
		return err == nil
	}, time.Second, time.Millisecond)

	// The ticker keeps folding in backend updates.
	backend.set(map[string][]registry.Endpoint{"fabric": {ep(9005, 1)}})
	require.Eventually(t, func() bool {
		picked, err := r.Discover("fabric")
		return err == nil && picked.Port == 9005
	}, time.Second, time.Millisecond)

	r.Stop()
	r.Stop()

	// The snapshot stays answerable after Stop.
	_, err := r.Discover("fabric")
	require.NoError(t, err)
}
