package metrics

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	ready atomic.Bool
}

func (f *fakeSource) Ready() bool { return f.ready.Load() }

func TestReadyServer_makeResponse(t *testing.T) {
	log := zerolog.Nop()
	rs := NewReadyServer(&log)

	// No components registered yet.
	code, ready, waiting := rs.makeResponse()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Empty(t, ready)
	assert.Empty(t, waiting)

	fabric := &fakeSource{}
	registry := &fakeSource{}
	rs.Register("fabric", fabric)
	rs.Register("registry", registry)

	code, ready, waiting = rs.makeResponse()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Empty(t, ready)
	assert.Equal(t, []string{"fabric", "registry"}, waiting)

	fabric.ready.Store(true)
	code, ready, waiting = rs.makeResponse()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, []string{"fabric"}, ready)
	assert.Equal(t, []string{"registry"}, waiting)

	registry.ready.Store(true)
	code, ready, waiting = rs.makeResponse()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"fabric", "registry"}, ready)
	assert.Empty(t, waiting)
}

func TestReadyServerHTTP(t *testing.T) {
	log := zerolog.Nop()
	rs := NewReadyServer(&log)
	source := &fakeSource{}
	rs.Register("fabric", source)

	rec := httptest.NewRecorder()
	rs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	source.ready.Store(true)
	rec = httptest.NewRecorder()
	rs.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body readyBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusOK, body.Status)
	assert.Equal(t, []string{"fabric"}, body.Ready)
	assert.Empty(t, body.Waiting)
}

func TestReadyServerReplacesSource(t *testing.T) {
	log := zerolog.Nop()
	rs := NewReadyServer(&log)

	stale := &fakeSource{}
	rs.Register("fabric", stale)
	fresh := &fakeSource{}
	fresh.ready.Store(true)
	rs.Register("fabric", fresh)

	code, ready, _ := rs.makeResponse()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, []string{"fabric"}, ready)
}
