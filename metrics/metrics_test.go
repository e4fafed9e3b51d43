package metrics_test

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flare152/flare/metrics"
)

type staticSource bool

func (s staticSource) Ready() bool { return bool(s) }

func TestServeMetricsEndpoints(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	log := zerolog.Nop()
	readyServer := metrics.NewReadyServer(&log)
	readyServer.Register("fabric", staticSource(true))

	shutdownC := make(chan struct{})
	errC := make(chan error, 1)
	go func() {
		errC <- metrics.ServeMetrics(listener, shutdownC, readyServer, &log)
	}()

	base := fmt.Sprintf("http://%s", listener.Addr())
	assert.Equal(t, http.StatusOK, getStatus(t, base+"/ping"))
	assert.Equal(t, http.StatusOK, getStatus(t, base+"/ready"))
	assert.Equal(t, http.StatusOK, getStatus(t, base+"/debug/pprof/cmdline"))

	body := getBody(t, base+"/metrics")
	assert.Contains(t, body, "go_goroutines")

	close(shutdownC)
	select {
	case err := <-errC:
		assert.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("metrics server did not shut down")
	}
}

func TestServeMetricsWithoutReadyServer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	log := zerolog.Nop()
	shutdownC := make(chan struct{})
	errC := make(chan error, 1)
	go func() {
		errC <- metrics.ServeMetrics(listener, shutdownC, nil, &log)
	}()

	base := fmt.Sprintf("http://%s", listener.Addr())
	assert.Equal(t, http.StatusServiceUnavailable, getStatus(t, base+"/ready"))

	close(shutdownC)
	select {
	case err := <-errC:
		assert.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("metrics server did not shut down")
	}
}

func getStatus(t *testing.T, url string) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode
}

func getBody(t *testing.T, url string) string {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}
