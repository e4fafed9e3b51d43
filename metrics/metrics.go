// Package metrics exposes the operational HTTP surface of a fabric process:
// the Prometheus scrape endpoint, a liveness ping, a readiness probe and the
// pprof handlers.
package metrics

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"
	"runtime"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	shutdownTimeout = time.Second * 15
	startupTime     = time.Millisecond * 500

	readTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// ServeMetrics serves the operational endpoints on l until shutdownC closes.
// readyServer may be nil, in which case /ready always answers 503.
func ServeMetrics(l net.Listener, shutdownC <-chan struct{}, readyServer *ReadyServer, log *zerolog.Logger) (err error) {
	var wg sync.WaitGroup
	// The maximum time we can profile CPU usage depends on WriteTimeout.
	server := &http.Server{
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		Handler:      newHandler(readyServer),
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		err = server.Serve(l)
	}()
	log.Info().Stringer("addr", l.Addr()).Msg("Starting metrics server")
	// server.Serve will hang if server.Shutdown is called before the server is
	// fully started up. So add artificial delay.
	time.Sleep(startupTime)

	<-shutdownC
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	_ = server.Shutdown(ctx)
	cancel()

	wg.Wait()
	if err == http.ErrServerClosed {
		log.Info().Msg("Metrics server stopped")
		return nil
	}
	log.Error().Err(err).Msg("Metrics server quit with error")
	return err
}

func newHandler(readyServer *ReadyServer) http.Handler {
	router := chi.NewRouter()
	router.Get("/ping", ping)
	router.Handle("/metrics", promhttp.Handler())
	if readyServer != nil {
		router.Handle("/ready", readyServer)
	} else {
		router.Get("/ready", notReady)
	}
	// pprof.Index dispatches the named profiles (heap, goroutine, ...) itself.
	router.HandleFunc("/debug/pprof/", pprof.Index)
	router.HandleFunc("/debug/pprof/{name}", pprof.Index)
	router.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	router.HandleFunc("/debug/pprof/profile", pprof.Profile)
	router.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	router.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return router
}

func ping(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func notReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusServiceUnavailable)
}

// RegisterBuildInfo publishes the process build details as a constant gauge.
func RegisterBuildInfo(buildTime string, version string) {
	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			// build_info is not namespaced so dashboards can join it across services.
			Name: "build_info",
			Help: "Build and version information",
		},
		[]string{"goversion", "revision", "version"},
	)
	prometheus.MustRegister(buildInfo)
	buildInfo.WithLabelValues(runtime.Version(), buildTime, version).Set(1)
}
