package discovery

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace   = "flare"
	discoverySubsystem = "discovery"
)

type discoveryMetrics struct {
	syncsTotal      prometheus.Counter
	syncErrorsTotal prometheus.Counter
	knownEndpoints  prometheus.Gauge
}

func initDiscoveryMetrics() *discoveryMetrics {
	syncsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: discoverySubsystem,
		Name:      "syncs_total",
		Help:      "Number of successful registry syncs",
	})
	syncErrorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: discoverySubsystem,
		Name:      "sync_errors_total",
		Help:      "Number of registry syncs that failed",
	})
	knownEndpoints := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Subsystem: discoverySubsystem,
		Name:      "known_endpoints",
		Help:      "Endpoints currently held in the snapshot across all services",
	})
	prometheus.MustRegister(
		syncsTotal,
		syncErrorsTotal,
		knownEndpoints,
	)
	return &discoveryMetrics{
		syncsTotal:      syncsTotal,
		syncErrorsTotal: syncErrorsTotal,
		knownEndpoints:  knownEndpoints,
	}
}

var discoveryMetricsInternal struct {
	sync.Once
	metrics *discoveryMetrics
}

func newDiscoveryMetrics() *discoveryMetrics {
	discoveryMetricsInternal.Do(func() {
		discoveryMetricsInternal.metrics = initDiscoveryMetrics()
	})
	return discoveryMetricsInternal.metrics
}
