package server

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flare152/flare/metrics"
)

const (
	metricsNamespace = "flare"
	serverSubsystem  = "server"
)

type serverMetrics struct {
	activeConnections  prometheus.Gauge
	acceptedTotal      prometheus.Counter
	authenticatedTotal prometheus.Counter
	authFailuresTotal  prometheus.Counter
	deliveredTotal     prometheus.Counter
	pushFailuresTotal  prometheus.Counter
	evictionsTotal     prometheus.Counter
	dispatchTimer      *metrics.Timer
}

func initServerMetrics() *serverMetrics {
	activeConnections := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: serverSubsystem,
			Name:      "active_connections",
			Help:      "Number of authenticated connections currently tracked",
		},
	)
	acceptedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: serverSubsystem,
			Name:      "connections_accepted_total",
			Help:      "Number of transport connections accepted",
		},
	)
	authenticatedTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: serverSubsystem,
			Name:      "connections_authenticated_total",
			Help:      "Number of connections that completed the login handshake",
		},
	)
	authFailuresTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: serverSubsystem,
			Name:      "auth_failures_total",
			Help:      "Number of failed login handshakes",
		},
	)
	deliveredTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: serverSubsystem,
			Name:      "messages_delivered_total",
			Help:      "Number of messages pushed to clients",
		},
	)
	pushFailuresTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: serverSubsystem,
			Name:      "push_failures_total",
			Help:      "Number of pushes that failed on the transport",
		},
	)
	evictionsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: serverSubsystem,
			Name:      "watchdog_evictions_total",
			Help:      "Number of connections evicted for missing heartbeats",
		},
	)
	dispatchLatency := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: serverSubsystem,
			Name:      "dispatch_latency_ms",
			Help:      "Handler latency per command, in milliseconds",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"command"},
	)

	prometheus.MustRegister(
		activeConnections,
		acceptedTotal,
		authenticatedTotal,
		authFailuresTotal,
		deliveredTotal,
		pushFailuresTotal,
		evictionsTotal,
		dispatchLatency,
	)

	return &serverMetrics{
		activeConnections:  activeConnections,
		acceptedTotal:      acceptedTotal,
		authenticatedTotal: authenticatedTotal,
		authFailuresTotal:  authFailuresTotal,
		deliveredTotal:     deliveredTotal,
		pushFailuresTotal:  pushFailuresTotal,
		evictionsTotal:     evictionsTotal,
		dispatchTimer:      metrics.NewTimer(dispatchLatency, time.Millisecond, "command"),
	}
}

var serverMetricsInternal struct {
	sync.Once
	metrics *serverMetrics
}

func newServerMetrics() *serverMetrics {
	serverMetricsInternal.Do(func() {
		serverMetricsInternal.metrics = initServerMetrics()
	})
	return serverMetricsInternal.metrics
}
