package client

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricsNamespace = "flare"
	clientSubsystem  = "client"
)

type clientMetrics struct {
	connected         prometheus.Gauge
	connectsTotal     prometheus.Counter
	connectFailures   prometheus.Counter
	reconnectAttempts prometheus.Counter
	messagesSent      prometheus.Counter
	messagesReceived  prometheus.Counter
}

func initClientMetrics() *clientMetrics {
	connected := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: clientSubsystem,
			Name:      "connected",
			Help:      "1 while the client is authenticated, 0 otherwise",
		},
	)
	connectsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: clientSubsystem,
			Name:      "connects_total",
			Help:      "Number of completed connect and login handshakes",
		},
	)
	connectFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: clientSubsystem,
			Name:      "connect_failures_total",
			Help:      "Number of connection attempts that failed to dial or authenticate",
		},
	)
	reconnectAttempts := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: clientSubsystem,
			Name:      "reconnect_attempts_total",
			Help:      "Number of reconnection attempts after a lost link",
		},
	)
	messagesSent := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: clientSubsystem,
			Name:      "messages_sent_total",
			Help:      "Number of messages written to the transport",
		},
	)
	messagesReceived := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: clientSubsystem,
			Name:      "messages_received_total",
			Help:      "Number of messages read off the transport",
		},
	)

	prometheus.MustRegister(
		connected,
		connectsTotal,
		connectFailures,
		reconnectAttempts,
		messagesSent,
		messagesReceived,
	)

	return &clientMetrics{
		connected:         connected,
		connectsTotal:     connectsTotal,
		connectFailures:   connectFailures,
		reconnectAttempts: reconnectAttempts,
		messagesSent:      messagesSent,
		messagesReceived:  messagesReceived,
	}
}

var clientMetricsInternal struct {
	sync.Once
	metrics *clientMetrics
}

func newClientMetrics() *clientMetrics {
	clientMetricsInternal.Do(func() {
		clientMetricsInternal.metrics = initClientMetrics()
	})
	return clientMetricsInternal.metrics
}
