// Package metrics defines the prometheus collectors of the proxy.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vhost_proxy"

// Routing outcomes recorded by the proxy.
const (
	OutcomeForwarded       = "forwarded"
	OutcomeNotFound        = "not_found"
	OutcomeNoPort          = "no_port"
	OutcomeBackendError    = "backend_error"
	OutcomeUpgradeRejected = "upgrade_rejected"
	OutcomeRateLimited     = "rate_limited"
)

var (
	routedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routed_requests_total",
			Help:      "Count of inbound requests by routing outcome.",
		},
		[]string{"outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent serving inbound requests, by status class.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"code"},
	)
	registrySize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_entries",
			Help:      "Number of services currently in the routing table.",
		},
	)
	eventCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_events_total",
			Help:      "Count of container lifecycle events handled, by action and result.",
		},
		[]string{"action", "result"},
	)
	reconnectCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_stream_reconnects_total",
			Help:      "Count of reconnects to the container runtime event stream.",
		},
	)
)

var registerMetrics sync.Once

// Register all metrics with the default prometheus registerer.
func Register() {
	registerMetrics.Do(func() {
		prometheus.MustRegister(routedCounter)
		prometheus.MustRegister(requestDuration)
		prometheus.MustRegister(registrySize)
		prometheus.MustRegister(eventCounter)
		prometheus.MustRegister(reconnectCounter)
	})
}

// RecordRouted records one routing decision.
func RecordRouted(outcome string) {
	routedCounter.WithLabelValues(outcome).Inc()
}

// RecordRequestDuration records the latency of one inbound request.
func RecordRequestDuration(code string, d time.Duration) {
	requestDuration.WithLabelValues(code).Observe(d.Seconds())
}

// SetRegistrySize sets the routing table size gauge.
func SetRegistrySize(n int) {
	registrySize.Set(float64(n))
}

// RecordEvent records a handled lifecycle event.
func RecordEvent(action, result string) {
	eventCounter.WithLabelValues(action, result).Inc()
}

// RecordReconnect records a reconnect to the event stream.
func RecordReconnect() {
	reconnectCounter.Inc()
}
