// Package metrics exposes the proxy's Prometheus instrumentation. All
// increments are fire-and-forget: metric emission never blocks or fails the
// request path.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "llmrelay"

// latencyBuckets covers sub-second overhead through multi-minute LLM calls.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0, 300.0,
}

var (
	// RequestsTotal counts client requests by endpoint and response status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total client requests",
		},
		[]string{"endpoint", "status"},
	)

	// ProviderRequestsTotal counts upstream attempts by outcome.
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total upstream provider attempts",
		},
		[]string{"provider", "model", "outcome"},
	)

	// FallbacksTotal counts candidate advances and their trigger.
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Total fallbacks to a later candidate",
		},
		[]string{"alias", "reason"},
	)

	// RequestDuration tracks end-to-end client request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency in seconds",
			Buckets:   latencyBuckets,
		},
		[]string{"endpoint"},
	)
)

// RecordRequest observes one finished client request.
func RecordRequest(endpoint, status string, latency time.Duration) {
	RequestsTotal.WithLabelValues(endpoint, status).Inc()
	RequestDuration.WithLabelValues(endpoint).Observe(latency.Seconds())
}

// RecordAttempt observes one upstream attempt.
func RecordAttempt(provider, model, outcome string) {
	ProviderRequestsTotal.WithLabelValues(provider, model, outcome).Inc()
}

// RecordFallback observes one candidate advance.
func RecordFallback(alias, reason string) {
	FallbacksTotal.WithLabelValues(alias, reason).Inc()
}
