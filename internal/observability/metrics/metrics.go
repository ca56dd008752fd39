package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Lifecycle counters and histograms, partitioned by network name.

var (
	LifecycleOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opensafe",
		Subsystem: "lifecycle",
		Name:      "operations_total",
		Help:      "Lifecycle operations by outcome",
	}, []string{"operation", "network", "outcome"})

	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opensafe",
		Subsystem: "lifecycle",
		Name:      "status_transitions_total",
		Help:      "Persisted transaction status changes",
	}, []string{"network", "status"})

	ConfirmationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "opensafe",
		Subsystem: "lifecycle",
		Name:      "confirmation_duration_seconds",
		Help:      "Time from broadcast to receipt",
		Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120, 300},
	}, []string{"network"})

	RemoteRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opensafe",
		Subsystem: "remote",
		Name:      "requests_total",
		Help:      "Remote store requests by endpoint and outcome",
	}, []string{"endpoint", "outcome"})

	RemoteCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "opensafe",
		Subsystem: "remote",
		Name:      "cache_hits_total",
		Help:      "Remote payloads served from the cache",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opensafe",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests processed",
	}, []string{"handler", "method", "code"})

	HTTPRequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "opensafe",
		Subsystem: "http",
		Name:      "request_errors_total",
		Help:      "HTTP requests that resulted in a server error",
	}, []string{"handler", "method"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "opensafe",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"handler", "method"})
)

// Outcome labels.
const (
	OutcomeOK        = "ok"
	OutcomeError     = "error"
	OutcomeUncertain = "uncertain"
)

// ObserveOperation counts one lifecycle call.
func ObserveOperation(operation, network string, err error) {
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	LifecycleOperations.WithLabelValues(operation, network, outcome).Inc()
}
