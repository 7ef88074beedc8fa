package scrape

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the fetch layer.
type Metrics struct {
	Registry          *prometheus.Registry
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   prometheus.Histogram
	RetriesTotal      prometheus.Counter
	ErrorsTotal       *prometheus.CounterVec
	CircuitRejections *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricetrack_scrape_requests_total",
			Help: "Total fetch requests issued to the browser automation service.",
		},
		[]string{"outcome"},
	)
	requestDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pricetrack_scrape_request_duration_seconds",
			Help:    "Latency of browser automation fetches.",
			Buckets: prometheus.DefBuckets,
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pricetrack_scrape_retries_total",
			Help: "Total retry attempts scheduled.",
		},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricetrack_scrape_errors_total",
			Help: "Total fetch errors by type.",
		},
		[]string{"error_type"},
	)
	circuitRejections := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pricetrack_circuit_rejections_total",
			Help: "Calls rejected without a network attempt because a circuit was open.",
		},
		[]string{"circuit"},
	)

	registry.MustRegister(requests, requestDuration, retries, errorsTotal, circuitRejections)

	return &Metrics{
		Registry:          registry,
		RequestsTotal:     requests,
		RequestDuration:   requestDuration,
		RetriesTotal:      retries,
		ErrorsTotal:       errorsTotal,
		CircuitRejections: circuitRejections,
	}
}

// IncRequest increments the requests counter for an outcome label.
func (m *Metrics) IncRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDuration records a fetch duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncCircuitRejection counts a fail-fast rejection by circuit name.
func (m *Metrics) IncCircuitRejection(circuit string) {
	if m == nil {
		return
	}
	m.CircuitRejections.WithLabelValues(circuit).Inc()
}
