// Package telemetry registers the process-wide Prometheus collectors used
// by the logger middleware (spec.md §4.7.4) and the admin surface.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Buckets matches spec.md §4.7.4 exactly: {0.01, 0.05, 0.25, 1.0, 5.0}.
var Buckets = []float64{0.01, 0.05, 0.25, 1.0, 5.0}

// Metrics holds every collector the gateway registers.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	UpstreamInFlight *prometheus.GaugeVec
	BreakerState     *prometheus.GaugeVec
}

// New builds and registers the collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total requests handled by the gateway, by service/app/upstream/version/status/path.",
		}, []string{"service", "app", "upstream", "version", "status_code", "path"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request latency observed by the logger middleware.",
			Buckets: Buckets,
		}, []string{"service", "app", "upstream", "version"}),

		UpstreamInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_upstream_in_flight",
			Help: "In-flight requests per (service, upstream, version).",
		}, []string{"service", "upstream", "version"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state per origin: 0=closed, 1=half_open, 2=open.",
		}, []string{"service", "upstream"}),
	}

	reg.MustRegister(m.RequestsTotal, m.RequestDuration, m.UpstreamInFlight, m.BreakerState)
	return m
}
