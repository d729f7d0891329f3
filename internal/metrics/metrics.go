// Package metrics exposes Prometheus collectors for the request path.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the gateway collectors, registered on one registry so
// tests can run isolated instances.
type Metrics struct {
	Registry *prometheus.Registry

	requestsTotal  *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	ttft           *prometheus.HistogramVec
	tokensTotal    *prometheus.CounterVec
	activeRequests prometheus.Gauge
}

// New builds and registers the collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccgw",
			Name:      "requests_total",
			Help:      "Requests handled, by endpoint, provider, model, and status code.",
		}, []string{"endpoint", "provider", "model", "status"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ccgw",
			Name:      "request_duration_seconds",
			Help:      "End-to-end request latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"endpoint", "provider"}),
		ttft: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ccgw",
			Name:      "time_to_first_token_seconds",
			Help:      "Time from request start to first streamed token.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider", "model"}),
		tokensTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ccgw",
			Name:      "tokens_total",
			Help:      "Tokens consumed, by direction (input/output) and provider.",
		}, []string{"direction", "provider", "model"}),
		activeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ccgw",
			Name:      "active_requests",
			Help:      "Requests currently in flight.",
		}),
	}
}

// RequestStarted increments the in-flight gauge.
func (m *Metrics) RequestStarted() { m.activeRequests.Inc() }

// RequestFinished records the terminal observation for one request.
func (m *Metrics) RequestFinished(endpoint, provider, model string, status int, latency time.Duration) {
	m.activeRequests.Dec()
	m.requestsTotal.WithLabelValues(endpoint, provider, model, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(endpoint, provider).Observe(latency.Seconds())
}

// FirstToken records the streaming TTFT.
func (m *Metrics) FirstToken(provider, model string, ttft time.Duration) {
	m.ttft.WithLabelValues(provider, model).Observe(ttft.Seconds())
}

// Tokens records consumed tokens after usage is known.
func (m *Metrics) Tokens(provider, model string, input, output int) {
	if input > 0 {
		m.tokensTotal.WithLabelValues("input", provider, model).Add(float64(input))
	}
	if output > 0 {
		m.tokensTotal.WithLabelValues("output", provider, model).Add(float64(output))
	}
}
