package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "orders"

// Metrics holds the Prometheus collectors exported on /metrics. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	webhookEvents *prometheus.CounterVec
	downloads     *prometheus.CounterVec
	gatewayCalls  *prometheus.CounterVec
}

// NewMetrics registers collectors on a private registry so tests can build several instances.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "order_transitions_total",
			Help:      "Order status transitions applied.",
		}, []string{"from", "to"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "webhook_events_total",
			Help:      "Payment webhook events by provider and outcome.",
		}, []string{"provider", "outcome"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "download_redemptions_total",
			Help:      "Download token redemptions by result.",
		}, []string{"result"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gateway_calls_total",
			Help:      "Outbound payment gateway calls by provider, operation and outcome.",
		}, []string{"provider", "operation", "outcome"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.latency, m.transitions, m.webhookEvents, m.downloads, m.gatewayCalls,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveHTTP(route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, status).Inc()
	m.latency.WithLabelValues(route).Observe(float64(elapsed) / float64(time.Millisecond))
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) RecordWebhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) RecordDownload(result string) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordGatewayCall(provider, operation, outcome string) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(provider, operation, outcome).Inc()
}
