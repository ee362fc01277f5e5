package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for relay requests
const (
	outcomeSuccess   = "success"
	outcomeNoSession = "no_session"
	outcomeRejected  = "rejected"
	outcomeInvalid   = "invalid"
	outcomeUpstream  = "upstream_error"
)

// Metrics holds the relay's Prometheus collectors. Each Metrics owns its own
// registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	coalesced        prometheus.Counter
}

// NewMetrics creates and registers the relay collectors
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sso_relay",
			Name:      "requests_total",
			Help:      "Relay endpoint requests by endpoint and outcome.",
		}, []string{"endpoint", "outcome"}),
		providerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "sso_relay",
			Name:      "provider_request_duration_seconds",
			Help:      "Latency of identity provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		coalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sso_relay",
			Name:      "refresh_coalesced_total",
			Help:      "Session fetches that shared an in-flight refresh of the same token.",
		}),
	}
	m.registry.MustRegister(
		m.requests,
		m.providerDuration,
		m.coalesced,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) observeRequest(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) observeProvider(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.providerDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) observeCoalesced() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}
