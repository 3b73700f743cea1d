// Package metrics exposes Prometheus collectors for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the gateway's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	ProviderErrors *prometheus.CounterVec
	SpendUSD       *prometheus.CounterVec
	RouteLatency   prometheus.Histogram
}

// New creates and registers the gateway collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spendroute_requests_total",
			Help: "Routed requests by provider, tier, and outcome.",
		}, []string{"provider", "tier", "outcome"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spendroute_cache_hits_total",
			Help: "Response cache hits, including coalesced in-flight joins.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spendroute_cache_misses_total",
			Help: "Response cache misses.",
		}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spendroute_provider_errors_total",
			Help: "Backend attempt failures by provider and kind.",
		}, []string{"provider", "kind"}),
		SpendUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spendroute_spend_usd_total",
			Help: "Accumulated spend in USD by tenant.",
		}, []string{"tenant"}),
		RouteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spendroute_route_latency_seconds",
			Help:    "End-to-end routing latency including backend time.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		m.RequestsTotal, m.CacheHits, m.CacheMisses,
		m.ProviderErrors, m.SpendUSD, m.RouteLatency,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
