// Package metrics exposes the Prometheus families recorded by the routing
// core. All components receive a *Registry; tests construct a fresh one so
// collectors never collide on the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal  *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	CostUSD        *prometheus.CounterVec
	TokensTotal    *prometheus.CounterVec
	CacheEvents    *prometheus.CounterVec
	RateLimited    *prometheus.CounterVec
	QuotaRejected  *prometheus.CounterVec
	APIKeyUsage    *prometheus.CounterVec
	CircuitState   *prometheus.GaugeVec
	FallbackDepth  prometheus.Histogram
	StreamCancels  prometheus.Counter
	ModelsLoaded   prometheus.Gauge
	SinkDropped    prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrouter_requests_total",
			Help: "Total requests routed through the gateway",
		}, []string{"strategy", "model", "provider", "outcome"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmrouter_request_latency_ms",
			Help:    "Request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 12),
		}, []string{"strategy", "model", "provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrouter_cost_usd_total",
			Help: "Accumulated USD cost",
		}, []string{"model", "provider", "tenant"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrouter_tokens_total",
			Help: "Prompt and completion tokens served",
		}, []string{"model", "direction"}),
		CacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrouter_cache_events_total",
			Help: "Cache hits, misses and evictions",
		}, []string{"event"}),
		RateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrouter_rate_limited_total",
			Help: "Admissions rejected by the rate limiter",
		}, []string{"scope"}),
		QuotaRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrouter_quota_rejected_total",
			Help: "Requests rejected by tenant quota",
		}, []string{"tenant", "kind"}),
		APIKeyUsage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmrouter_api_key_usage_total",
			Help: "Successful API key validations per key",
		}, []string{"key_id"}),
		CircuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llmrouter_circuit_state",
			Help: "Circuit state per adapter+operation (0 closed, 1 half-open, 2 open)",
		}, []string{"adapter", "operation"}),
		FallbackDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "llmrouter_fallback_depth",
			Help:    "Fallback chain depth reached per request",
			Buckets: []float64{0, 1, 2, 3, 4, 5},
		}),
		StreamCancels: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llmrouter_stream_cancellations_total",
			Help: "Streams terminated by client cancellation",
		}),
		ModelsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "llmrouter_models_loaded",
			Help: "Models currently loaded in the registry",
		}),
		SinkDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "llmrouter_sink_dropped_total",
			Help: "Metric samples dropped due to sink backpressure",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestLatency, m.CostUSD, m.TokensTotal,
		m.CacheEvents, m.RateLimited, m.QuotaRejected, m.APIKeyUsage, m.CircuitState,
		m.FallbackDepth, m.StreamCancels, m.ModelsLoaded, m.SinkDropped,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
