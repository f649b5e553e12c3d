package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the chat backend.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal      *prometheus.CounterVec
	ExecutionDuration    prometheus.Histogram
	ExecutionCost        prometheus.Counter
	SandboxesCreated     prometheus.Counter
	SandboxesSwept       prometheus.Counter
	ActiveSandboxes      prometheus.Gauge
	EmbeddingCacheHits   prometheus.Counter
	EmbeddingCacheMisses prometheus.Counter
	RetrievalDuration    prometheus.Histogram
	ChatTurnsTotal       *prometheus.CounterVec
	RequestsInFlight     prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shellchat",
				Name:      "executions_total",
				Help:      "Total number of sandbox command executions by status.",
			},
			[]string{"status"},
		),

		ExecutionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "shellchat",
				Name:      "execution_duration_seconds",
				Help:      "Duration of sandbox command executions in seconds.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900},
			},
		),

		ExecutionCost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "shellchat",
				Name:      "execution_cost_total",
				Help:      "Accumulated estimated sandbox cost in dollars.",
			},
		),

		SandboxesCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "shellchat",
				Name:      "sandboxes_created_total",
				Help:      "Total sandboxes created on the hosted provider.",
			},
		),

		SandboxesSwept: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "shellchat",
				Name:      "sandboxes_swept_total",
				Help:      "Total sandboxes reclaimed by the idle sweeper.",
			},
		),

		ActiveSandboxes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "shellchat",
				Name:      "active_sandboxes",
				Help:      "Number of sandboxes currently registered.",
			},
		),

		EmbeddingCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "shellchat",
				Name:      "embedding_cache_hits_total",
				Help:      "Embedding lookups served from the in-process cache.",
			},
		),

		EmbeddingCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "shellchat",
				Name:      "embedding_cache_misses_total",
				Help:      "Embedding lookups that called the provider.",
			},
		),

		RetrievalDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "shellchat",
				Name:      "retrieval_duration_seconds",
				Help:      "Duration of similarity retrieval including embedding.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
		),

		ChatTurnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "shellchat",
				Name:      "chat_turns_total",
				Help:      "Total chat turns by whether they executed a command.",
			},
			[]string{"tool_use"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "shellchat",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionCost,
		m.SandboxesCreated,
		m.SandboxesSwept,
		m.ActiveSandboxes,
		m.EmbeddingCacheHits,
		m.EmbeddingCacheMisses,
		m.RetrievalDuration,
		m.ChatTurnsTotal,
		m.RequestsInFlight,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.Observe(durationSec)
}
