// Package metrics holds the Prometheus instruments shared by the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UnitsIndexed counts units written to the vector index.
	UnitsIndexed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lawbridge_units_indexed_total",
		Help: "Total units embedded and written to the index",
	})

	// UnitsRemoved counts units removed with their documents.
	UnitsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lawbridge_units_removed_total",
		Help: "Total units removed from the index",
	})

	// EmbedDuration tracks latency of one embedding batch.
	EmbedDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lawbridge_embed_batch_duration_seconds",
		Help:    "Embedding batch duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	})

	// SearchDuration tracks retrieval latency by method.
	SearchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lawbridge_search_duration_seconds",
		Help:    "Retrieval duration in seconds by method",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"method"})

	// IndexConsistencyRepairs counts self-healing rebuilds.
	IndexConsistencyRepairs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lawbridge_index_consistency_repairs_total",
		Help: "Index rebuilds triggered by a detected inconsistency",
	})

	// Resolutions counts mapping lookups by tier and outcome.
	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lawbridge_mapping_resolutions_total",
		Help: "Mapping resolutions by tier (curated, derived, on-the-fly, not-found)",
	}, []string{"tier"})

	// Answers counts composed answers by status.
	Answers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lawbridge_answers_total",
		Help: "Composed answers by status",
	}, []string{"status"})

	// StrippedCitations counts citation markers removed by the post-check.
	StrippedCitations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lawbridge_stripped_citations_total",
		Help: "Citations stripped because they did not match a retrieved unit",
	})

	// GenerationDuration tracks generative calls by outcome.
	GenerationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lawbridge_generation_duration_seconds",
		Help:    "Generative call duration in seconds by result",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"result"})

	// HTTPRequests counts API requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lawbridge_http_requests_total",
		Help: "HTTP API requests by route pattern and status code",
	}, []string{"route", "code"})
)
