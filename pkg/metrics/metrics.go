// Package metrics defines the Prometheus metric collectors used across the
// engine and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the engine.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	SearchQueriesTotal   *prometheus.CounterVec
	SearchLatency        *prometheus.HistogramVec
	SearchResultsCount   prometheus.Histogram
	CacheHitsTotal       prometheus.Counter
	CacheMissesTotal     prometheus.Counter
	CacheInvalidations   prometheus.Counter
	DocsIndexedTotal     prometheus.Counter
	DocsRemovedTotal     prometheus.Counter
	JobsTotal            *prometheus.CounterVec
	JobQueueDepth        prometheus.Gauge
	JobRetriesTotal      prometheus.Counter
	JobsDeadlettered     prometheus.Counter
	SuggestRequestsTotal *prometheus.CounterVec
	IndexTermCount       prometheus.Gauge
	IndexDocCount        prometheus.Gauge
	CorruptionRepairs    prometheus.Counter
}

// New creates and registers all Prometheus metrics.
func New() *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		SearchQueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "search_queries_total",
				Help: "Total search queries by outcome (ok, zero_result, timeout, malformed, error).",
			},
			[]string{"outcome"},
		),
		SearchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "search_latency_seconds",
				Help:    "Search query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"cache_status"},
		),
		SearchResultsCount: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "search_results_count",
				Help:    "Number of results returned per search query.",
				Buckets: []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_hits_total",
				Help: "Total number of query cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_misses_total",
				Help: "Total number of query cache misses.",
			},
		),
		CacheInvalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_invalidations_total",
				Help: "Total number of cache entries invalidated by index writes.",
			},
		),
		DocsIndexedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docs_indexed_total",
				Help: "Total documents indexed.",
			},
		),
		DocsRemovedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "docs_removed_total",
				Help: "Total documents removed from the index.",
			},
		),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "index_jobs_total",
				Help: "Total indexing jobs by terminal state.",
			},
			[]string{"state"},
		),
		JobQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_job_queue_depth",
				Help: "Current depth of the indexing job queue.",
			},
		),
		JobRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_job_retries_total",
				Help: "Total indexing job retry attempts.",
			},
		),
		JobsDeadlettered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_jobs_deadlettered_total",
				Help: "Total jobs that exhausted their retry budget.",
			},
		),
		SuggestRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "suggest_requests_total",
				Help: "Total suggestion requests by kind (autocomplete, spelling).",
			},
			[]string{"kind"},
		),
		IndexTermCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_term_count",
				Help: "Number of distinct terms in the index.",
			},
		),
		IndexDocCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "index_doc_count",
				Help: "Number of live documents in the index.",
			},
		),
		CorruptionRepairs: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "index_corruption_repairs_total",
				Help: "Total targeted postings rebuilds triggered by invariant violations.",
			},
		),
	}

	prometheus.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.SearchQueriesTotal,
		m.SearchLatency,
		m.SearchResultsCount,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidations,
		m.DocsIndexedTotal,
		m.DocsRemovedTotal,
		m.JobsTotal,
		m.JobQueueDepth,
		m.JobRetriesTotal,
		m.JobsDeadlettered,
		m.SuggestRequestsTotal,
		m.IndexTermCount,
		m.IndexDocCount,
		m.CorruptionRepairs,
	)

	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
