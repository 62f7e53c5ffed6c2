// Package metrics exposes Prometheus collectors for the frontier service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	bufferEntriesTotal         *prometheus.CounterVec
	nextTotal                  *prometheus.CounterVec
	refillQueriesTotal         *prometheus.CounterVec
	refillDocsTotal            prometheus.Counter
	refillAlreadyBufferedTotal prometheus.Counter
	refillDroppedTotal         *prometheus.CounterVec
	refillQueryDurationSeconds prometheus.Histogram
	rateLimitDelaySeconds      prometheus.Histogram
	reseedsTotal               *prometheus.CounterVec
	activePartitions           prometheus.Gauge
	outcomesTotal              *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		bufferEntriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_buffer_entries_total",
				Help: "URLs offered to the buffer, labeled by result (added or duplicate).",
			},
			[]string{"result"},
		)

		nextTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_next_total",
				Help: "Calls to retrieve the next URL, labeled by result (served or empty).",
			},
			[]string{"result"},
		)

		refillQueriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_refill_queries_total",
				Help: "Refill queries issued against the status store, labeled by result.",
			},
			[]string{"result"},
		)

		refillDocsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_refill_docs_total",
				Help: "Rows returned by refill queries.",
			},
		)

		refillAlreadyBufferedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "frontier_refill_already_buffered_total",
				Help: "Rows returned by refill queries that were already in the buffer.",
			},
		)

		refillDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_refill_dropped_total",
				Help: "Refill requests or results discarded, labeled by reason.",
			},
			[]string{"reason"},
		)

		refillQueryDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "frontier_refill_query_duration_seconds",
				Help:    "Histogram of refill query latencies.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "frontier_refill_rate_limit_delay_seconds",
				Help:    "Time refill queries spent waiting on the per-partition rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
		)

		reseedsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_reseeds_total",
				Help: "Aggregation reseeds, labeled by result.",
			},
			[]string{"result"},
		)

		activePartitions = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "frontier_active_partitions",
				Help: "Partitions tracked by the refill controller after the last reseed.",
			},
		)

		outcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "frontier_outcomes_total",
				Help: "Fetch outcomes reported by callers, labeled by status.",
			},
			[]string{"status"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveBufferAdd records whether an offered URL was admitted.
func ObserveBufferAdd(added bool) {
	Init()
	if added {
		bufferEntriesTotal.WithLabelValues("added").Inc()
		return
	}
	bufferEntriesTotal.WithLabelValues("duplicate").Inc()
}

// ObserveNext records one retrieval attempt.
func ObserveNext(served bool) {
	Init()
	if served {
		nextTotal.WithLabelValues("served").Inc()
		return
	}
	nextTotal.WithLabelValues("empty").Inc()
}

// ObserveRefill records a completed refill query.
func ObserveRefill(docs, alreadyBuffered int, duration time.Duration) {
	Init()
	refillQueriesTotal.WithLabelValues("ok").Inc()
	refillDocsTotal.Add(float64(docs))
	refillAlreadyBufferedTotal.Add(float64(alreadyBuffered))
	refillQueryDurationSeconds.Observe(duration.Seconds())
}

// ObserveRefillError records a failed refill query.
func ObserveRefillError() {
	Init()
	refillQueriesTotal.WithLabelValues("error").Inc()
}

// ObserveRefillDropped records a refill request or result that was discarded.
func ObserveRefillDropped(reason string) {
	Init()
	refillDroppedTotal.WithLabelValues(reason).Inc()
}

// ObserveRateLimitDelay records a wait imposed by the per-partition limiter.
func ObserveRateLimitDelay(d time.Duration) {
	Init()
	rateLimitDelaySeconds.Observe(d.Seconds())
}

// ObserveReseed records an aggregation reseed and the resulting active set size.
func ObserveReseed(err error, active int) {
	Init()
	if err != nil {
		reseedsTotal.WithLabelValues("error").Inc()
		return
	}
	reseedsTotal.WithLabelValues("ok").Inc()
	activePartitions.Set(float64(active))
}

// ObserveOutcome increments the outcome counter for the given status.
func ObserveOutcome(status string) {
	Init()
	outcomesTotal.WithLabelValues(status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
