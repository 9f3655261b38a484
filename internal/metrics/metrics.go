// Package metrics exposes Prometheus collectors for the scraping engine.
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
	jobsTotal                  *prometheus.CounterVec
	jobDurationSeconds         prometheus.Histogram
	activeJobs                 prometheus.Gauge
	fetchErrorsTotal           *prometheus.CounterVec
	recordsTotal               *prometheus.CounterVec
	rateLimitWaitSeconds       *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grant_jobs_total",
				Help: "Total number of scrape jobs finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		jobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "grant_job_duration_seconds",
				Help:    "Histogram of scrape job wall-clock durations, retries included.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		activeJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "grant_active_jobs",
				Help: "Number of jobs currently holding a concurrency slot.",
			},
		)

		fetchErrorsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grant_fetch_errors_total",
				Help: "Total failed job attempts, labeled by engine and error kind.",
			},
			[]string{"engine", "kind"},
		)

		recordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "grant_records_total",
				Help: "Total ingested records, labeled by result (inserted, updated, skipped).",
			},
			[]string{"result"},
		)

		rateLimitWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "grant_rate_limit_wait_seconds",
				Help:    "Histogram of rate limiter wait durations per source.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"source"},
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

// ObserveJob records a finished job.
func ObserveJob(status string, duration time.Duration) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
	jobDurationSeconds.Observe(duration.Seconds())
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	Init()
	activeJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	Init()
	activeJobs.Dec()
}

// ObserveAttemptError counts a failed attempt.
func ObserveAttemptError(engine, kind string) {
	Init()
	fetchErrorsTotal.WithLabelValues(engine, kind).Inc()
}

// ObserveRecords adds ingestion counts.
func ObserveRecords(inserted, updated, skipped int) {
	Init()
	if inserted > 0 {
		recordsTotal.WithLabelValues("inserted").Add(float64(inserted))
	}
	if updated > 0 {
		recordsTotal.WithLabelValues("updated").Add(float64(updated))
	}
	if skipped > 0 {
		recordsTotal.WithLabelValues("skipped").Add(float64(skipped))
	}
}

// ObserveRateLimitWait records how long a source waited for its permit.
func ObserveRateLimitWait(sourceID string, d time.Duration) {
	Init()
	rateLimitWaitSeconds.WithLabelValues(sourceID).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
