// Package metrics exposes Prometheus collectors for the mirror service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ticksTotal                 *prometheus.CounterVec
	itemsTotal                 *prometheus.CounterVec
	rateLimitPausesTotal       prometheus.Counter
	githubRequestsTotal        *prometheus.CounterVec
	jobsTotal                  *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		ticksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitemirror_ticks_total",
				Help: "Total number of ticks, labeled by job type and outcome.",
			},
			[]string{"type", "outcome"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitemirror_items_total",
				Help: "Total number of pages, assets, archive entries, and deploy files processed, labeled by stage and result.",
			},
			[]string{"stage", "result"},
		)

		rateLimitPausesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "sitemirror_rate_limit_pauses_total",
				Help: "Total number of deploy batches paused by remote rate limiting.",
			},
		)

		githubRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitemirror_github_requests_total",
				Help: "Total number of remote API requests, labeled by operation and status code.",
			},
			[]string{"op", "code"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitemirror_jobs_total",
				Help: "Total number of jobs reaching a terminal status, labeled by type and status.",
			},
			[]string{"type", "status"},
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

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitemirror_rate_limit_delays_seconds",
				Help:    "Histogram of client-side pacing waits.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTick counts one tick for the job type with outcome such as "skipped", "idle", or "worked".
func ObserveTick(jobType, outcome string) {
	Init()
	if jobType == "" {
		jobType = "none"
	}
	ticksTotal.WithLabelValues(jobType, outcome).Inc()
}

// ObserveItem counts one processed unit of work in a stage.
func ObserveItem(stage, result string) {
	Init()
	itemsTotal.WithLabelValues(stage, result).Inc()
}

// ObserveRateLimitPause counts a deploy batch paused by the remote.
func ObserveRateLimitPause() {
	Init()
	rateLimitPausesTotal.Inc()
}

// ObserveGitHubRequest counts one remote API call. A code of 0 means a transport failure.
func ObserveGitHubRequest(op string, code int) {
	Init()
	githubRequestsTotal.WithLabelValues(op, strconv.Itoa(code)).Inc()
}

// ObserveJob counts a job reaching a terminal status.
func ObserveJob(jobType, status string) {
	Init()
	jobsTotal.WithLabelValues(jobType, status).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a pacing wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
