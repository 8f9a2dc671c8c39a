// Package metrics exposes Prometheus collectors for the acquisition pipeline.
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
	tierAttemptsTotal          *prometheus.CounterVec
	tierDurationSeconds        *prometheus.HistogramVec
	cacheLookupsTotal          *prometheus.CounterVec
	extractionsTotal           *prometheus.CounterVec
	batchItemsTotal            *prometheus.CounterVec
	fetchedBytesTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	robotsFallbacksTotal       *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tierAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedpipe_tier_attempts_total",
				Help: "Total number of retrieval tier attempts, labeled by tier and outcome.",
			},
			[]string{"tier", "outcome"},
		)

		tierDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feedpipe_tier_duration_seconds",
				Help:    "Histogram of retrieval tier latencies, labeled by tier.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"tier"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedpipe_cache_lookups_total",
				Help: "Total number of dedup cache lookups, labeled by cache and result.",
			},
			[]string{"cache", "result"},
		)

		extractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedpipe_extractions_total",
				Help: "Total number of extractions, labeled by matched strategy.",
			},
			[]string{"strategy"},
		)

		batchItemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedpipe_batch_items_total",
				Help: "Total number of batch items processed, labeled by governor mode.",
			},
			[]string{"mode"},
		)

		fetchedBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedpipe_fetched_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
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

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "feedpipe_rate_limit_delay_seconds",
				Help:    "Histogram of per-domain rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		robotsFallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "feedpipe_robots_fallbacks_total",
				Help: "Total number of robots.txt fetches that timed out and fell back to allow-all.",
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

// ObserveTierAttempt records one retrieval tier attempt.
func ObserveTierAttempt(tier, outcome string, duration time.Duration) {
	Init()
	tierAttemptsTotal.WithLabelValues(tier, outcome).Inc()
	tierDurationSeconds.WithLabelValues(tier).Observe(duration.Seconds())
}

// ObserveFetchedBytes adds the body size of a fetch to the site counter.
func ObserveFetchedBytes(site string, n int) {
	if n <= 0 {
		return
	}
	Init()
	fetchedBytesTotal.WithLabelValues(SanitizeSite(site)).Add(float64(n))
}

// ObserveCacheLookup records a dedup cache lookup result.
func ObserveCacheLookup(cache, result string) {
	Init()
	cacheLookupsTotal.WithLabelValues(cache, result).Inc()
}

// ObserveExtraction records which strategy an extraction matched.
func ObserveExtraction(strategy string) {
	Init()
	extractionsTotal.WithLabelValues(strategy).Inc()
}

// ObserveBatchItems adds n processed items for the given governor mode.
func ObserveBatchItems(mode string, n int) {
	Init()
	batchItemsTotal.WithLabelValues(mode).Add(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFallback records a robots.txt fetch that fell back to allow-all.
func ObserveRobotsFallback(domain string) {
	Init()
	robotsFallbacksTotal.WithLabelValues(strings.ToLower(domain)).Inc()
}
