// Package metrics exposes Prometheus collectors for the crawl engine.
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
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerDuplicatesTotal        *prometheus.CounterVec
	crawlerRetriesTotal           *prometheus.CounterVec
	crawlerFrontierSize           prometheus.Gauge
	crawlerActiveWorkers          prometheus.Gauge
	crawlerBrowserSessions        *prometheus.GaugeVec
	crawlerBrowserRotationsTotal  *prometheus.CounterVec
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	crawlerStateSavesTotal        *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times; the Observe helpers call
// it themselves.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages processed, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		crawlerDuplicatesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_duplicates_total",
				Help: "Articles skipped as near-duplicates, labeled by category.",
			},
			[]string{"category"},
		)

		crawlerRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_retries_total",
				Help: "Retry attempts, labeled by error kind.",
			},
			[]string{"kind"},
		)

		crawlerFrontierSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_frontier_size",
				Help: "Number of targets waiting in the frontier.",
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a target.",
			},
		)

		crawlerBrowserSessions = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "crawler_browser_sessions",
				Help: "Browser sessions in the pool, labeled by state.",
			},
			[]string{"state"},
		)

		crawlerBrowserRotationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_browser_rotations_total",
				Help: "Browser session rotations, labeled by reason.",
			},
			[]string{"reason"},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of per-domain politeness delays.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"domain"},
		)

		crawlerStateSavesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_state_saves_total",
				Help: "State checkpoint writes, labeled by result.",
			},
			[]string{"result"},
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

// ObservePage counts a processed page.
func ObservePage(site string, status string) {
	Init()
	crawlerPagesTotal.WithLabelValues(SanitizeSite(site), status).Inc()
}

// ObserveDuplicate counts an article skipped as a near-duplicate.
func ObserveDuplicate(category string) {
	Init()
	crawlerDuplicatesTotal.WithLabelValues(category).Inc()
}

// ObserveRetry counts a retry attempt.
func ObserveRetry(kind string) {
	Init()
	crawlerRetriesTotal.WithLabelValues(kind).Inc()
}

// SetFrontierSize records the current frontier size.
func SetFrontierSize(n int) {
	Init()
	crawlerFrontierSize.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	crawlerActiveWorkers.Dec()
}

// SetBrowserSessions records pool occupancy.
func SetBrowserSessions(idle, inUse int) {
	Init()
	crawlerBrowserSessions.WithLabelValues("idle").Set(float64(idle))
	crawlerBrowserSessions.WithLabelValues("in_use").Set(float64(inUse))
}

// ObserveBrowserRotation counts a session rotation.
func ObserveBrowserRotation(reason string) {
	Init()
	crawlerBrowserRotationsTotal.WithLabelValues(reason).Inc()
}

// ObserveRateLimitDelay records the duration of a politeness delay.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveStateSave counts a state checkpoint.
func ObserveStateSave(err error) {
	Init()
	result := "success"
	if err != nil {
		result = "error"
	}
	crawlerStateSavesTotal.WithLabelValues(result).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
