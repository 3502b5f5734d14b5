// Package metrics exposes Prometheus collectors for the crawler.
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
	crawlerFetchesTotal          *prometheus.CounterVec
	crawlerFetchDurationSeconds  *prometheus.HistogramVec
	crawlerPagesSavedTotal       *prometheus.CounterVec
	crawlerBytesSavedTotal       *prometheus.CounterVec
	crawlerSaveFailuresTotal     *prometheus.CounterVec
	crawlerScopeDecisionsTotal   *prometheus.CounterVec
	crawlerFrontierQueued        prometheus.Gauge
	crawlerActiveWorkers         prometheus.Gauge
	crawlerRateLimitPauseSeconds *prometheus.HistogramVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors. It is safe to call multiple times.
func Init() {
	once.Do(func() {
		crawlerFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_fetches_total",
				Help: "Total number of fetches, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlerFetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies including transport retries.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		crawlerPagesSavedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_saved_total",
				Help: "Total number of pages persisted, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerBytesSavedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_saved_total",
				Help: "Total number of page bytes persisted, labeled by site.",
			},
			[]string{"site"},
		)

		crawlerSaveFailuresTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_save_failures_total",
				Help: "Total number of pages that could not be persisted.",
			},
			[]string{"site"},
		)

		crawlerScopeDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_scope_decisions_total",
				Help: "Total number of discovered links, labeled by scope decision.",
			},
			[]string{"decision"},
		)

		crawlerFrontierQueued = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_frontier_queued",
				Help: "Number of URLs waiting in the frontier.",
			},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_workers",
				Help: "Number of workers currently processing a URL.",
			},
		)

		crawlerRateLimitPauseSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_pause_seconds",
				Help:    "Histogram of pauses taken after 429 responses.",
				Buckets: []float64{1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of status server requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of status server latencies, labeled by method and route.",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
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

// ObserveFetch records one fetch outcome and its latency.
func ObserveFetch(rawURL, outcome string, duration time.Duration) {
	site := SanitizeSite(rawURL)
	crawlerFetchesTotal.WithLabelValues(site, outcome).Inc()
	crawlerFetchDurationSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveSave records a persisted page.
func ObserveSave(rawURL string, bytes int) {
	site := SanitizeSite(rawURL)
	crawlerPagesSavedTotal.WithLabelValues(site).Inc()
	if bytes > 0 {
		crawlerBytesSavedTotal.WithLabelValues(site).Add(float64(bytes))
	}
}

// ObserveSaveFailure records a page that could not be persisted.
func ObserveSaveFailure(rawURL string) {
	crawlerSaveFailuresTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveScopeDecision counts a classified link.
func ObserveScopeDecision(decision string) {
	crawlerScopeDecisionsTotal.WithLabelValues(decision).Inc()
}

// ObserveRateLimitPause records a pause taken after a 429.
func ObserveRateLimitPause(rawURL string, pause time.Duration) {
	crawlerRateLimitPauseSeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(pause.Seconds())
}

// SetFrontierQueued reports the current queue length.
func SetFrontierQueued(n int) {
	crawlerFrontierQueued.Set(float64(n))
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	crawlerActiveWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	crawlerActiveWorkers.Dec()
}

// ObserveHTTPRequest records a status server request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
