// Package metrics exposes Prometheus collectors for the scraper service.
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
	scraperRunsTotal           *prometheus.CounterVec
	scraperRunDurationSeconds  *prometheus.HistogramVec
	scraperCasesTotal          *prometheus.CounterVec
	scraperActiveRuns          prometheus.Gauge
	scraperSiteRequestsTotal   *prometheus.CounterVec
	scraperCaptchaTotal        *prometheus.CounterVec
	scraperCaptchaPollAttempts prometheus.Histogram
	scraperRateLimitDelaysSecs *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_runs_total",
				Help: "Total number of scrape runs, labeled by category and outcome.",
			},
			[]string{"category", "outcome"},
		)

		scraperRunDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_run_duration_seconds",
				Help:    "Histogram of scrape run durations, labeled by category.",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"category"},
		)

		scraperCasesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_cases_total",
				Help: "Total number of cases processed, labeled by category and result (new, updated, skipped).",
			},
			[]string{"category", "result"},
		)

		scraperActiveRuns = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_active_runs",
				Help: "Number of scrape runs currently executing.",
			},
		)

		scraperSiteRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_site_requests_total",
				Help: "Total number of requests sent to the court site, labeled by kind and status.",
			},
			[]string{"kind", "status"},
		)

		scraperCaptchaTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_captcha_tokens_total",
				Help: "Total number of CAPTCHA token acquisitions, labeled by result status.",
			},
			[]string{"status"},
		)

		scraperCaptchaPollAttempts = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "scraper_captcha_poll_attempts",
				Help:    "Histogram of result polls needed per CAPTCHA task.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60},
			},
		)

		scraperRateLimitDelaysSecs = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30, 120},
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

// ObserveRun records a finished scrape run.
func ObserveRun(category, outcome string, duration time.Duration) {
	Init()
	scraperRunsTotal.WithLabelValues(category, outcome).Inc()
	scraperRunDurationSeconds.WithLabelValues(category).Observe(duration.Seconds())
}

// ObserveCases adds per-record results for a category.
func ObserveCases(category, result string, n int) {
	Init()
	if n <= 0 {
		return
	}
	scraperCasesTotal.WithLabelValues(category, result).Add(float64(n))
}

// ObserveSiteRequest counts one request to the court site.
// A zero code means the request failed before a response arrived.
func ObserveSiteRequest(kind string, code int) {
	Init()
	status := "error"
	if code > 0 {
		status = strconv.Itoa(code)
	}
	scraperSiteRequestsTotal.WithLabelValues(kind, status).Inc()
}

// ObserveCaptcha records the outcome of one token acquisition.
func ObserveCaptcha(status string, attempts int) {
	Init()
	scraperCaptchaTotal.WithLabelValues(status).Inc()
	if attempts > 0 {
		scraperCaptchaPollAttempts.Observe(float64(attempts))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveRuns increments the active runs gauge.
func IncActiveRuns() {
	Init()
	scraperActiveRuns.Inc()
}

// DecActiveRuns decrements the active runs gauge.
func DecActiveRuns() {
	Init()
	scraperActiveRuns.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	scraperRateLimitDelaysSecs.WithLabelValues(domain).Observe(duration.Seconds())
}
