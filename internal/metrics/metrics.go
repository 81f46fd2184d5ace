// Package metrics exposes Prometheus collectors for the harvest service.
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
	jobTransitionsTotal        *prometheus.CounterVec
	stageDurationSeconds       *prometheus.HistogramVec
	pagesRenderedTotal         *prometheus.CounterVec
	assetsTotal                *prometheus.CounterVec
	assetBytesTotal            *prometheus.CounterVec
	robotsCacheLookupsTotal    *prometheus.CounterVec
	robotsTLSHandshakeTimeouts prometheus.Counter
	changesDetectedTotal       *prometheus.CounterVec
	retriesScheduledTotal      prometheus.Counter
	activeWorkers              prometheus.Gauge
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		jobTransitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goharvest_job_transitions_total",
				Help: "Job status transitions, labeled by target status.",
			},
			[]string{"status"},
		)

		stageDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "goharvest_stage_duration_seconds",
				Help:    "Pipeline stage latency, labeled by stage and outcome.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stage", "outcome"},
		)

		pagesRenderedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goharvest_pages_rendered_total",
				Help: "Rendered pages, labeled by site and renderer.",
			},
			[]string{"site", "renderer"},
		)

		assetsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goharvest_assets_total",
				Help: "Asset downloads, labeled by type and outcome.",
			},
			[]string{"type", "outcome"},
		)

		assetBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goharvest_asset_bytes_total",
				Help: "Bytes of successfully downloaded assets, labeled by type.",
			},
			[]string{"type"},
		)

		robotsCacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goharvest_robots_cache_lookups_total",
				Help: "Robots cache lookups, labeled by result (hit or miss).",
			},
			[]string{"result"},
		)

		robotsTLSHandshakeTimeouts = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "goharvest_robots_tls_handshake_timeout_total",
				Help: "TLS handshake timeouts encountered while fetching robots.txt.",
			},
		)

		changesDetectedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "goharvest_changes_detected_total",
				Help: "Change detection passes, labeled by result.",
			},
			[]string{"result"},
		)

		retriesScheduledTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "goharvest_retries_scheduled_total",
				Help: "Automatic retries scheduled after transient failures.",
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "goharvest_active_workers",
				Help: "Number of workers currently executing a job attempt.",
			},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "goharvest_rate_limit_delay_seconds",
				Help:    "Time spent waiting on per-domain rate limits.",
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

// ObserveTransition counts a job entering status.
func ObserveTransition(status string) {
	Init()
	jobTransitionsTotal.WithLabelValues(status).Inc()
}

// ObserveStage records a pipeline stage duration.
func ObserveStage(stage string, err error, d time.Duration) {
	Init()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	stageDurationSeconds.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// ObserveRender counts a rendered page.
func ObserveRender(site string, headless bool) {
	Init()
	renderer := "static"
	if headless {
		renderer = "headless"
	}
	pagesRenderedTotal.WithLabelValues(SanitizeSite(site), renderer).Inc()
}

// ObserveAsset counts one asset download outcome.
func ObserveAsset(assetType, outcome string, size int64) {
	Init()
	assetsTotal.WithLabelValues(assetType, outcome).Inc()
	if size > 0 {
		assetBytesTotal.WithLabelValues(assetType).Add(float64(size))
	}
}

// ObserveRobotsLookup counts a robots cache hit or miss.
func ObserveRobotsLookup(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	robotsCacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveRobotsTLSHandshakeTimeout increments the robots handshake timeout counter.
func ObserveRobotsTLSHandshakeTimeout() {
	Init()
	robotsTLSHandshakeTimeouts.Inc()
}

// ObserveChange counts a change detection pass.
func ObserveChange(changed, baseline bool) {
	Init()
	result := "unchanged"
	switch {
	case baseline:
		result = "baseline"
	case changed:
		result = "changed"
	}
	changesDetectedTotal.WithLabelValues(result).Inc()
}

// ObserveRetryScheduled counts an automatic retry.
func ObserveRetryScheduled() {
	Init()
	retriesScheduledTotal.Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, d time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(d.Seconds())
}
