// Package metrics exposes Prometheus collectors for the monitoring service.
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
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	scanJobsTotal              *prometheus.CounterVec
	scanJobDurationSeconds     prometheus.Histogram
	activeWorkers              prometheus.Gauge
	alertsTotal                *prometheus.CounterVec
	scheduledTotal             *prometheus.CounterVec
	captureWaitSeconds         *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
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

		scanJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meerkat_scan_jobs_total",
				Help: "Queued scan executions, labeled by final status.",
			},
			[]string{"status"},
		)

		scanJobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "meerkat_scan_job_duration_seconds",
				Help:    "Wall time of a queued scan including retries.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "meerkat_active_workers",
				Help: "Number of workers currently processing a scan.",
			},
		)

		alertsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meerkat_alerts_total",
				Help: "Alert dispatches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scheduledTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meerkat_scheduler_targets_total",
				Help: "Targets evaluated by the scheduler, labeled by decision.",
			},
			[]string{"decision"},
		)

		captureWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meerkat_capture_rate_limit_wait_seconds",
				Help:    "Time captures spent waiting on the per-host budget.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
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

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveScanJob records the final status of a queued scan.
func ObserveScanJob(status string, duration time.Duration) {
	Init()
	scanJobsTotal.WithLabelValues(status).Inc()
	scanJobDurationSeconds.Observe(duration.Seconds())
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

// ObserveAlert counts an alert dispatch outcome.
func ObserveAlert(outcome string) {
	Init()
	alertsTotal.WithLabelValues(outcome).Inc()
}

// ObserveSchedule counts a scheduler decision for one target.
func ObserveSchedule(decision string) {
	Init()
	scheduledTotal.WithLabelValues(decision).Inc()
}

// ObserveCaptureWait records the duration of a per-host rate limit wait.
func ObserveCaptureWait(rawURL string, duration time.Duration) {
	Init()
	captureWaitSeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(duration.Seconds())
}
