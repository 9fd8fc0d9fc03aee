// Package metrics exposes Prometheus collectors for the orchestrator and bots.
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
	upstreamRequestsTotal      *prometheus.CounterVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	jobsTotal                  *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	cellsTotal                 *prometheus.CounterVec
	dispatchTicksTotal         *prometheus.CounterVec
	sweptJobsTotal             prometheus.Counter
	sessionProbesTotal         *prometheus.CounterVec
	proxyRequestsTotal         *prometheus.CounterVec

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

		upstreamRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maisync_upstream_requests_total",
				Help: "Outbound platform requests, labeled by host and outcome.",
			},
			[]string{"host", "outcome"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "maisync_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		jobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maisync_jobs_total",
				Help: "Jobs reaching a status, labeled by status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "maisync_active_workers",
				Help: "Number of bot workers currently processing a job.",
			},
		)

		cellsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maisync_cells_total",
				Help: "Grid cells processed, labeled by whether the page came from cache or a fetch.",
			},
			[]string{"source"},
		)

		dispatchTicksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maisync_dispatch_ticks_total",
				Help: "Dispatch loop ticks, labeled by decision.",
			},
			[]string{"decision"},
		)

		sweptJobsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "maisync_fleet_swept_jobs_total",
				Help: "Jobs failed by the fleet sweep because their bot was unavailable.",
			},
		)

		sessionProbesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maisync_session_probes_total",
				Help: "Session liveness probes, labeled by result.",
			},
			[]string{"result"},
		)

		proxyRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "maisync_proxy_requests_total",
				Help: "Proxy requests, labeled by method kind and decision.",
			},
			[]string{"kind", "decision"},
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

// ObserveUpstream records one outbound attempt.
func ObserveUpstream(rawURL, outcome string) {
	Init()
	upstreamRequestsTotal.WithLabelValues(SanitizeSite(rawURL), outcome).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(host).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given status.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
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

// ObserveCell records a processed grid cell.
func ObserveCell(source string) {
	Init()
	cellsTotal.WithLabelValues(source).Inc()
}

// ObserveDispatchTick records the decision of one dispatch tick.
func ObserveDispatchTick(decision string) {
	Init()
	dispatchTicksTotal.WithLabelValues(decision).Inc()
}

// ObserveSwept adds n jobs failed by the fleet sweep.
func ObserveSwept(n int) {
	Init()
	sweptJobsTotal.Add(float64(n))
}

// ObserveSessionProbe records one liveness probe result.
func ObserveSessionProbe(result string) {
	Init()
	sessionProbesTotal.WithLabelValues(result).Inc()
}

// ObserveProxyRequest records one proxy decision.
func ObserveProxyRequest(kind, decision string) {
	Init()
	proxyRequestsTotal.WithLabelValues(kind, decision).Inc()
}
