package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by API, worker and runner flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	iterationsTotal     *prometheus.CounterVec
	iterationDuration   *prometheus.HistogramVec
	iterationsInflight  *prometheus.GaugeVec
	retriesTotal        *prometheus.CounterVec
	batchesTotal        *prometheus.CounterVec
	batchDuration       *prometheus.HistogramVec
	batchesActive       prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sampling_engine",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sampling_engine",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		iterationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sampling_engine",
				Name:      "iterations_total",
				Help:      "Total number of finished iterations by provider and terminal status.",
			},
			[]string{"provider", "status"},
		),
		iterationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sampling_engine",
				Name:      "iteration_duration_seconds",
				Help:      "Wall-clock duration of one iteration including retries, grouped by provider.",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"provider"},
		),
		iterationsInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "sampling_engine",
				Name:      "iterations_inflight",
				Help:      "Current number of iterations holding a concurrency permit, grouped by provider.",
			},
			[]string{"provider"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sampling_engine",
				Name:      "retries_total",
				Help:      "Total number of retried provider calls by provider and the status that caused the retry.",
			},
			[]string{"provider", "reason"},
		),
		batchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sampling_engine",
				Name:      "batches_total",
				Help:      "Total number of finalized batches by provider and status.",
			},
			[]string{"provider", "status"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sampling_engine",
				Name:      "batch_duration_seconds",
				Help:      "Batch duration in seconds grouped by provider.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14),
			},
			[]string{"provider"},
		),
		batchesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sampling_engine",
				Name:      "batches_active",
				Help:      "Current number of running batches in this process.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.iterationsTotal,
		m.iterationDuration,
		m.iterationsInflight,
		m.retriesTotal,
		m.batchesTotal,
		m.batchDuration,
		m.batchesActive,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncIteration(provider string, status string) {
	if m == nil {
		return
	}
	m.iterationsTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(status)).Inc()
}

func (m *Metrics) ObserveIterationDuration(provider string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.iterationDuration.WithLabelValues(normalizeLabel(provider)).Observe(seconds)
}

func (m *Metrics) IncIterationsInFlight(provider string) {
	if m == nil {
		return
	}
	m.iterationsInflight.WithLabelValues(normalizeLabel(provider)).Inc()
}

func (m *Metrics) DecIterationsInFlight(provider string) {
	if m == nil {
		return
	}
	m.iterationsInflight.WithLabelValues(normalizeLabel(provider)).Dec()
}

func (m *Metrics) IncRetry(provider string, reason string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(reason)).Inc()
}

func (m *Metrics) IncBatch(provider string, status string) {
	if m == nil {
		return
	}
	m.batchesTotal.WithLabelValues(normalizeLabel(provider), normalizeLabel(status)).Inc()
}

func (m *Metrics) ObserveBatchDuration(provider string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.batchDuration.WithLabelValues(normalizeLabel(provider)).Observe(seconds)
}

func (m *Metrics) IncBatchesActive() {
	if m == nil {
		return
	}
	m.batchesActive.Inc()
}

func (m *Metrics) DecBatchesActive() {
	if m == nil {
		return
	}
	m.batchesActive.Dec()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizeLabel(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
