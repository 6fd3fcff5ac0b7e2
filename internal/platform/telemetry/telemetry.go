// Package telemetry exposes Prometheus instrumentation for the matching
// service: run lifecycle counters, model and HTTP latency histograms, and
// the /metrics exposition handler.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cohortmatch"

// Metrics holds every collector the service registers. Collectors live on a
// private registry so the exposition carries only service metrics.
type Metrics struct {
	registry *prometheus.Registry

	runsStarted   prometheus.Counter
	runsCompleted prometheus.Counter
	runsFailed    prometheus.Counter

	runDuration     prometheus.Histogram
	modelIterations prometheus.Histogram
	lastMatchRate   prometheus.Gauge

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// New creates a Metrics with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	auto := promauto.With(registry)

	return &Metrics{
		registry: registry,

		runsStarted: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of matching runs started.",
		}),
		runsCompleted: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_completed_total",
			Help:      "Total number of matching runs that completed successfully.",
		}),
		runsFailed: auto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_failed_total",
			Help:      "Total number of matching runs that ended in an error.",
		}),

		runDuration: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of matching runs.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
		}),
		modelIterations: auto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_iterations",
			Help:      "Newton iterations used to fit the propensity model.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100},
		}),
		lastMatchRate: auto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_match_rate",
			Help:      "Match rate of the most recently completed run.",
		}),

		httpRequests: auto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests by method, route path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: auto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration by method and route path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// RunStarted records a run entering the running state.
func (m *Metrics) RunStarted() {
	m.runsStarted.Inc()
}

// RunCompleted records a successful run with its duration, final match rate,
// and the iteration count of the fitted model.
func (m *Metrics) RunCompleted(elapsed time.Duration, matchRate float64, iterations int) {
	m.runsCompleted.Inc()
	m.runDuration.Observe(elapsed.Seconds())
	m.modelIterations.Observe(float64(iterations))
	m.lastMatchRate.Set(matchRate)
}

// RunFailed records a run that ended in an error.
func (m *Metrics) RunFailed(elapsed time.Duration) {
	m.runsFailed.Inc()
	m.runDuration.Observe(elapsed.Seconds())
}

// Handler returns the exposition endpoint for the private registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request counts and durations. The path label uses
// the echo route pattern rather than the raw URL to keep cardinality bounded.
func (m *Metrics) HTTPMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			status := c.Response().Status
			if err != nil {
				if httpErr, ok := err.(*echo.HTTPError); ok {
					status = httpErr.Code
				} else {
					status = http.StatusInternalServerError
				}
			}

			method := c.Request().Method
			m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
			m.httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())

			return err
		}
	}
}
