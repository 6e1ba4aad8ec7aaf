package obs

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tenantguard"

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	authOperations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_operations_total",
			Help:      "Session operations by outcome.",
		},
		[]string{"operation", "outcome"},
	)

	blacklistChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blacklist_checks_total",
			Help:      "Revocation lookups by result.",
		},
		[]string{"result"},
	)

	blacklistCheckErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blacklist_check_errors_total",
			Help:      "Revocation lookups that hit a storage error, by the policy outcome applied.",
		},
		[]string{"outcome"},
	)

	blacklistSwept = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blacklist_swept_total",
			Help:      "Blacklist rows removed by sweeps.",
		},
		[]string{"policy"},
	)

	initOnce sync.Once
)

// Init registers metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			authOperations, blacklistChecks, blacklistCheckErrors, blacklistSwept,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAuth counts one session operation.
func ObserveAuth(operation, outcome string) {
	authOperations.WithLabelValues(operation, outcome).Inc()
}

// ObserveBlacklistCheck counts a revocation lookup ("revoked", "clean").
func ObserveBlacklistCheck(result string) {
	blacklistChecks.WithLabelValues(result).Inc()
}

// ObserveBlacklistError counts a failed lookup and the outcome the policy chose.
func ObserveBlacklistError(outcome string) {
	blacklistCheckErrors.WithLabelValues(outcome).Inc()
}

// ObserveSweep adds n removed rows for the sweep policy ("expired", "age").
func ObserveSweep(policy string, n int64) {
	if n > 0 {
		blacklistSwept.WithLabelValues(policy).Add(float64(n))
	}
}

// Instrument records RPS, latency and in-flight requests. The path label is the
// matched route template, which keeps cardinality bounded.
func Instrument() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			httpInFlight.Inc()
			defer httpInFlight.Dec()
			start := time.Now()

			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if status < http.StatusBadRequest {
					status = http.StatusInternalServerError
				}
			}
			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			method := c.Request().Method
			code := strconv.Itoa(status)
			httpRequestDuration.WithLabelValues(method, path, code).Observe(time.Since(start).Seconds())
			httpRequestsTotal.WithLabelValues(method, path, code).Inc()
			return err
		}
	}
}
