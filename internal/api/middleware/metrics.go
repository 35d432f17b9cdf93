package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	requestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	// Business metrics — exported and registered here; the pool, network,
	// cleanup and leader packages do not update them, so they report zero.
	PoolAvailableRunners = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runnerhub_pool_available_runners",
			Help: "Idle runners per repository",
		},
		[]string{"repository"},
	)

	PoolAssignedRunners = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runnerhub_pool_assigned_runners",
			Help: "Busy runners per repository",
		},
		[]string{"repository"},
	)

	ScaleUpTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runnerhub_scale_up_total",
			Help: "Total scale-up operations by repository",
		},
		[]string{"repository"},
	)

	ScaleDownTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runnerhub_scale_down_total",
			Help: "Total scale-down operations by repository",
		},
		[]string{"repository"},
	)

	CleanupContainersCleanedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runnerhub_cleanup_containers_cleaned_total",
			Help: "Total containers cleaned by policy",
		},
		[]string{"policy"},
	)

	CleanupSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runnerhub_cleanup_sweep_duration_seconds",
			Help:    "Duration of cleanup sweeps",
			Buckets: prometheus.DefBuckets,
		},
	)

	NetworkCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runnerhub_network_count",
			Help: "Current number of isolated networks owned by this system",
		},
	)

	LeaderStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "runnerhub_leader_status",
			Help: "Whether this instance is the leader (1) or not (0)",
		},
	)

	PanicsRecoveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "runnerhub_panics_recovered_total",
			Help: "Total number of recovered panics",
		},
	)
)

// Metrics returns a middleware that collects Prometheus metrics
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap response writer to capture status code
		wrapped := &metricsResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		status := strconv.Itoa(wrapped.statusCode)

		// Use Chi route pattern to avoid cardinality explosion from dynamic path segments
		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		// Normalize trailing slashes
		endpoint = strings.TrimRight(endpoint, "/")
		if endpoint == "" {
			endpoint = "/"
		}

		// Record metrics
		requestDuration.WithLabelValues(r.Method, endpoint, status).Observe(duration.Seconds())
		requestCount.WithLabelValues(r.Method, endpoint, status).Inc()
	})
}

// metricsResponseWriter wraps http.ResponseWriter to capture status code
type metricsResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *metricsResponseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
