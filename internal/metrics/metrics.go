// Package metrics provides Prometheus instrumentation for the reviewguard engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reviewguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "reviewguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsWrittenTotal counts review events written by partition.
	EventsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reviewguard",
			Name:      "events_written_total",
			Help:      "Total review events durably written, by partition.",
		},
		[]string{"partition"},
	)

	// BatchFlushesTotal counts batch flushes by result (ok, retried, failed).
	BatchFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reviewguard",
			Name:      "batch_flushes_total",
			Help:      "Total batch writer flushes by result.",
		},
		[]string{"result"},
	)

	// BatchFlushDuration observes flush latency.
	BatchFlushDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reviewguard",
		Name:      "batch_flush_duration_seconds",
		Help:      "Batch flush duration in seconds.",
		Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
	})

	// ReplayRunsTotal counts replay runs by outcome (completed, stopped, failed).
	ReplayRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reviewguard",
			Name:      "replay_runs_total",
			Help:      "Total replay runs by outcome.",
		},
		[]string{"outcome"},
	)

	// AttackBurstsTotal counts injected attack bursts.
	AttackBurstsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "reviewguard",
		Name:      "attack_bursts_total",
		Help:      "Total synthetic attack bursts injected.",
	})

	// DetectionsTotal counts evaluator detections by severity.
	DetectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reviewguard",
			Name:      "detections_total",
			Help:      "Total suspicion detections emitted, by severity.",
		},
		[]string{"severity"},
	)

	// IncidentsTotal counts incident state transitions by resulting status.
	IncidentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reviewguard",
			Name:      "incidents_total",
			Help:      "Total incident state transitions by resulting status.",
		},
		[]string{"status"},
	)

	// OpenIncidents tracks currently open (non-terminal) incidents.
	OpenIncidents = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reviewguard",
		Name:      "open_incidents",
		Help:      "Number of currently open incidents.",
	})

	// NotificationsTotal counts emitted notifications by severity.
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "reviewguard",
			Name:      "notifications_total",
			Help:      "Total notifications emitted, by severity.",
		},
		[]string{"severity"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "reviewguard",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reviewguard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reviewguard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "reviewguard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsWrittenTotal,
		BatchFlushesTotal,
		BatchFlushDuration,
		ReplayRunsTotal,
		AttackBurstsTotal,
		DetectionsTotal,
		IncidentsTotal,
		OpenIncidents,
		NotificationsTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for the /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
