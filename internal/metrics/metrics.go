// Package metrics provides Prometheus instrumentation for the arbitration service.
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
			Namespace: "arbiter",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "arbiter",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DisputesOpenedTotal counts opened dispute tickets by the opener role.
	DisputesOpenedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "disputes_opened_total",
			Help:      "Total dispute tickets opened, by role of the opener.",
		},
		[]string{"role"},
	)

	// DisputesClosedTotal counts closed dispute tickets by adjudication reason.
	DisputesClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "disputes_closed_total",
			Help:      "Total dispute tickets closed, by adjudication reason.",
		},
		[]string{"reason"},
	)

	// MailboxDeliveriesTotal counts terminal mailbox delivery outcomes.
	MailboxDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "mailbox_deliveries_total",
			Help:      "Total mailbox message deliveries by terminal outcome (arrived, stored, fault).",
		},
		[]string{"outcome"},
	)

	// ValidationFailuresTotal counts dispute admissibility check failures.
	ValidationFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "arbiter",
			Name:      "validation_failures_total",
			Help:      "Total dispute validation failures by check.",
		},
		[]string{"check"},
	)

	// PayoutTxsBuiltTotal counts payout transactions constructed by the arbitrator.
	PayoutTxsBuiltTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "arbiter",
		Name:      "payout_txs_built_total",
		Help:      "Total dispute payout transactions constructed.",
	})

	// DisputeDuration observes time from open to close in seconds.
	DisputeDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "arbiter",
		Name:      "dispute_duration_seconds",
		Help:      "Time from dispute open to close in seconds.",
		Buckets:   []float64{60, 300, 1800, 3600, 21600, 86400, 259200, 604800},
	})

	// OpenDisputes tracks the number of currently open dispute tickets.
	OpenDisputes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arbiter",
		Name:      "open_disputes",
		Help:      "Number of currently open dispute tickets.",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arbiter",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arbiter", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arbiter", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arbiter", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "arbiter", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DisputesOpenedTotal,
		DisputesClosedTotal,
		MailboxDeliveriesTotal,
		ValidationFailuresTotal,
		PayoutTxsBuiltTotal,
		DisputeDuration,
		OpenDisputes,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
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
			DBIdleConnections.Set(float64(stats.Idle))
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
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
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
