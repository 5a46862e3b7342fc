// Package metrics provides Prometheus instrumentation for the payguard core.
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
			Namespace: "payguard",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "payguard",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowsHeldTotal counts escrows opened.
	EscrowsHeldTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "payguard",
		Name:      "escrows_held_total",
		Help:      "Total escrows created in the held state.",
	})

	// EscrowsReleaseReadyTotal counts escrows that became eligible for settlement.
	EscrowsReleaseReadyTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "payguard",
		Name:      "escrows_release_ready_total",
		Help:      "Total escrows marked release-ready.",
	})

	// SettlementsPostedTotal counts successful settlements.
	SettlementsPostedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "payguard",
		Name:      "settlements_posted_total",
		Help:      "Total settlements posted (journal + wallet credit).",
	})

	// SettlementFailuresTotal counts settlement attempts that errored.
	SettlementFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "payguard",
		Name:      "settlement_failures_total",
		Help:      "Total settlement attempts that failed and were left for retry.",
	})

	// SettlementSweepDuration observes how long one settlement sweep takes.
	SettlementSweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "payguard",
		Name:      "settlement_sweep_duration_seconds",
		Help:      "Duration of one settlement sweep pass in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
	})

	// DispatchTransitionsTotal counts dispatch state transitions by target state.
	DispatchTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payguard",
			Name:      "dispatch_transitions_total",
			Help:      "Total dispatch order state transitions by target state.",
		},
		[]string{"state"},
	)

	// ConnectorJobsTotal counts connector job runs by result.
	ConnectorJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payguard",
			Name:      "connector_jobs_total",
			Help:      "Total connector job executions by result (done, retried, failed).",
		},
		[]string{"result"},
	)

	// WebhooksReceivedTotal counts inbound carrier webhooks by result.
	WebhooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "payguard",
			Name:      "webhooks_received_total",
			Help:      "Total inbound carrier webhooks by result (accepted, rejected).",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "payguard", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowsHeldTotal,
		EscrowsReleaseReadyTotal,
		SettlementsPostedTotal,
		SettlementFailuresTotal,
		SettlementSweepDuration,
		DispatchTransitionsTotal,
		ConnectorJobsTotal,
		WebhooksReceivedTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
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
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
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
