// Package metrics provides Prometheus instrumentation for the Diem platform.
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

// All collectors share the "diem" namespace.
const namespace = "diem"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = counterVec("http_requests_total",
		"Total HTTP requests by method, path pattern, and status code.",
		"method", "path", "status")

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EscrowTransitionsTotal counts escrow lifecycle transitions by action.
	EscrowTransitionsTotal = counterVec("escrow_transitions_total",
		"Total escrow state transitions by action.", "action")

	// EscrowsOpen tracks escrows not yet in a terminal state.
	EscrowsOpen = gauge("escrows_open",
		"Number of escrows not yet completed or refunded.")

	// EscrowLifetime observes time from creation to a terminal state.
	// Buckets run from one hour to thirty days.
	EscrowLifetime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "escrow_lifetime_seconds",
		Help:      "Time from escrow creation to completion or refund in seconds.",
		Buckets:   []float64{3600, 21600, 86400, 259200, 604800, 1209600, 2592000},
	})

	// SettlementsTotal counts settlements by outcome.
	SettlementsTotal = counterVec("settlements_total",
		"Total settlements by outcome (settled, auto_completed, dispute_resolved).",
		"outcome")

	// WithdrawalsTotal counts balance withdrawals by kind and result.
	WithdrawalsTotal = counterVec("withdrawals_total",
		"Total withdrawal attempts by kind (provider, platform) and result.",
		"kind", "result")

	// PlatformFeesAccruedTotal sums platform fees accrued, in USDC.
	PlatformFeesAccruedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "platform_fees_accrued_usdc_total",
		Help:      "Total platform fees accrued, in USDC.",
	})

	// FeeUpdatesTotal counts fee update operations by action.
	FeeUpdatesTotal = counterVec("fee_updates_total",
		"Total fee update operations (scheduled, executed, cancelled).", "action")

	// PausedState is 1 while the system is paused, 0 otherwise.
	PausedState = gauge("paused",
		"Whether the escrow ledger is paused (1) or accepting operations (0).")

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = gauge("active_websocket_clients",
		"Number of currently connected WebSocket clients.")

	DBOpenConnections  = gauge("db_open_connections", "Number of open database connections.")
	DBIdleConnections  = gauge("db_idle_connections", "Number of idle database connections.")
	DBInUseConnections = gauge("db_in_use_connections", "Number of in-use database connections.")
	DBWaitCount        = gauge("db_wait_count_total", "Total number of connections waited for.")
	DBWaitDuration     = gauge("db_wait_duration_seconds_total", "Total time waited for connections in seconds.")
	GoroutineCount     = gauge("goroutines", "Current number of goroutines.")
)

func counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, labels)
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	})
}

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EscrowTransitionsTotal,
		EscrowsOpen,
		EscrowLifetime,
		SettlementsTotal,
		WithdrawalsTotal,
		PlatformFeesAccruedTotal,
		FeeUpdatesTotal,
		PausedState,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and the runtime
// goroutine count into gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample(db.Stats())
		}
	}
}

func sample(stats sql.DBStats) {
	DBOpenConnections.Set(float64(stats.OpenConnections))
	DBIdleConnections.Set(float64(stats.Idle))
	DBInUseConnections.Set(float64(stats.InUse))
	DBWaitCount.Set(float64(stats.WaitCount))
	DBWaitDuration.Set(stats.WaitDuration.Seconds())
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// Middleware records request count and latency for every route. Labels use
// the route pattern rather than the raw path to keep cardinality bounded.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
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

// Handler exposes the Prometheus scrape endpoint through gin.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups status codes into classes (2xx, 3xx, 4xx, 5xx).
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
