// Package metrics provides Prometheus instrumentation for the cell protocol.
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
			Namespace: "cellcredit",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cellcredit",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsTotal counts spot transactions by terminal status.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellcredit",
			Name:      "transactions_total",
			Help:      "Total spot transactions recorded by terminal status.",
		},
		[]string{"status"},
	)

	// CommitmentsTotal counts commitments by terminal status.
	CommitmentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellcredit",
			Name:      "commitments_total",
			Help:      "Total commitments recorded by terminal status.",
		},
		[]string{"kind", "status"},
	)

	// FederationLegsTotal counts inter-cell federation legs by result.
	FederationLegsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellcredit",
			Name:      "federation_legs_total",
			Help:      "Total federation legs attempted, by result.",
		},
		[]string{"result"},
	)

	// EmergencyStateTransitionsTotal counts emergency state machine transitions.
	EmergencyStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellcredit",
			Name:      "emergency_state_transitions_total",
			Help:      "Emergency state transitions by from-state and to-state.",
		},
		[]string{"from_state", "to_state"},
	)

	// EmergencyCurrentState reports the cell's current emergency state
	// as an enumerated gauge (0=normal, 1=stressed, 2=panic).
	EmergencyCurrentState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cellcredit",
			Name:      "emergency_current_state",
			Help:      "Current emergency state per cell (0=normal, 1=stressed, 2=panic).",
		},
		[]string{"cell_id"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients on the demo feed.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "cellcredit",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellcredit", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellcredit", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellcredit", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellcredit", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellcredit", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellcredit", Name: "goroutines",
		Help: "Current number of goroutines.",
	})

	// --- Ledger metrics ---

	LedgerBalanceSumDeviation = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cellcredit",
			Name:      "ledger_balance_sum_deviation",
			Help:      "Absolute deviation of a cell's summed member balances from zero, as last observed by reconciliation.",
		},
		[]string{"cell_id"},
	)

	LedgerReserveLockedTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cellcredit",
			Name:      "ledger_reserve_locked_total",
			Help:      "Total units currently held in reserve (escrow) across a cell's members.",
		},
		[]string{"cell_id"},
	)

	// --- Hardening metrics ---

	HardeningInvariantViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cellcredit",
			Name:      "hardening_invariant_violations_total",
			Help:      "Invariant violations observed during hardening simulation runs, by invariant id.",
		},
		[]string{"invariant"},
	)

	HardeningHealthScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "cellcredit",
		Name:      "hardening_health_score",
		Help:      "Most recently computed aggregate health score from the hardening harness.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsTotal,
		CommitmentsTotal,
		FederationLegsTotal,
		EmergencyStateTransitionsTotal,
		EmergencyCurrentState,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
		LedgerBalanceSumDeviation,
		LedgerReserveLockedTotal,
		HardeningInvariantViolationsTotal,
		HardeningHealthScore,
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
