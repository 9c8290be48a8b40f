// Package metrics provides Prometheus instrumentation for the dispute service.
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
			Namespace: "disputed",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "disputed",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// DisputesCreatedTotal counts dispute creations by outcome.
	DisputesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "disputed",
			Name:      "disputes_created_total",
			Help:      "Total dispute creation attempts by outcome (created, idempotent, failed).",
		},
		[]string{"outcome"},
	)

	// VotesTotal counts accepted votes by choice.
	VotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "disputed",
			Name:      "votes_total",
			Help:      "Total votes accepted by choice.",
		},
		[]string{"choice"},
	)

	// EventsIndexedTotal counts chain events applied by the indexer.
	EventsIndexedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "disputed",
			Name:      "events_indexed_total",
			Help:      "Total chain events applied by event name.",
		},
		[]string{"event"},
	)

	// IndexerCheckpoint tracks the last fully processed block.
	IndexerCheckpoint = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "disputed", Name: "indexer_checkpoint_block",
		Help: "Last block number fully processed by the indexer.",
	})

	// FinalizationsTotal counts finalize transactions by trigger and result.
	FinalizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "disputed",
			Name:      "finalizations_total",
			Help:      "Total finalize attempts by trigger (deadline, forced) and result.",
		},
		[]string{"trigger", "result"},
	)

	// CallbackDeliveriesTotal counts webhook callback deliveries by result.
	CallbackDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "disputed",
			Name:      "callback_deliveries_total",
			Help:      "Total webhook callback delivery attempts by result.",
		},
		[]string{"result"},
	)

	// ZombiesReapedTotal counts reaped creation placeholders.
	ZombiesReapedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "disputed",
		Name:      "zombies_reaped_total",
		Help:      "Total abandoned CREATING placeholders deleted by the reaper.",
	})

	// ChainCallDuration observes ledger gateway call latency by method.
	ChainCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "disputed",
			Name:      "chain_call_duration_seconds",
			Help:      "Ledger gateway call duration in seconds by method.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"method"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "disputed", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "disputed", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "disputed", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "disputed", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		DisputesCreatedTotal,
		VotesTotal,
		EventsIndexedTotal,
		IndexerCheckpoint,
		FinalizationsTotal,
		CallbackDeliveriesTotal,
		ZombiesReapedTotal,
		ChainCallDuration,
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
