// Package metrics provides Prometheus instrumentation for the coverage engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PositionsCreated counts LP positions opened, per pool.
	PositionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cover_positions_created_total",
		Help: "Total number of LP positions created",
	}, []string{"pool_id"})

	// PositionsRemoved counts positions removed after liquidation.
	PositionsRemoved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cover_positions_removed_total",
		Help: "Total number of LP positions removed",
	}, []string{"pool_id"})

	// CoveragesPurchased counts coverage contracts sold, per pool.
	CoveragesPurchased = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cover_coverages_purchased_total",
		Help: "Total number of coverage contracts purchased",
	}, []string{"pool_id"})

	// CoverageResolutions counts terminal transitions by outcome (claimed, expired).
	CoverageResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cover_coverage_resolutions_total",
		Help: "Coverage resolutions by outcome",
	}, []string{"pool_id", "outcome"})

	// PremiumsCollected tracks cumulative premiums in base units. Float
	// precision is fine for a dashboard; the ledger itself is exact.
	PremiumsCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cover_premiums_collected_base_units_total",
		Help: "Cumulative premiums collected in base units",
	}, []string{"pool_id"})

	// ClaimsPaid counts claim payouts withdrawn by buyers.
	ClaimsPaid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cover_claims_paid_total",
		Help: "Total number of claim payouts",
	}, []string{"pool_id"})

	// LiquidationsEnqueued counts liquidation queue entries created.
	LiquidationsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cover_liquidations_enqueued_total",
		Help: "Total liquidation queue entries created",
	})

	// LiquidationsProcessed counts queue entries paid out, by result.
	LiquidationsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cover_liquidations_processed_total",
		Help: "Liquidation queue entries processed by result",
	}, []string{"result"})

	// CapacityRejections counts requests rejected by capacity limits.
	CapacityRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cover_capacity_rejections_total",
		Help: "Requests rejected by pool capacity limits",
	}, []string{"reason"})

	// OperationLatency tracks engine operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cover_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// UpkeepBatchSize is the number of coverages scanned per upkeep call.
	UpkeepBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cover_upkeep_batch_size",
		Help:    "Coverages scanned per performUpkeep call",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250},
	})

	// KeeperErrors counts failed keeper ticks by task.
	KeeperErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cover_keeper_errors_total",
		Help: "Keeper tick failures by task",
	}, []string{"task"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cover_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cover_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cover_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveSince records an operation latency.
func ObserveSince(op string, start time.Time) {
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
