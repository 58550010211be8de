// Package metrics provides Prometheus instrumentation for the margin engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// PositionsOpenedTotal counts executed market and limit opens by side.
	PositionsOpenedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpex_positions_opened_total",
		Help: "Total positions opened",
	}, []string{"side", "kind"})

	// PositionsClosedTotal counts settlements by reason.
	PositionsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpex_positions_closed_total",
		Help: "Total positions closed",
	}, []string{"side", "reason"})

	// LiquidationsTotal counts batch liquidation entries by outcome.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpex_liquidations_total",
		Help: "Liquidation batch entries processed",
	}, []string{"outcome"})

	// OrderRejectionsTotal counts orders rejected before mutation.
	OrderRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpex_order_rejections_total",
		Help: "Orders rejected by validation",
	}, []string{"reason"})

	// ExposureClampTotal counts exposure underflows floored at zero.
	// Any increment here points at an aggregate accounting bug.
	ExposureClampTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perpex_exposure_clamp_total",
		Help: "Exposure updates clamped at zero",
	})

	// PoolBalance tracks the liquidity pool balance in raw USDT units.
	PoolBalance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpex_pool_balance",
		Help: "Liquidity pool balance (USDT, 6 decimals)",
	})

	// OpenInterestAsset tracks per-market per-side exposure.
	OpenInterestAsset = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perpex_open_interest_asset",
		Help: "Aggregate exposure in asset units",
	}, []string{"market", "side"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpex_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpex_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perpex_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

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

		// Use the raw path for the label; routes here are low-cardinality.
		path := r.URL.Path
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
