// Package metrics provides Prometheus instrumentation for the basket engine.
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
	// TradesTotal counts executed trades, partitioned by adapter.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "basket_trades_total",
		Help: "Total number of trades executed",
	}, []string{"adapter"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "basket_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// StakeOpsTotal counts staking operations, partitioned by op
	// (stake, unstake, issue_hook, redeem_hook).
	StakeOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "basket_stake_ops_total",
		Help: "Total number of staking-engine operations",
	}, []string{"op"})

	// OpenVenuePositions tracks venue positions currently open across all
	// baskets.
	OpenVenuePositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "basket_open_venue_positions",
		Help: "Number of open staking venue positions",
	})

	// TradeRejections counts trades rejected before or after the external
	// call, partitioned by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "basket_trade_rejections_total",
		Help: "Trades rejected by validation",
	}, []string{"reason"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "basket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "basket_http_request_duration_seconds",
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

		// Use the raw path for the label; route cardinality is low.
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
