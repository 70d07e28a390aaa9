// Package metrics provides Prometheus instrumentation for the plus engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OrdersTotal counts fills, partitioned by instrument kind and order side tag.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plus_orders_total",
		Help: "Total number of fills written to the order log",
	}, []string{"kind", "side"})

	// OrderLatency tracks open/close latency including the quote fetch.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plus_order_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// OrderRejections counts rejected requests by error code.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plus_order_rejections_total",
		Help: "Orders rejected, by error code",
	}, []string{"code"})

	// TpslTriggers counts fired risk orders by reason (TP or SL).
	TpslTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plus_tpsl_triggers_total",
		Help: "Take-profit / stop-loss rules fired",
	}, []string{"reason"})

	// TpslFailures counts rules whose close attempt failed during a sweep.
	TpslFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "plus_tpsl_failures_total",
		Help: "Triggered rules whose close failed and were re-armed",
	})

	// SweepDuration tracks the duration of a full TP/SL sweep.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "plus_tpsl_sweep_duration_seconds",
		Help:    "Duration of a TP/SL sweep",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// ArmedRules is the number of armed rules seen by the last sweep.
	ArmedRules = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plus_tpsl_armed_rules",
		Help: "Armed TP/SL rules at the last sweep",
	})

	// QuoteFailures counts failed quote fetches by source.
	QuoteFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plus_quote_failures_total",
		Help: "Failed quote fetches, by source",
	}, []string{"source"})

	// CacheRequests counts cache lookups by cache name and result (hit, miss, error).
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plus_cache_requests_total",
		Help: "Cache lookups by cache and result",
	}, []string{"cache", "result"})

	// LeaderboardDuration tracks leaderboard computation time per period.
	LeaderboardDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plus_leaderboard_duration_seconds",
		Help:    "Leaderboard computation latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"period"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "plus_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "plus_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "plus_http_request_duration_seconds",
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

		// Route pattern keeps the label set bounded (no position IDs).
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
