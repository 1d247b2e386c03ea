// Package metrics provides Prometheus instrumentation for the exchange.
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
	// TradesTotal counts committed trades, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeLatency tracks end-to-end trade execution latency, retries included.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts trades that ended Rejected, by error code.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trade_rejections_total",
		Help: "Trades rejected, by reason",
	}, []string{"reason"})

	// TradeVolume tracks cumulative traded shares per side.
	TradeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trade_volume_shares_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"side"})

	// LedgerEntries counts committed ledger entries by direction.
	LedgerEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_ledger_entries_total",
		Help: "Ledger entries committed, by direction",
	}, []string{"direction"})

	// IdempotentReplays counts requests answered from an existing record.
	IdempotentReplays = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_idempotent_replays_total",
		Help: "Operations replayed from an earlier result",
	}, []string{"operation"})

	// IdempotencyConflicts counts keys reused for a different intent.
	IdempotencyConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_idempotency_conflicts_total",
		Help: "Idempotency keys reused for a different operation",
	})

	// OptimisticRetries counts transaction retries after version conflicts.
	OptimisticRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_optimistic_retries_total",
		Help: "Transactions retried after an optimistic concurrency conflict",
	})

	// PositionLimitRejections counts trades rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "exchange_position_limit_rejections_total",
		Help: "Trades rejected by position limiter",
	})

	// EventPublishFailures counts post-commit events a sink failed to accept.
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_event_publish_failures_total",
		Help: "Events a publisher failed to deliver",
	}, []string{"sink"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern uses the chi route pattern for the path label to avoid one
// series per market ID.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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

// Hijack lets the WebSocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
