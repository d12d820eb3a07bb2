// Package metrics provides Prometheus instrumentation for the battle engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth tracks the number of agents waiting for an opponent.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "battle_engine_queue_depth",
		Help: "Number of agents currently queued for matchmaking",
	})

	// ActiveBattles tracks non-terminal battles (the concurrency gate).
	ActiveBattles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "battle_engine_active_battles",
		Help: "Number of battles not yet settled",
	})

	// MatchesTotal counts successful pairings.
	MatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "battle_engine_matches_total",
		Help: "Total successful matchmaking pairings",
	})

	// MatchScores records the quality of accepted matches.
	MatchScores = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "battle_engine_match_score",
		Help:    "Compatibility score of accepted matches",
		Buckets: []float64{0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
	})

	// TicksSkipped counts scheduler ticks skipped because the previous
	// tick was still running.
	TicksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "battle_engine_scheduler_ticks_skipped_total",
		Help: "Scheduler ticks skipped due to an in-progress tick",
	})

	// TickDuration tracks scheduler tick latency. Ticks approaching the
	// tick interval are a monitoring condition.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "battle_engine_scheduler_tick_duration_seconds",
		Help:    "Matchmaking tick duration in seconds",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 3.0},
	})

	// TradesTotal counts confirmed trades by side and type.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "battle_engine_trades_total",
		Help: "Total confirmed trades",
	}, []string{"side", "type"})

	// TradeRetries counts transient submission failures that were retried.
	TradeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "battle_engine_trade_retries_total",
		Help: "Transient trade submission failures retried",
	})

	// SlippageRejections counts trades rejected by the slippage bound.
	SlippageRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "battle_engine_slippage_rejections_total",
		Help: "Trade intents rejected by slippage bound",
	})

	// SettlementsTotal counts settled battles by outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "battle_engine_settlements_total",
		Help: "Total battle settlements",
	}, []string{"outcome"}) // "winner" or "tie"

	// WebSocketClients tracks connected event-stream subscribers.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "battle_engine_websocket_clients",
		Help: "Number of connected WebSocket subscribers",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "battle_engine_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "battle_engine_http_request_duration_seconds",
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

// Hijack passes through to the underlying writer so WebSocket upgrades
// work behind this middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: underlying writer does not support hijacking")
	}
	return h.Hijack()
}
