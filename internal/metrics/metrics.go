// Package metrics provides Prometheus instrumentation for the custody engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmx/custody-engine/internal/errcode"
)

var (
	// InstructionsTotal counts executed instructions by outcome.
	InstructionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_instructions_total",
		Help: "Total number of instructions executed",
	}, []string{"instruction", "result"})

	// InstructionLatency tracks instruction execution time, lock waits included.
	InstructionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "custody_instruction_latency_seconds",
		Help:    "Instruction execution latency in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
	}, []string{"instruction"})

	// InstructionRejections counts failed instructions by error name.
	InstructionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_instruction_rejections_total",
		Help: "Instructions rejected, by error name",
	}, []string{"instruction", "error"})

	// OpenPositions tracks live positions per side.
	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "custody_open_positions",
		Help: "Number of open positions",
	}, []string{"side"})

	// PoolAumUsd is the last computed AUM per pool, in USD.
	PoolAumUsd = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "custody_pool_aum_usd",
		Help: "Pool assets under management in USD",
	}, []string{"pool"})

	// Liquidations counts liquidated positions per custody.
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_liquidations_total",
		Help: "Positions liquidated",
	}, []string{"custody"})

	// FeesCollectedUsd accumulates collected fees by kind, in USD.
	FeesCollectedUsd = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_fees_collected_usd_total",
		Help: "Fees collected in USD",
	}, []string{"kind"})

	// OracleRefreshErrors counts failed oracle account refreshes.
	OracleRefreshErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "custody_oracle_refresh_errors_total",
		Help: "Failed oracle refreshes",
	})

	// KeeperActions counts keeper liquidations and trigger closes by outcome.
	KeeperActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_keeper_actions_total",
		Help: "Keeper actions",
	}, []string{"action", "result"})

	// EventsPersistFailures counts events the recorder could not store.
	EventsPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "custody_events_persist_failures_total",
		Help: "Events that failed to persist",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "custody_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "custody_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "custody_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveInstruction records the outcome and latency of one instruction.
func ObserveInstruction(instruction string, start time.Time, err error) {
	InstructionLatency.WithLabelValues(instruction).Observe(time.Since(start).Seconds())
	if err == nil {
		InstructionsTotal.WithLabelValues(instruction, "ok").Inc()
		return
	}
	InstructionsTotal.WithLabelValues(instruction, "error").Inc()
	name := "Internal"
	if e, ok := errcode.As(err); ok {
		name = e.Name
	}
	InstructionRejections.WithLabelValues(instruction, name).Inc()
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

		// Label by route pattern; raw paths carry position addresses.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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
