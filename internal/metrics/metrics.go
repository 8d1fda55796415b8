package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Turn outcomes recorded by RecordTurn.
const (
	OutcomeOK        = "ok"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeExit      = "exit"
	OutcomeBusy      = "busy"
	OutcomeDisposed  = "disposed"
	OutcomeError     = "error"
)

//nolint:gochecknoglobals // prometheus collectors are registered once per process
var (
	// RequestsTotal counts HTTP requests by route pattern.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warelay_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration tracks request latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warelay_http_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// TurnsTotal counts prompt turns sent to agent processes.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warelay_agent_turns_total",
			Help: "Total number of agent turns by outcome",
		},
		[]string{"command", "outcome"},
	)

	// TurnDuration tracks how long a turn takes from send to resolution.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "warelay_agent_turn_duration_seconds",
			Help:    "Agent turn duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"command"},
	)

	// ProcessSpawns counts agent processes started.
	ProcessSpawns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warelay_agent_process_spawns_total",
			Help: "Total number of agent processes spawned",
		},
		[]string{"command"},
	)

	// ProcessExits counts agent processes that exited on their own.
	ProcessExits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warelay_agent_process_exits_total",
			Help: "Total number of unexpected agent process exits",
		},
		[]string{"command", "pending"},
	)

	// RepliesTotal counts relay replies by agent and outcome.
	RepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warelay_relay_replies_total",
			Help: "Total number of relayed replies",
		},
		[]string{"agent", "outcome"},
	)

	// InboundDuplicates counts inbound chat messages dropped as duplicates.
	InboundDuplicates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warelay_inbound_duplicates_total",
			Help: "Total number of duplicate inbound messages dropped",
		},
		[]string{"platform"},
	)
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush implements http.Flusher.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for WebSocket upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics.responseWriter.Hijack: %T does not support hijacking", rw.ResponseWriter)
	}
	return hj.Hijack()
}

// Unwrap returns the underlying writer for http.ResponseController.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware records request count and latency, labelled with the chi route
// pattern so path parameters do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := routePattern(r)
		RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "other"
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTurn records the outcome of one agent turn.
func RecordTurn(command, outcome string, elapsed time.Duration) {
	TurnsTotal.WithLabelValues(command, outcome).Inc()
	if outcome == OutcomeOK {
		TurnDuration.WithLabelValues(command).Observe(elapsed.Seconds())
	}
}

// RecordSpawn records a process start.
func RecordSpawn(command string) {
	ProcessSpawns.WithLabelValues(command).Inc()
}

// RecordExit records a process exit that was not requested by the client.
func RecordExit(command string, pending bool) {
	ProcessExits.WithLabelValues(command, strconv.FormatBool(pending)).Inc()
}

// RecordReply records a relay reply.
func RecordReply(agentName, outcome string) {
	RepliesTotal.WithLabelValues(agentName, outcome).Inc()
}

// RecordDuplicate records a dropped duplicate inbound message.
func RecordDuplicate(platform string) {
	InboundDuplicates.WithLabelValues(platform).Inc()
}
