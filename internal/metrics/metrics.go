package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lipc"

// Connection and session gauges/counters.
var (
	ActiveConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_connections",
		Help:      "Open WebSocket connections (handshake complete).",
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_sessions",
		Help:      "Authenticated sessions currently registered.",
	})

	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "frames_total",
		Help:      "Encrypted frames processed, by direction.",
	}, []string{"direction"})

	DecryptFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "decrypt_failures_total",
		Help:      "Frames that failed authentication or decryption.",
	})

	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "messages_total",
		Help:      "Dispatched messages by msg_type.",
	}, []string{"msg_type"})
)

// Call and caption counters.
var (
	ActiveCalls = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_calls",
		Help:      "Calls in a non-terminal state.",
	})

	CallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Finished calls by outcome.",
	}, []string{"outcome"})

	CaptionLinesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "caption_lines_total",
		Help:      "Transcript lines buffered for persistence.",
	})

	CaptionDropsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "caption_drops_total",
		Help:      "Caption broadcasts dropped due to slow connections.",
	})
)

// HTTP metrics for the health/metrics/upgrade surface.
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed.",
	}, []string{"method", "path_pattern", "status_code"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path_pattern"})
)

func init() {
	prometheus.MustRegister(
		ActiveConnections,
		ActiveSessions,
		FramesTotal,
		DecryptFailuresTotal,
		MessagesTotal,
		ActiveCalls,
		CallsTotal,
		CaptionLinesTotal,
		CaptionDropsTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// InstrumentHandler records HTTP request metrics using chi's route pattern as
// the path label to avoid cardinality explosion.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(sw, r)

		pattern := chi.RouteContext(r.Context()).RoutePattern()
		if pattern == "" {
			pattern = "unknown"
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(sw.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap supports http.ResponseController and middleware that probe for
// wrapped writers (e.g. http.Hijacker for the WebSocket upgrade).
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
