package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	SpawnsTotal       prometheus.Counter
	CleanupsTotal     prometheus.Counter
	ResolveFailures   *prometheus.CounterVec
	ActiveTunnels     prometheus.Gauge
	WebSocketSessions prometheus.Counter
}

// NewMetrics creates and registers the gateway metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labgate",
			Name:      "requests_total",
			Help:      "Total requests by outcome and status code.",
		}, []string{"outcome", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "labgate",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		SpawnsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "labgate",
			Name:      "spawns_total",
			Help:      "Instance spawns triggered on behalf of users.",
		}),
		CleanupsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "labgate",
			Name:      "cleanups_total",
			Help:      "Stopped instance records cleaned up before retry.",
		}),
		ResolveFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "labgate",
			Name:      "resolve_failures_total",
			Help:      "Lifecycle resolution failures by kind.",
		}, []string{"kind"}),
		ActiveTunnels: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "labgate",
			Name:      "active_tunnels",
			Help:      "HTTP tunnels currently streaming to a backend.",
		}),
		WebSocketSessions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "labgate",
			Name:      "websocket_sessions_total",
			Help:      "WebSocket relay sessions established.",
		}),
	}
}

// statusRecorder captures the response status code and defaults to 200
// when the handler never calls WriteHeader.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// outcomeContextKey carries the resolved outcome label from the handler back
// to the metrics middleware.
type outcomeContextKey struct{}

type outcomeHolder struct {
	label string
}

// setOutcome records the outcome label for the in-flight request.
func setOutcome(r *http.Request, label string) {
	if h, ok := r.Context().Value(outcomeContextKey{}).(*outcomeHolder); ok {
		h.label = label
	}
}

// MetricsMiddleware records request counts and durations labelled by the
// outcome the handler reported and the response status.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		holder := &outcomeHolder{label: "unmatched"}

		ctx := context.WithValue(r.Context(), outcomeContextKey{}, holder)
		next.ServeHTTP(rec, r.WithContext(ctx))

		m.RequestsTotal.WithLabelValues(holder.label, strconv.Itoa(rec.status)).Inc()
		m.RequestDuration.WithLabelValues(holder.label).Observe(time.Since(start).Seconds())
	})
}
