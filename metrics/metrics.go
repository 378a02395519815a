// Package metrics exports coordinator, event bus and HTTP activity as
// Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sagarc03/ucs"
)

const namespace = "ucs"

// Metrics implements ucs.Observer and records event bus and HTTP activity.
type Metrics struct {
	gatherer prometheus.Gatherer

	transitions     *prometheus.CounterVec
	discarded       *prometheus.CounterVec
	conflictRetries prometheus.Counter
	published       *prometheus.CounterVec

	messages        *prometheus.CounterVec
	messageDuration *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New registers every metric on reg. A nil reg uses a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		gatherer: reg,
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Committed upload record state transitions.",
		}, []string{"event", "from", "to"}),
		discarded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_discarded_total",
			Help:      "Inbound events acknowledged without effect.",
		}, []string{"event", "reason"}),
		conflictRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflict_retries_total",
			Help:      "Compare-and-update retries after a version conflict.",
		}),
		published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Outbound events published.",
		}, []string{"event"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_messages_total",
			Help:      "Inbound bus messages by handling result.",
		}, []string{"event", "result"}),
		messageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_message_duration_seconds",
			Help:      "Time spent handling one inbound bus message, retries included.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) Transition(kind ucs.EventKind, from, to ucs.State) {
	if from == "" {
		from = "NONE"
	}
	m.transitions.WithLabelValues(string(kind), string(from), string(to)).Inc()
}

func (m *Metrics) Discarded(kind ucs.EventKind, reason string) {
	m.discarded.WithLabelValues(string(kind), reason).Inc()
}

func (m *Metrics) ConflictRetry() {
	m.conflictRetries.Inc()
}

func (m *Metrics) Published(kind ucs.EventKind) {
	m.published.WithLabelValues(string(kind)).Inc()
}

// MessageHandled records the final result of one inbound message: "acked",
// "deferred", "retry" or "dead_lettered".
func (m *Metrics) MessageHandled(kind ucs.EventKind, result string, elapsed time.Duration) {
	m.messages.WithLabelValues(string(kind), result).Inc()
	m.messageDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Middleware counts requests by chi route pattern, so path parameters do
// not inflate label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rw.status)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
