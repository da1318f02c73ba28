// Package metrics implements the Routing Engine's Prometheus collectors
// (SPEC_FULL.md's ambient-stack "Metrics" section): per-route request
// latency, bus publish outcomes by group, duplicate stream chunks,
// dead-lettered envelopes, in-flight Pending-Request Registry waiters,
// mismatched-kind replies, and stream reassembly window overruns.
//
// Grounded on asya-sidecar/internal/metrics's Metrics type: a private
// prometheus.Registry, one exported constructor building every collector up
// front, and a Handler() method serving that private registry rather than
// the global default one (so a proxy can run standalone without polluting
// process-wide metrics). No concrete metrics.go source file exists in the
// retrieval pack for that asya-sidecar package (only its test survived
// retrieval), so the collector set and label shapes here are modeled on the
// fields/methods asya-sidecar's own metrics_test.go exercises, adapted from
// queue-consumer metrics (messages received/processed/sent/failed) to
// routing-engine metrics (requests/publishes/chunks/dead-letters).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/asya/a2a-proxy/internal/routing"
)

// Metrics owns a private Prometheus registry and implements
// routing.Recorder, so a proxy wires it in via routing.WithRecorder.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal        *prometheus.CounterVec
	requestDuration      *prometheus.HistogramVec
	busPublishTotal      *prometheus.CounterVec
	duplicateChunks      prometheus.Counter
	deadLettered         *prometheus.CounterVec
	kindMismatch         prometheus.Counter
	streamWindowExceeded prometheus.Counter
	inFlightWaiters      prometheus.GaugeFunc
}

var _ routing.Recorder = (*Metrics)(nil)

// NewMetrics builds and registers every collector under namespace (the
// proxy's identity, so multiple proxies scraped through one federation
// layer remain distinguishable by their metric names' prefix). inFlight is
// polled at scrape time to back the in-flight waiter gauge; callers pass
// the Pending-Request Registry's Len method.
func NewMetrics(namespace string, inFlight func() int) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "requests_total",
			Help:      "Ingress requests handled, by route and HTTP status.",
		}, []string{"route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "request_duration_seconds",
			Help:      "Ingress request latency, by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		busPublishTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "bus_publish_total",
			Help:      "Bus publishes attempted, by group and outcome.",
		}, []string{"group", "outcome"}),
		duplicateChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "duplicate_stream_chunks_total",
			Help:      "Stream chunks dropped by the Pending-Request Registry as duplicate redeliveries.",
		}),
		deadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "dead_lettered_total",
			Help:      "Envelopes dead-lettered by a background receiver, by group.",
		}, []string{"group"}),
		kindMismatch: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "reply_kind_mismatch_total",
			Help:      "Reply envelopes dropped because their stream/non-stream shape didn't match the registered waiter.",
		}),
		streamWindowExceeded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "stream_reassembly_window_exceeded_total",
			Help:      "Streams aborted because a chunk arrived outside the reassembler's out-of-order window.",
		}),
		inFlightWaiters: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "in_flight_waiters",
			Help:      "Pending-Request Registry waiters currently awaiting a reply.",
		}, func() float64 { return float64(inFlight()) }),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.busPublishTotal,
		m.duplicateChunks,
		m.deadLettered,
		m.kindMismatch,
		m.streamWindowExceeded,
		m.inFlightWaiters,
	)
	return m
}

// ObserveRequest implements routing.Recorder.
func (m *Metrics) ObserveRequest(route string, status int, dur time.Duration) {
	m.requestsTotal.WithLabelValues(route, statusLabel(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// IncBusPublish implements routing.Recorder.
func (m *Metrics) IncBusPublish(group string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	m.busPublishTotal.WithLabelValues(group, outcome).Inc()
}

// IncDuplicateChunk implements routing.Recorder.
func (m *Metrics) IncDuplicateChunk() {
	m.duplicateChunks.Inc()
}

// IncDeadLettered implements routing.Recorder.
func (m *Metrics) IncDeadLettered(group string) {
	m.deadLettered.WithLabelValues(group).Inc()
}

// IncKindMismatch implements routing.Recorder.
func (m *Metrics) IncKindMismatch() {
	m.kindMismatch.Inc()
}

// IncStreamWindowExceeded implements routing.Recorder.
func (m *Metrics) IncStreamWindowExceeded() {
	m.streamWindowExceeded.Inc()
}

// Handler serves this Metrics instance's private registry, for mounting on
// the proxy's /metrics route.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
