// Package metrics exposes Prometheus counters for consultation sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	TransitionsTotal   *prometheus.CounterVec
	StreamsTotal       *prometheus.CounterVec
	InterruptionsTotal *prometheus.CounterVec
	RejectionsTotal    *prometheus.CounterVec
	SessionsTotal      *prometheus.CounterVec
	SummariesTotal     *prometheus.CounterVec
	StreamChunksTotal  prometheus.Counter
	ObserverBacklog    prometheus.Gauge
}

// New creates and registers every collector on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "consult"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_transitions_total",
			Help:      "Accepted turn state transitions",
		}, []string{"from", "to", "event"}),
		StreamsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_total",
			Help:      "Response streams by terminal outcome",
		}, []string{"outcome"}),
		InterruptionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interruptions_total",
			Help:      "Playback interruptions by trigger",
		}, []string{"source"}),
		RejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Commands rejected before reaching the turn machine",
		}, []string{"reason"}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions opened, by how they were obtained",
		}, []string{"origin"}),
		SummariesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "summaries_total",
			Help:      "Summary requests by result",
		}, []string{"result"}),
		StreamChunksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_chunks_total",
			Help:      "Streamed response chunks received",
		}),
		ObserverBacklog: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "observer_backlog",
			Help:      "Updates queued for the slowest subscriber",
		}),
	}
	registry.MustRegister(
		m.TransitionsTotal,
		m.StreamsTotal,
		m.InterruptionsTotal,
		m.RejectionsTotal,
		m.SessionsTotal,
		m.SummariesTotal,
		m.StreamChunksTotal,
		m.ObserverBacklog,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Transition counts one accepted turn transition.
func (m *Metrics) Transition(from, to, event string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to, event).Inc()
}

// Stream counts a stream outcome: completed, failed or cancelled.
func (m *Metrics) Stream(outcome string) {
	if m == nil {
		return
	}
	m.StreamsTotal.WithLabelValues(outcome).Inc()
}

// Chunk counts one streamed chunk.
func (m *Metrics) Chunk() {
	if m == nil {
		return
	}
	m.StreamChunksTotal.Inc()
}

// Interruption counts a barge-in or explicit interrupt.
func (m *Metrics) Interruption(source string) {
	if m == nil {
		return
	}
	m.InterruptionsTotal.WithLabelValues(source).Inc()
}

// Rejection counts a rejected command.
func (m *Metrics) Rejection(reason string) {
	if m == nil {
		return
	}
	m.RejectionsTotal.WithLabelValues(reason).Inc()
}

// Session counts an opened session: resumed or created.
func (m *Metrics) Session(origin string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(origin).Inc()
}

// Summary counts a summary request result.
func (m *Metrics) Summary(result string) {
	if m == nil {
		return
	}
	m.SummariesTotal.WithLabelValues(result).Inc()
}

// Backlog records how many updates the slowest subscriber has queued.
func (m *Metrics) Backlog(n int) {
	if m == nil {
		return
	}
	m.ObserverBacklog.Set(float64(n))
}
