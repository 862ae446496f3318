// Package metrics exposes Prometheus collectors for the realtime engine.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaychat"

// Metrics groups the engine's collectors.
type Metrics struct {
	connections prometheus.Gauge
	persisted   *prometheus.CounterVec
	batchSize   prometheus.Histogram
	flush       prometheus.Histogram
	dropped     prometheus.Counter
	presence    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Live transport connections on this node.",
		}),
		persisted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_persisted_total",
			Help:      "Messages persisted by the dispatcher, by type.",
		}, []string{"type"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_batch_size",
			Help:      "Broadcasts delivered per flush.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 512},
		}),
		flush: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_flush_seconds",
			Help:      "Time spent fanning out one batch.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a connection buffer was full.",
		}),
		presence: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "presence_transitions_total",
			Help:      "Online/offline transitions.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.connections, m.persisted, m.batchSize, m.flush, m.dropped, m.presence)
	return m
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) MessagePersisted(msgType string) {
	if m == nil {
		return
	}
	m.persisted.WithLabelValues(msgType).Inc()
}

func (m *Metrics) BatchFlushed(size int, took time.Duration) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
	m.flush.Observe(took.Seconds())
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) PresenceTransition(online bool) {
	if m == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	m.presence.WithLabelValues(state).Inc()
}
