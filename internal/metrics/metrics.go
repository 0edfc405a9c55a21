// Package metrics holds the prometheus collectors exported by the sync server.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "collabtext"

// Metrics groups the collectors shared by the sync components.
type Metrics struct {
	FramesReceived    *prometheus.CounterVec
	FramesSent        prometheus.Counter
	Disconnects       *prometheus.CounterVec
	Connections       prometheus.Gauge
	Sessions          prometheus.Gauge
	Evictions         *prometheus.CounterVec
	Checkpoints       *prometheus.CounterVec
	CheckpointSeconds prometheus.Histogram
	ClusterPublished  prometheus.Counter
	ClusterReceived   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames received from clients, by kind.",
		}, []string{"kind"}),
		FramesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames queued to clients.",
		}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnects_total",
			Help:      "Client disconnects, by reason.",
		}, []string{"reason"}),
		Connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open client connections.",
		}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Live document sessions on this process.",
		}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_evictions_total",
			Help:      "Evicted document sessions, by cause.",
		}, []string{"cause"}),
		Checkpoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint attempts, by result.",
		}, []string{"result"}),
		CheckpointSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Duration of successful checkpoints.",
			Buckets:   prometheus.DefBuckets,
		}),
		ClusterPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_published_total",
			Help:      "Frames published to the cluster channel.",
		}),
		ClusterReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cluster_received_total",
			Help:      "Cluster deliveries, by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.FramesReceived, m.FramesSent, m.Disconnects, m.Connections,
			m.Sessions, m.Evictions, m.Checkpoints, m.CheckpointSeconds,
			m.ClusterPublished, m.ClusterReceived,
		)
	}
	return m
}

func (m *Metrics) FrameReceived(kind string) {
	if m != nil {
		m.FramesReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) FrameSent() {
	if m != nil {
		m.FramesSent.Inc()
	}
}

func (m *Metrics) Disconnect(reason string) {
	if m != nil {
		m.Disconnects.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.Sessions.Inc()
	}
}

func (m *Metrics) SessionClosed(cause string) {
	if m != nil {
		m.Sessions.Dec()
		m.Evictions.WithLabelValues(cause).Inc()
	}
}

func (m *Metrics) Checkpoint(result string, seconds float64) {
	if m == nil {
		return
	}
	m.Checkpoints.WithLabelValues(result).Inc()
	if result == "ok" {
		m.CheckpointSeconds.Observe(seconds)
	}
}

func (m *Metrics) Published() {
	if m != nil {
		m.ClusterPublished.Inc()
	}
}

func (m *Metrics) Received(outcome string) {
	if m != nil {
		m.ClusterReceived.WithLabelValues(outcome).Inc()
	}
}
