package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.FrameReceived("sync")
		m.FrameSent()
		m.Disconnect("idle")
		m.ConnectionOpened()
		m.ConnectionClosed()
		m.SessionOpened()
		m.SessionClosed("idle")
		m.Checkpoint("ok", 0.1)
		m.Published()
		m.Received("self")
	})
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed("idle")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Sessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Evictions.WithLabelValues("idle")))

	m.Checkpoint("ok", 0.25)
	m.Checkpoint("busy", 0)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Checkpoints.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Checkpoints.WithLabelValues("busy")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.CheckpointSeconds))

	m.FrameReceived("awareness")
	m.Received("delivered")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesReceived.WithLabelValues("awareness")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClusterReceived.WithLabelValues("delivered")))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
