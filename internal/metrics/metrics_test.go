package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, c.Write(m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	m := &dto.Metric{}
	require.NoError(t, g.Write(m))
	return m.GetGauge().GetValue()
}

func TestMetrics_Record(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RecordPut(10, true)
	m.RecordPut(10, false)
	assert.Equal(t, 1.0, counterValue(t, m.ObjectsWritten))
	assert.Equal(t, 20.0, counterValue(t, m.BytesWritten))

	m.RecordCacheLookup(true)
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(false)
	assert.Equal(t, 1.0, counterValue(t, m.CacheRequests.WithLabelValues("hit")))
	assert.Equal(t, 2.0, counterValue(t, m.CacheRequests.WithLabelValues("miss")))

	m.UpdateCache(3, 300)
	assert.Equal(t, 3.0, gaugeValue(t, m.CacheObjects))
	assert.Equal(t, 300.0, gaugeValue(t, m.CacheBytes))

	m.RecordBackend("store", nil, time.Millisecond)
	m.RecordBackend("store", errors.New("down"), time.Millisecond)
	assert.Equal(t, 1.0, counterValue(t, m.BackendRequests.WithLabelValues("store", "ok")))
	assert.Equal(t, 1.0, counterValue(t, m.BackendRequests.WithLabelValues("store", "error")))

	m.RecordGC("additive", nil, 2, 64, time.Second)
	assert.Equal(t, 1.0, counterValue(t, m.GCRuns.WithLabelValues("additive", "ok")))
	assert.Equal(t, 2.0, counterValue(t, m.GCRemoved))
	assert.Equal(t, 64.0, counterValue(t, m.GCBytesRemoved))
}

func TestMetrics_IndependentRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordPut(1, true)
		m.RecordRead(1)
		m.RecordCacheLookup(true)
		m.RecordEviction(1)
		m.UpdateCache(1, 1)
		m.RecordBackend("fetch", nil, 0)
		m.RecordGC("subtractive", nil, 0, 0, 0)
		m.RecordTransaction("commit")
	})
}
