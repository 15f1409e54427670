package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordOnRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PoolCreated("licenses", true)
	m.PoolCreated("licenses", true)
	m.PoolEvicted("licenses", "retired")
	m.ObserveResolve("licenses", "hit", time.Now())
	m.OutboxAcked(time.Now().Add(-time.Second))
	m.OutboxFailed(true)
	m.DeadLettered("outbox")

	require.Equal(t, 1.0, testutil.ToFloat64(m.OpenPools.WithLabelValues("licenses")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.PoolCreations.WithLabelValues("licenses", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.ResolveResults.WithLabelValues("licenses", "hit")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.OutboxPublished))
	require.Equal(t, 1.0, testutil.ToFloat64(m.OutboxDeadLettered))
	require.Equal(t, 1.0, testutil.ToFloat64(m.DeadLetters.WithLabelValues("outbox")))

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.PoolCreated("x", true)
		m.ObserveEvent("x", "Created", "ok", time.Now())
		m.SetActiveLanes(3)
	})
}

func TestUnregisteredInstancesDoNotCollide(t *testing.T) {
	require.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}
