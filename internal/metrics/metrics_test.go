package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	t.Fatalf("metric family %q not found", name)
	return nil
}

func TestNilRegistererYieldsNoopMetrics(t *testing.T) {
	var m *Metrics
	require.NotPanics(t, func() {
		m.ObserveRendezvous(1.5, 3)
		m.SetFinalizerDepth(2)
		m.SetReferenceDepth("weak", 1)
		m.IncStaleCleared()
	})
}

func TestObserveRendezvousRecordsDurationAndJoined(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRendezvous(0.25, 4)

	joined := gatherValue(t, reg, "vmkit_rendezvous_joined_threads")
	require.Equal(t, float64(4), joined.Metric[0].Gauge.GetValue())

	dur := gatherValue(t, reg, "vmkit_rendezvous_duration_seconds")
	require.Equal(t, uint64(1), dur.Metric[0].Histogram.GetSampleCount())
}

func TestReferenceDepthIsLabeledBySemantics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.SetReferenceDepth("weak", 3)
	m.SetReferenceDepth("soft", 7)

	fam := gatherValue(t, reg, "vmkit_reference_queue_depth")
	require.Len(t, fam.Metric, 2)
}

func TestIncStaleClearedIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.IncStaleCleared()
	m.IncStaleCleared()

	fam := gatherValue(t, reg, "vmkit_stale_reference_cleared_total")
	require.Equal(t, float64(2), fam.Metric[0].Counter.GetValue())
}
