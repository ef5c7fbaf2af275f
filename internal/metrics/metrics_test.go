// SPDX-License-Identifier: MIT
package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func getCounterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, counter.Write(metric))
	return metric.GetCounter().GetValue()
}

func getGaugeValue(t *testing.T, gauge prometheus.Gauge) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, gauge.Write(metric))
	return metric.GetGauge().GetValue()
}

func TestIncBusDropDefaultsUnknownLabels(t *testing.T) {
	before := getCounterValue(t, BusDroppedTotal.WithLabelValues("unknown", "unknown"))
	IncBusDrop("", "")
	after := getCounterValue(t, BusDroppedTotal.WithLabelValues("unknown", "unknown"))
	require.Equal(t, before+1, after)
}

func TestIncBusDropRecordsReason(t *testing.T) {
	before := getCounterValue(t, BusDroppedTotal.WithLabelValues("sensor.frames", ReasonOverflow))
	IncBusDrop("sensor.frames", ReasonOverflow)
	IncBusDrop("sensor.frames", ReasonOverflow)
	after := getCounterValue(t, BusDroppedTotal.WithLabelValues("sensor.frames", ReasonOverflow))
	require.Equal(t, before+2, after)
}

func TestRecordTransitionKeepsGaugeConsistent(t *testing.T) {
	created := getGaugeValue(t, WorkersByState.WithLabelValues("created"))
	starting := getGaugeValue(t, WorkersByState.WithLabelValues("starting"))
	transitions := getCounterValue(t, WorkerTransitionsTotal.WithLabelValues("created", "starting"))

	RecordTransition("created", "starting")

	require.Equal(t, created-1, getGaugeValue(t, WorkersByState.WithLabelValues("created")))
	require.Equal(t, starting+1, getGaugeValue(t, WorkersByState.WithLabelValues("starting")))
	require.Equal(t, transitions+1, getCounterValue(t, WorkerTransitionsTotal.WithLabelValues("created", "starting")))

	// A transition into the initial state has no predecessor to decrement.
	RecordTransition("", "created")
	require.Equal(t, created, getGaugeValue(t, WorkersByState.WithLabelValues("created")))
}
