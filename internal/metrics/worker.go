// SPDX-License-Identifier: MIT

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microkern_worker_transitions_total",
		Help: "Total number of worker lifecycle state transitions",
	}, []string{"from", "to"})

	WorkerRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microkern_worker_restarts_total",
		Help: "Total number of worker restarts after a crash",
	}, []string{"worker"})

	WorkersByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "microkern_workers",
		Help: "Number of workers currently in each lifecycle state",
	}, []string{"state"})
)

// RecordTransition accounts a worker state transition and keeps the
// per-state gauge consistent.
func RecordTransition(from, to string) {
	WorkerTransitionsTotal.WithLabelValues(from, to).Inc()
	if from != "" {
		WorkersByState.WithLabelValues(from).Dec()
	}
	WorkersByState.WithLabelValues(to).Inc()
}
