// SPDX-License-Identifier: MIT

// Package metrics exposes the kernel's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BusPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microkern_bus_published_total",
		Help: "Total number of messages published per topic",
	}, []string{"topic"})

	BusDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microkern_bus_delivered_total",
		Help: "Total number of messages enqueued into subscriber mailboxes per topic",
	}, []string{"topic"})

	BusDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "microkern_bus_dropped_total",
		Help: "Total number of bus message drops by topic and reason",
	}, []string{"topic", "reason"})
)

// Drop reasons recorded on BusDroppedTotal.
const (
	ReasonOverflow     = "overflow"
	ReasonNoSubscriber = "no_subscriber"
	ReasonTimeout      = "timeout"
	ReasonRejected     = "rejected"
	ReasonUnsubscribed = "unsubscribed"
)

// IncBusDrop records a dropped bus message with a concrete reason.
func IncBusDrop(topic, reason string) {
	if topic == "" {
		topic = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	BusDroppedTotal.WithLabelValues(topic, reason).Inc()
}
