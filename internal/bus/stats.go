// SPDX-License-Identifier: MIT

package bus

import "sort"

// TopicStats is a point-in-time snapshot of one topic's counters. The same
// numbers feed the prometheus collectors; this form exists so tests and the
// status endpoint don't have to scrape.
type TopicStats struct {
	Topic               string `json:"topic"`
	Subscribers         int    `json:"subscribers"`
	Seq                 uint64 `json:"seq"`
	Published           uint64 `json:"published"`
	Delivered           uint64 `json:"delivered"`
	DroppedOverflow     uint64 `json:"dropped_overflow"`
	DroppedNoSubscriber uint64 `json:"dropped_no_subscriber"`
}

// TopicStats returns the counters for one topic.
func (b *Bus) TopicStats(name string) (TopicStats, bool) {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if !ok {
		return TopicStats{}, false
	}
	return t.stats(), true
}

// Stats returns a snapshot for every known topic, sorted by name.
func (b *Bus) Stats() []TopicStats {
	b.mu.RLock()
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.RUnlock()

	out := make([]TopicStats, 0, len(topics))
	for _, t := range topics {
		out = append(out, t.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}

func (t *topic) stats() TopicStats {
	return TopicStats{
		Topic:               t.name,
		Subscribers:         t.subscriberCount(),
		Seq:                 t.seq.Load(),
		Published:           t.published.Load(),
		Delivered:           t.delivered.Load(),
		DroppedOverflow:     t.droppedOverflow.Load(),
		DroppedNoSubscriber: t.droppedNoSubscriber.Load(),
	}
}
