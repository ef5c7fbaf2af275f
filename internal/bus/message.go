// SPDX-License-Identifier: MIT

// Package bus implements the kernel's in-memory publish/subscribe fabric:
// a topic registry, bounded per-subscriber mailboxes and the routing logic
// between them. Payloads are opaque bytes; any schema belongs to the
// modules exchanging them.
package bus

import "time"

// WorkerID identifies a logical execution unit on the bus.
type WorkerID string

// Message is an immutable payload routed through a topic. Seq is assigned
// by the bus at publish time and is monotonic per topic; it establishes the
// order a single subscriber observes for that topic. Payload must not be
// mutated after publish.
type Message struct {
	Topic     string
	Seq       uint64
	Publisher WorkerID
	Payload   []byte
	At        time.Time
}
