// SPDX-License-Identifier: MIT

package bus

import (
	"sync"
	"sync/atomic"
)

// topic holds the registry state for one named channel: the insertion-
// ordered subscriber set and the per-topic sequence counter.
type topic struct {
	name string

	// pubMu serializes publishes so every subscriber observes sequence
	// numbers in enqueue order (per-subscriber FIFO).
	pubMu sync.Mutex
	seq   atomic.Uint64 // advanced only under pubMu; read lock-free by stats

	mu    sync.RWMutex // guards subs/index
	subs  []*Mailbox   // insertion order = subscription order
	index map[WorkerID]*Mailbox

	published           atomic.Uint64
	delivered           atomic.Uint64
	droppedOverflow     atomic.Uint64
	droppedNoSubscriber atomic.Uint64
}

func newTopic(name string) *topic {
	return &topic{
		name:  name,
		index: make(map[WorkerID]*Mailbox),
	}
}

// remove unregisters the worker's mailbox and returns it. Safe to call
// concurrently with an in-flight publish: the publish holds its own
// snapshot and is unblocked through Mailbox.close.
func (t *topic) remove(id WorkerID) (*Mailbox, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mb, ok := t.index[id]
	if !ok {
		return nil, false
	}
	delete(t.index, id)
	out := t.subs[:0]
	for _, s := range t.subs {
		if s != mb {
			out = append(out, s)
		}
	}
	t.subs = out
	return mb, true
}

// snapshot copies the current subscriber set. Subscribers added after the
// snapshot need not receive the message being published.
func (t *topic) snapshot() []*Mailbox {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]*Mailbox(nil), t.subs...)
}

func (t *topic) subscriberCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}
