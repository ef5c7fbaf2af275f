// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Mailbox is a bounded ring buffer of messages owned by exactly one
// subscriber. The bus is the sole writer (on behalf of any publisher); only
// the owning worker may receive. The buffered count never exceeds the
// capacity fixed at subscribe time.
type Mailbox struct {
	owner  WorkerID
	topic  string
	policy OverflowPolicy

	mu       sync.Mutex
	buf      []Message
	head     int
	count    int
	closed   error // close reason; nil while open
	recvWait chan struct{}
	sendWait chan struct{}
	dropped  uint64 // overflow evictions/discards
}

func newMailbox(owner WorkerID, topic string, capacity int, policy OverflowPolicy) *Mailbox {
	return &Mailbox{
		owner:  owner,
		topic:  topic,
		policy: policy,
		buf:    make([]Message, capacity),
	}
}

// Owner returns the worker this mailbox belongs to.
func (m *Mailbox) Owner() WorkerID { return m.owner }

// Topic returns the topic feeding this mailbox.
func (m *Mailbox) Topic() string { return m.topic }

// Policy returns the overflow policy fixed at subscribe time.
func (m *Mailbox) Policy() OverflowPolicy { return m.policy }

// Cap returns the fixed capacity.
func (m *Mailbox) Cap() int { return len(m.buf) }

// Len returns a snapshot of the number of buffered messages.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

// Dropped returns the number of messages lost to overflow so far.
func (m *Mailbox) Dropped() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// enqueue applies the overflow policy and attempts to buffer msg. It
// reports whether the message was stored, how many older messages were
// evicted for it, and a per-subscriber delivery error if any.
func (m *Mailbox) enqueue(ctx context.Context, msg Message) (delivered bool, evicted uint64, err error) {
	m.mu.Lock()
	for {
		if m.closed != nil {
			err := m.closed
			m.mu.Unlock()
			return false, 0, err
		}
		if m.count < len(m.buf) {
			m.pushLocked(msg)
			m.mu.Unlock()
			return true, 0, nil
		}

		switch m.policy {
		case DropOldest:
			m.head = (m.head + 1) % len(m.buf)
			m.count--
			m.dropped++
			m.pushLocked(msg)
			m.mu.Unlock()
			return true, 1, nil
		case DropNewest:
			m.dropped++
			m.mu.Unlock()
			return false, 1, nil
		case Reject:
			m.mu.Unlock()
			return false, 0, ErrMailboxFull
		case Block:
			wait := m.sendChanLocked()
			m.mu.Unlock()
			select {
			case <-wait:
				m.mu.Lock()
			case <-ctx.Done():
				return false, 0, publishCtxErr(ctx.Err())
			}
		default:
			m.mu.Unlock()
			return false, 0, fmt.Errorf("bus: unknown overflow policy %q", m.policy)
		}
	}
}

// Receive blocks until the next in-order message arrives, the context is
// done, or the mailbox is closed. A deadline expiry maps to
// ErrReceiveTimeout; any other cancellation maps to ErrShuttingDown.
// Only the owning worker may call Receive.
func (m *Mailbox) Receive(ctx context.Context) (Message, error) {
	m.mu.Lock()
	for {
		if m.count > 0 {
			msg := m.popLocked()
			m.mu.Unlock()
			return msg, nil
		}
		if m.closed != nil {
			err := m.closed
			m.mu.Unlock()
			return Message{}, err
		}
		wait := m.recvChanLocked()
		m.mu.Unlock()
		select {
		case <-wait:
			m.mu.Lock()
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Message{}, ErrReceiveTimeout
			}
			return Message{}, fmt.Errorf("%w: %v", ErrShuttingDown, context.Cause(ctx))
		}
	}
}

// TryReceive returns the next message without blocking, or ErrEmpty.
func (m *Mailbox) TryReceive() (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.count > 0 {
		return m.popLocked(), nil
	}
	if m.closed != nil {
		return Message{}, m.closed
	}
	return Message{}, ErrEmpty
}

// close tears the mailbox down with the given reason, discarding buffered
// messages and unblocking parked publishers and the reader. It returns how
// many undelivered messages were discarded. Idempotent.
func (m *Mailbox) close(reason error) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed != nil {
		return 0
	}
	discarded := m.count
	m.closed = reason
	m.head = 0
	m.count = 0
	m.notifyLocked(&m.recvWait)
	m.notifyLocked(&m.sendWait)
	return discarded
}

func (m *Mailbox) pushLocked(msg Message) {
	m.buf[(m.head+m.count)%len(m.buf)] = msg
	m.count++
	m.notifyLocked(&m.recvWait)
}

func (m *Mailbox) popLocked() Message {
	msg := m.buf[m.head]
	m.buf[m.head] = Message{}
	m.head = (m.head + 1) % len(m.buf)
	m.count--
	m.notifyLocked(&m.sendWait)
	return msg
}

// notifyLocked wakes every waiter parked on the slot by closing the shared
// channel; the next waiter allocates a fresh one.
func (m *Mailbox) notifyLocked(slot *chan struct{}) {
	if *slot != nil {
		close(*slot)
		*slot = nil
	}
}

func (m *Mailbox) recvChanLocked() chan struct{} {
	if m.recvWait == nil {
		m.recvWait = make(chan struct{})
	}
	return m.recvWait
}

func (m *Mailbox) sendChanLocked() chan struct{} {
	if m.sendWait == nil {
		m.sendWait = make(chan struct{})
	}
	return m.sendWait
}

func publishCtxErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrPublishTimeout
	}
	return fmt.Errorf("%w: %v", ErrShuttingDown, err)
}
