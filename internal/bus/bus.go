// SPDX-License-Identifier: MIT

package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/quintael/microkern/internal/log"
	"github.com/quintael/microkern/internal/metrics"
)

// Options configure a Bus instance.
type Options struct {
	// StrictTopics rejects publishes to topics no subscriber has created.
	// By default topics come into existence lazily on first use.
	StrictTopics bool

	// Logger overrides the component logger, mainly for tests.
	Logger *zerolog.Logger
}

// Bus routes published messages to every subscriber mailbox of their topic.
// It owns the topic registry; workers hold only identifiers and mailbox
// handles, never each other's state. Multiple independent Bus instances may
// coexist (there is no package-level registry).
type Bus struct {
	opts    Options
	logger  zerolog.Logger
	dropLog *rate.Limiter // throttles overflow warnings

	mu     sync.RWMutex
	topics map[string]*topic
	closed bool
}

// New creates an empty bus.
func New(opts Options) *Bus {
	logger := log.WithComponent("bus")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Bus{
		opts:    opts,
		logger:  logger,
		dropLog: rate.NewLimiter(rate.Every(time.Second), 1),
		topics:  make(map[string]*topic),
	}
}

// Subscribe registers a bounded mailbox for (workerID, topicName) and
// returns its handle. The call is idempotent: re-subscribing with the same
// capacity and policy returns the existing mailbox, anything else fails
// with ErrAlreadySubscribed.
func (b *Bus) Subscribe(workerID WorkerID, topicName string, capacity int, policy OverflowPolicy) (*Mailbox, error) {
	if capacity <= 0 {
		return nil, ErrCapacityMisconfigured
	}
	// Store the canonical policy so the empty default compares and
	// enqueues as Block.
	policy, err := ParsePolicy(string(policy))
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBusClosed
	}
	t, ok := b.topics[topicName]
	if !ok {
		t = newTopic(topicName)
		b.topics[topicName] = t
	}
	b.mu.Unlock()

	// Registry mutation is guarded per topic; hold it across the
	// existence check and the insert so concurrent subscribes of the same
	// worker cannot race past each other.
	t.mu.Lock()
	if existing, ok := t.index[workerID]; ok {
		t.mu.Unlock()
		if existing.Cap() == capacity && existing.policy == policy {
			return existing, nil
		}
		return nil, ErrAlreadySubscribed
	}
	mb := newMailbox(workerID, topicName, capacity, policy)
	t.subs = append(t.subs, mb)
	t.index[workerID] = mb
	t.mu.Unlock()

	b.logger.Debug().
		Str("topic", topicName).
		Str("worker_id", string(workerID)).
		Int("capacity", capacity).
		Str("policy", string(policy)).
		Msg("subscribed")
	return mb, nil
}

// Unsubscribe removes the subscriber from the topic and tears its mailbox
// down; undelivered messages are discarded and publishers parked on the
// mailbox unblock with ErrSubscriberRemoved.
func (b *Bus) Unsubscribe(workerID WorkerID, topicName string) error {
	return b.unsubscribe(workerID, topicName, ErrSubscriberRemoved)
}

// UnsubscribeAll removes every subscription the worker holds, closing each
// mailbox with the given reason (ErrSubscriberRemoved on termination,
// ErrShuttingDown during kernel shutdown).
func (b *Bus) UnsubscribeAll(workerID WorkerID, reason error) {
	b.mu.RLock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	b.mu.RUnlock()

	for _, name := range names {
		if err := b.unsubscribe(workerID, name, reason); err != nil && !errors.Is(err, ErrNotSubscribed) {
			b.logger.Warn().Err(err).
				Str("topic", name).
				Str("worker_id", string(workerID)).
				Msg("unsubscribe failed during teardown")
		}
	}
}

func (b *Bus) unsubscribe(workerID WorkerID, topicName string, reason error) error {
	b.mu.RLock()
	t, ok := b.topics[topicName]
	b.mu.RUnlock()
	if !ok {
		return ErrNotSubscribed
	}

	mb, ok := t.remove(workerID)
	if !ok {
		return ErrNotSubscribed
	}
	if discarded := mb.close(reason); discarded > 0 {
		metrics.BusDroppedTotal.WithLabelValues(topicName, metrics.ReasonUnsubscribed).Add(float64(discarded))
	}
	b.logger.Debug().
		Str("topic", topicName).
		Str("worker_id", string(workerID)).
		Msg("unsubscribed")
	return nil
}

// Publish allocates the next per-topic sequence number and enqueues the
// message into the mailbox of every subscriber registered at call time.
// The payload is copied once so later mutation by the publisher cannot
// leak into mailboxes.
//
// Delivery failures are per subscriber: one full Reject mailbox or one
// timed-out Block mailbox never prevents delivery to the others. When any
// subscriber fails, the returned error is a *DeliveryError keyed by worker
// identity; the sequence number is valid either way.
func (b *Bus) Publish(ctx context.Context, publisher WorkerID, topicName string, payload []byte) (uint64, error) {
	if ctx == nil {
		return 0, errors.New("bus: publish context is nil")
	}

	t, err := b.topicFor(topicName)
	if err != nil {
		return 0, err
	}

	// Serializing publishes per topic makes sequence numbers and mailbox
	// enqueue order agree, which is what gives each subscriber gap-free
	// FIFO delivery.
	t.pubMu.Lock()
	defer t.pubMu.Unlock()

	seq := t.seq.Add(1)
	msg := Message{
		Topic:     topicName,
		Seq:       seq,
		Publisher: publisher,
		Payload:   append([]byte(nil), payload...),
		At:        time.Now(),
	}

	t.published.Add(1)
	metrics.BusPublishedTotal.WithLabelValues(topicName).Inc()

	subs := t.snapshot()
	if len(subs) == 0 {
		t.droppedNoSubscriber.Add(1)
		metrics.IncBusDrop(topicName, metrics.ReasonNoSubscriber)
		return seq, nil
	}

	var failures map[WorkerID]error
	for _, mb := range subs {
		delivered, evicted, err := mb.enqueue(ctx, msg)
		if delivered {
			t.delivered.Add(1)
			metrics.BusDeliveredTotal.WithLabelValues(topicName).Inc()
		}
		if evicted > 0 {
			t.droppedOverflow.Add(evicted)
			metrics.BusDroppedTotal.WithLabelValues(topicName, metrics.ReasonOverflow).Add(float64(evicted))
			b.warnDrop(topicName, mb.owner, "overflow")
		}
		if err != nil {
			b.recordFailure(topicName, mb.owner, err)
			if failures == nil {
				failures = make(map[WorkerID]error)
			}
			failures[mb.owner] = err
		}
	}

	if failures != nil {
		return seq, &DeliveryError{Topic: topicName, Seq: seq, Failures: failures}
	}
	return seq, nil
}

// RemoveTopic deletes a topic from the registry. It is only legal once no
// subscribers remain; sequence numbering restarts if the topic is later
// recreated.
func (b *Bus) RemoveTopic(topicName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[topicName]
	if !ok {
		return ErrUnknownTopic
	}
	if t.subscriberCount() > 0 {
		return ErrTopicNotEmpty
	}
	delete(b.topics, topicName)
	return nil
}

// Close tears down every mailbox with ErrShuttingDown and rejects further
// structural operations. Publish against surviving topic handles unblocks
// through the closed mailboxes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		for _, mb := range t.snapshot() {
			t.remove(mb.owner)
			mb.close(ErrShuttingDown)
		}
	}
	b.logger.Info().Msg("bus closed")
}

func (b *Bus) topicFor(name string) (*topic, error) {
	b.mu.RLock()
	t, ok := b.topics[name]
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrBusClosed
	}
	if ok {
		return t, nil
	}
	if b.opts.StrictTopics {
		return nil, ErrUnknownTopic
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	if t, ok := b.topics[name]; ok {
		return t, nil
	}
	t = newTopic(name)
	b.topics[name] = t
	return t, nil
}

func (b *Bus) recordFailure(topicName string, owner WorkerID, err error) {
	switch {
	case errors.Is(err, ErrPublishTimeout):
		metrics.IncBusDrop(topicName, metrics.ReasonTimeout)
	case errors.Is(err, ErrMailboxFull):
		metrics.IncBusDrop(topicName, metrics.ReasonRejected)
	case errors.Is(err, ErrSubscriberRemoved), errors.Is(err, ErrShuttingDown):
		metrics.IncBusDrop(topicName, metrics.ReasonUnsubscribed)
	default:
		metrics.IncBusDrop(topicName, "unknown")
	}
	b.warnDrop(topicName, owner, "delivery_failure")
}

// warnDrop logs backpressure events at most once per second so a hot topic
// cannot flood the log.
func (b *Bus) warnDrop(topicName string, owner WorkerID, kind string) {
	if !b.dropLog.Allow() {
		return
	}
	b.logger.Warn().
		Str("topic", topicName).
		Str("worker_id", string(owner)).
		Str("kind", kind).
		Msg("bus dropped or failed to deliver messages")
}
