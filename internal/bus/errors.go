// SPDX-License-Identifier: MIT

package bus

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrAlreadySubscribed is returned when a worker re-subscribes to a topic
	// with a different capacity or overflow policy.
	ErrAlreadySubscribed = errors.New("bus: already subscribed with different settings")

	// ErrNotSubscribed is returned when unsubscribing a (worker, topic) pair
	// that has no subscription.
	ErrNotSubscribed = errors.New("bus: not subscribed")

	// ErrUnknownTopic is returned by Publish in strict mode when the topic
	// was never created by a subscriber.
	ErrUnknownTopic = errors.New("bus: unknown topic")

	// ErrPublishTimeout is returned for a subscriber whose mailbox stayed
	// full past the publish deadline (Block policy).
	ErrPublishTimeout = errors.New("bus: publish timed out waiting for mailbox space")

	// ErrReceiveTimeout is returned when a blocking receive hits its deadline.
	ErrReceiveTimeout = errors.New("bus: receive timed out")

	// ErrEmpty is returned by a nonblocking receive on an empty mailbox.
	ErrEmpty = errors.New("bus: mailbox empty")

	// ErrMailboxFull is returned for a subscriber with the Reject policy
	// whose mailbox was full at publish time.
	ErrMailboxFull = errors.New("bus: mailbox full")

	// ErrSubscriberRemoved unblocks publishers parked on a mailbox whose
	// owner unsubscribed or terminated.
	ErrSubscriberRemoved = errors.New("bus: subscriber removed")

	// ErrShuttingDown unblocks any publish or receive during kernel shutdown.
	ErrShuttingDown = errors.New("bus: shutting down")

	// ErrCapacityMisconfigured rejects subscriptions with capacity <= 0.
	ErrCapacityMisconfigured = errors.New("bus: mailbox capacity must be positive")

	// ErrTopicNotEmpty rejects RemoveTopic while subscribers remain.
	ErrTopicNotEmpty = errors.New("bus: topic still has subscribers")

	// ErrBusClosed is returned for structural operations after Close.
	ErrBusClosed = errors.New("bus: closed")
)

// DeliveryError reports per-subscriber delivery failures for one publish.
// The message was still delivered to every subscriber not listed.
type DeliveryError struct {
	Topic    string
	Seq      uint64
	Failures map[WorkerID]error
}

func (e *DeliveryError) Error() string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s: %v", id, e.Failures[WorkerID(id)]))
	}
	return fmt.Sprintf("bus: publish seq %d to topic %q failed for %d subscriber(s): %s",
		e.Seq, e.Topic, len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap exposes the underlying failures so errors.Is works when every
// subscriber failed the same way.
func (e *DeliveryError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, err := range e.Failures {
		errs = append(errs, err)
	}
	return errs
}
