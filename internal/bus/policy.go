// SPDX-License-Identifier: MIT

package bus

import "fmt"

// OverflowPolicy selects what happens when a message arrives at a full
// mailbox.
type OverflowPolicy string

const (
	// Block parks the publisher until space frees or its deadline elapses.
	Block OverflowPolicy = "block"
	// DropOldest evicts the oldest unread message to make room.
	DropOldest OverflowPolicy = "drop_oldest"
	// DropNewest discards the incoming message.
	DropNewest OverflowPolicy = "drop_newest"
	// Reject fails the delivery to this subscriber immediately.
	Reject OverflowPolicy = "reject"
)

// ParsePolicy maps a configuration string to an OverflowPolicy.
func ParsePolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case Block, DropOldest, DropNewest, Reject:
		return OverflowPolicy(s), nil
	case "":
		return Block, nil
	default:
		return "", fmt.Errorf("bus: unknown overflow policy %q", s)
	}
}
