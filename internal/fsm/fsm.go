// SPDX-License-Identifier: MIT

// Package fsm implements the transition-table state machine behind the
// worker lifecycle. Every legal edge is declared up front; firing an event
// the current state has no edge for is an error, never a silent no-op.
package fsm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrDuplicateEdge rejects two transitions sharing (from, event).
	ErrDuplicateEdge = errors.New("fsm: duplicate transition")

	// ErrInvalidTransition is returned when the current state has no edge
	// for the fired event.
	ErrInvalidTransition = errors.New("fsm: invalid transition")

	// ErrConcurrentTransition is returned when another Fire moved the
	// machine while this one was running its guard or action.
	ErrConcurrentTransition = errors.New("fsm: concurrent transition")
)

// Transition describes a single edge. Guard may veto the transition;
// Action performs its side effects. Both run outside the machine's lock.
type Transition[S ~string, E ~string] struct {
	From   S
	Event  E
	To     S
	Guard  func(ctx context.Context, from S, event E) error
	Action func(ctx context.Context, from S, to S, event E) error
}

type edge[S ~string, E ~string] struct {
	from  S
	event E
}

// Machine holds the current state and the declared edge set.
type Machine[S ~string, E ~string] struct {
	mu    sync.Mutex
	state S
	edges map[edge[S, E]]Transition[S, E]
}

// New builds a machine from its full transition table.
func New[S ~string, E ~string](initial S, transitions []Transition[S, E]) (*Machine[S, E], error) {
	edges := make(map[edge[S, E]]Transition[S, E], len(transitions))
	for _, t := range transitions {
		k := edge[S, E]{from: t.From, event: t.Event}
		if _, exists := edges[k]; exists {
			return nil, fmt.Errorf("%w: %s on %s", ErrDuplicateEdge, t.Event, t.From)
		}
		edges[k] = t
	}
	return &Machine[S, E]{state: initial, edges: edges}, nil
}

// State returns the current state.
func (m *Machine[S, E]) State() S {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Fire applies one event and reports the edge it took. The returned from
// is the state the machine actually left, so callers can account the
// transition without a second, racy State() read. Guard and Action run
// outside the lock; if another Fire commits first, this one fails with
// ErrConcurrentTransition and the machine keeps the other's state.
func (m *Machine[S, E]) Fire(ctx context.Context, event E) (from S, to S, err error) {
	m.mu.Lock()
	from = m.state
	t, ok := m.edges[edge[S, E]{from: from, event: event}]
	if !ok {
		m.mu.Unlock()
		return from, from, fmt.Errorf("%w: no edge for %s in state %s", ErrInvalidTransition, event, from)
	}
	to = t.To
	m.mu.Unlock()

	if t.Guard != nil {
		if err := t.Guard(ctx, from, event); err != nil {
			return from, from, err
		}
	}
	if t.Action != nil {
		if err := t.Action(ctx, from, to, event); err != nil {
			return from, from, err
		}
	}

	m.mu.Lock()
	if m.state != from {
		cur := m.state
		m.mu.Unlock()
		return from, cur, fmt.Errorf("%w: left %s for %s while firing %s", ErrConcurrentTransition, from, cur, event)
	}
	m.state = to
	m.mu.Unlock()

	return from, to, nil
}
