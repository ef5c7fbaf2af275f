// SPDX-License-Identifier: MIT

package fsm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type testState string

type testEvent string

func TestMachineRejectsDuplicateEdges(t *testing.T) {
	_, err := New[testState, testEvent]("a", []Transition[testState, testEvent]{
		{From: "a", Event: "go", To: "b"},
		{From: "a", Event: "go", To: "c"},
	})
	require.ErrorIs(t, err, ErrDuplicateEdge)
}

func TestMachineFireReportsEdge(t *testing.T) {
	m, err := New[testState, testEvent]("a", []Transition[testState, testEvent]{
		{From: "a", Event: "go", To: "b"},
		{From: "b", Event: "back", To: "a"},
	})
	require.NoError(t, err)

	from, to, err := m.Fire(context.Background(), "go")
	require.NoError(t, err)
	require.Equal(t, testState("a"), from)
	require.Equal(t, testState("b"), to)

	_, _, err = m.Fire(context.Background(), "go")
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.Equal(t, testState("b"), m.State())
}

func TestMachineGuardRejects(t *testing.T) {
	guardErr := errors.New("not yet")
	m, err := New[testState, testEvent]("a", []Transition[testState, testEvent]{
		{
			From: "a", Event: "go", To: "b",
			Guard: func(context.Context, testState, testEvent) error { return guardErr },
		},
	})
	require.NoError(t, err)

	_, _, err = m.Fire(context.Background(), "go")
	require.ErrorIs(t, err, guardErr)
	require.Equal(t, testState("a"), m.State())
}

func TestMachineDetectsConcurrentTransition(t *testing.T) {
	var m *Machine[testState, testEvent]
	m, err := New[testState, testEvent]("a", []Transition[testState, testEvent]{
		{
			From: "a", Event: "go", To: "b",
			// The re-entrant fire commits first; the outer one must lose.
			Action: func(ctx context.Context, _, _ testState, _ testEvent) error {
				_, _, err := m.Fire(ctx, "jump")
				return err
			},
		},
		{From: "a", Event: "jump", To: "c"},
	})
	require.NoError(t, err)

	from, to, err := m.Fire(context.Background(), "go")
	require.ErrorIs(t, err, ErrConcurrentTransition)
	require.Equal(t, testState("a"), from)
	require.Equal(t, testState("c"), to)
	require.Equal(t, testState("c"), m.State())
}
