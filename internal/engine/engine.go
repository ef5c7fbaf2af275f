// SPDX-License-Identifier: MIT

// Package engine defines the boundary to the external execution engine that
// loads, verifies and drives sandboxed modules. The kernel never interprets
// module code itself; it only polls Step and reacts to the outcome.
package engine

import (
	"context"
	"errors"

	"github.com/quintael/microkern/internal/bus"
)

var (
	// ErrStartFailure is returned when the engine cannot start an instance.
	ErrStartFailure = errors.New("engine: instance start failed")

	// ErrTrap is returned when a module hit an unrecoverable fault.
	ErrTrap = errors.New("engine: module trapped")
)

// ModuleHandle is an opaque reference to a loaded, verified module.
type ModuleHandle any

// InstanceHandle is an opaque reference to one running module instance.
type InstanceHandle any

// StepKind classifies the outcome of driving an instance one step.
type StepKind int

const (
	// Yielded means the instance gave up control cooperatively and can be
	// resumed with another Step.
	Yielded StepKind = iota
	// Finished means the instance ran to completion.
	Finished
	// Trapped means the instance hit an unrecoverable fault.
	Trapped
)

func (k StepKind) String() string {
	switch k {
	case Yielded:
		return "yielded"
	case Finished:
		return "finished"
	case Trapped:
		return "trapped"
	default:
		return "unknown"
	}
}

// StepResult carries the outcome of one Step call. TrapReason is set only
// for Trapped.
type StepResult struct {
	Kind       StepKind
	TrapReason string
}

// HostImports are the kernel capabilities exposed to a sandboxed module as
// callable host functions. All message flow between modules goes through
// these; modules share no memory.
type HostImports struct {
	Publish     func(ctx context.Context, topic string, payload []byte) (uint64, error)
	Subscribe   func(topic string, capacity int, policy bus.OverflowPolicy) error
	Unsubscribe func(topic string) error
	Receive     func(ctx context.Context, topic string) (bus.Message, error)
	TryReceive  func(topic string) (bus.Message, error)
}

// Engine is the single capability interface the kernel consumes. One
// concrete adapter exists per execution engine; the kernel never branches
// on module kind.
type Engine interface {
	// LoadModule verifies the module source and returns a reusable handle.
	LoadModule(ctx context.Context, source []byte) (ModuleHandle, error)

	// StartInstance creates a running instance with the given host imports
	// bound. The instance does no work until it is stepped.
	StartInstance(ctx context.Context, module ModuleHandle, imports HostImports) (InstanceHandle, error)

	// Step drives the instance until it yields, finishes or traps. A
	// cancelled ctx aborts the wait and returns the context error; the
	// instance itself stays valid.
	Step(ctx context.Context, inst InstanceHandle) (StepResult, error)

	// Terminate stops the instance and releases its resources.
	Terminate(ctx context.Context, inst InstanceHandle) error
}
