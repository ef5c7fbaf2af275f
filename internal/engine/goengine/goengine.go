// SPDX-License-Identifier: MIT

// Package goengine hosts Go functions as cooperative sandboxed modules. It
// implements the engine boundary so the kernel can be exercised end to end
// without a real bytecode runtime: a module is a registered function, its
// "source" is the registered name, and control returns to the kernel
// whenever the function yields, blocks in a host call or returns.
package goengine

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/quintael/microkern/internal/engine"
)

// Env is handed to every module function. It carries the bound host
// imports and the cooperative yield point.
type Env struct {
	Imports engine.HostImports

	inst   *instance
	runCtx context.Context
}

// Yield returns control to the kernel until the worker is stepped again.
// It returns an error when the instance is being terminated.
func (e *Env) Yield(ctx context.Context) error {
	select {
	case e.inst.events <- engine.StepResult{Kind: engine.Yielded}:
	case <-e.runCtx.Done():
		return e.runCtx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-e.inst.resume:
		return nil
	case <-e.runCtx.Done():
		return e.runCtx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ModuleFunc is the body of a hosted module. Returning nil finishes the
// instance; returning an error traps it.
type ModuleFunc func(ctx context.Context, env *Env) error

type module struct {
	name string
	fn   ModuleFunc
}

type instance struct {
	mu            sync.Mutex
	resumePending bool
	done          bool

	resume   chan struct{}
	events   chan engine.StepResult
	cancel   context.CancelFunc
	finished chan struct{}
}

// Engine hosts registered Go module functions.
type Engine struct {
	mu      sync.RWMutex
	modules map[string]ModuleFunc
}

// New creates an engine with an empty module registry.
func New() *Engine {
	return &Engine{modules: make(map[string]ModuleFunc)}
}

// Register makes fn loadable under the given name.
func (g *Engine) Register(name string, fn ModuleFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.modules[name] = fn
}

// LoadModule resolves the module source (a registered name) to a handle.
func (g *Engine) LoadModule(_ context.Context, source []byte) (engine.ModuleHandle, error) {
	name := string(bytes.TrimSpace(source))
	g.mu.RLock()
	fn, ok := g.modules[name]
	g.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("goengine: module %q not registered", name)
	}
	return &module{name: name, fn: fn}, nil
}

// StartInstance spawns the module goroutine. It stays parked until the
// first Step delivers a resume token, so no module code runs before the
// kernel drives it.
func (g *Engine) StartInstance(ctx context.Context, h engine.ModuleHandle, imports engine.HostImports) (engine.InstanceHandle, error) {
	mod, ok := h.(*module)
	if !ok {
		return nil, fmt.Errorf("%w: foreign module handle %T", engine.ErrStartFailure, h)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	inst := &instance{
		resume:   make(chan struct{}, 1),
		events:   make(chan engine.StepResult, 1),
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	env := &Env{Imports: imports, inst: inst, runCtx: runCtx}

	go func() {
		defer close(inst.finished)
		res := run(runCtx, mod.fn, env, inst)
		select {
		case inst.events <- res:
		case <-runCtx.Done():
		}
	}()

	return inst, nil
}

func run(ctx context.Context, fn ModuleFunc, env *Env, inst *instance) (res engine.StepResult) {
	defer func() {
		if r := recover(); r != nil {
			res = engine.StepResult{Kind: engine.Trapped, TrapReason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	select {
	case <-inst.resume:
	case <-ctx.Done():
		return engine.StepResult{Kind: engine.Trapped, TrapReason: "terminated before first step"}
	}

	if err := fn(ctx, env); err != nil {
		return engine.StepResult{Kind: engine.Trapped, TrapReason: err.Error()}
	}
	return engine.StepResult{Kind: engine.Finished}
}

// Step delivers one resume token and waits for the next yield, finish or
// trap. When ctx expires first, the instance keeps running and the pending
// token is accounted for on the next Step.
func (g *Engine) Step(ctx context.Context, h engine.InstanceHandle) (engine.StepResult, error) {
	inst, ok := h.(*instance)
	if !ok {
		return engine.StepResult{}, fmt.Errorf("goengine: foreign instance handle %T", h)
	}

	inst.mu.Lock()
	if inst.done {
		inst.mu.Unlock()
		return engine.StepResult{}, fmt.Errorf("goengine: instance already finished")
	}
	if !inst.resumePending {
		inst.resume <- struct{}{}
		inst.resumePending = true
	}
	inst.mu.Unlock()

	select {
	case res := <-inst.events:
		inst.mu.Lock()
		inst.resumePending = false
		if res.Kind != engine.Yielded {
			inst.done = true
		}
		inst.mu.Unlock()
		return res, nil
	case <-ctx.Done():
		return engine.StepResult{}, ctx.Err()
	}
}

// Terminate cancels the instance and waits for its goroutine to exit. A
// module that ignores its context holds Terminate until ctx expires; the
// caller then applies its forced-kill fallback.
func (g *Engine) Terminate(ctx context.Context, h engine.InstanceHandle) error {
	inst, ok := h.(*instance)
	if !ok {
		return fmt.Errorf("goengine: foreign instance handle %T", h)
	}
	inst.cancel()
	select {
	case <-inst.finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ engine.Engine = (*Engine)(nil)
