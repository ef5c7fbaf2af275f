// SPDX-License-Identifier: MIT

package goengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/quintael/microkern/internal/engine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestLoadModuleUnknownName(t *testing.T) {
	g := New()
	_, err := g.LoadModule(context.Background(), []byte("missing"))
	require.Error(t, err)
}

func TestStepYieldFinish(t *testing.T) {
	g := New()
	g.Register("yielder", func(ctx context.Context, env *Env) error {
		if err := env.Yield(ctx); err != nil {
			return err
		}
		if err := env.Yield(ctx); err != nil {
			return err
		}
		return nil
	})

	mod, err := g.LoadModule(context.Background(), []byte("yielder"))
	require.NoError(t, err)
	inst, err := g.StartInstance(context.Background(), mod, engine.HostImports{})
	require.NoError(t, err)
	defer func() { _ = g.Terminate(context.Background(), inst) }()

	for i := 0; i < 2; i++ {
		res, err := g.Step(context.Background(), inst)
		require.NoError(t, err)
		require.Equal(t, engine.Yielded, res.Kind)
	}
	res, err := g.Step(context.Background(), inst)
	require.NoError(t, err)
	require.Equal(t, engine.Finished, res.Kind)

	_, err = g.Step(context.Background(), inst)
	require.Error(t, err, "stepping a finished instance must fail")
}

func TestStepReportsTrapOnError(t *testing.T) {
	g := New()
	g.Register("broken", func(context.Context, *Env) error {
		return errors.New("boom")
	})

	mod, err := g.LoadModule(context.Background(), []byte("broken"))
	require.NoError(t, err)
	inst, err := g.StartInstance(context.Background(), mod, engine.HostImports{})
	require.NoError(t, err)
	defer func() { _ = g.Terminate(context.Background(), inst) }()

	res, err := g.Step(context.Background(), inst)
	require.NoError(t, err)
	require.Equal(t, engine.Trapped, res.Kind)
	require.Equal(t, "boom", res.TrapReason)
}

func TestStepReportsTrapOnPanic(t *testing.T) {
	g := New()
	g.Register("panics", func(context.Context, *Env) error {
		panic("kaboom")
	})

	mod, err := g.LoadModule(context.Background(), []byte("panics"))
	require.NoError(t, err)
	inst, err := g.StartInstance(context.Background(), mod, engine.HostImports{})
	require.NoError(t, err)
	defer func() { _ = g.Terminate(context.Background(), inst) }()

	res, err := g.Step(context.Background(), inst)
	require.NoError(t, err)
	require.Equal(t, engine.Trapped, res.Kind)
	require.Contains(t, res.TrapReason, "kaboom")
}

func TestNoModuleCodeRunsBeforeFirstStep(t *testing.T) {
	g := New()
	ran := make(chan struct{}, 1)
	g.Register("eager", func(context.Context, *Env) error {
		ran <- struct{}{}
		return nil
	})

	mod, err := g.LoadModule(context.Background(), []byte("eager"))
	require.NoError(t, err)
	inst, err := g.StartInstance(context.Background(), mod, engine.HostImports{})
	require.NoError(t, err)

	select {
	case <-ran:
		t.Fatal("module body ran before the first step")
	case <-time.After(50 * time.Millisecond):
	}

	res, err := g.Step(context.Background(), inst)
	require.NoError(t, err)
	require.Equal(t, engine.Finished, res.Kind)
	require.NoError(t, g.Terminate(context.Background(), inst))
}

func TestTerminateUnblocksParkedModule(t *testing.T) {
	g := New()
	g.Register("parked", func(ctx context.Context, env *Env) error {
		<-ctx.Done()
		return nil
	})

	mod, err := g.LoadModule(context.Background(), []byte("parked"))
	require.NoError(t, err)
	inst, err := g.StartInstance(context.Background(), mod, engine.HostImports{})
	require.NoError(t, err)

	stepCtx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = g.Step(stepCtx, inst)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	termCtx, cancelTerm := context.WithTimeout(context.Background(), time.Second)
	defer cancelTerm()
	require.NoError(t, g.Terminate(termCtx, inst))
}
