// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/quintael/microkern/internal/bus"
	"github.com/quintael/microkern/internal/engine"
	"github.com/quintael/microkern/internal/engine/goengine"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestWorker(t *testing.T, b *bus.Bus, id bus.WorkerID, eng *goengine.Engine, moduleName string, subs []SubscriptionSpec) *Worker {
	t.Helper()
	mod, err := eng.LoadModule(context.Background(), []byte(moduleName))
	require.NoError(t, err)
	w, err := New(id, eng, mod, b, subs)
	require.NoError(t, err)
	return w
}

func TestWorkerRunsToCompletion(t *testing.T) {
	b := bus.New(bus.Options{})
	eng := goengine.New()
	eng.Register("oneshot", func(ctx context.Context, env *goengine.Env) error {
		_, err := env.Imports.Publish(ctx, "out", []byte("hello"))
		return err
	})

	out, err := b.Subscribe("observer", "out", 4, bus.Block)
	require.NoError(t, err)

	w := newTestWorker(t, b, "w1", eng, "oneshot", nil)
	require.Equal(t, Created, w.State())

	require.NoError(t, w.Start(context.Background()))
	require.Equal(t, Running, w.State())
	require.NotEmpty(t, w.Incarnation())

	done, err := w.Step(context.Background())
	require.NoError(t, err)
	require.True(t, done)

	require.NoError(t, w.Stop(context.Background(), bus.ErrSubscriberRemoved))
	require.Equal(t, Terminated, w.State())

	msg, err := out.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, bus.WorkerID("w1"), msg.Publisher)
	require.Equal(t, []byte("hello"), msg.Payload)
}

func TestWorkerYieldSuspendsAndResumes(t *testing.T) {
	b := bus.New(bus.Options{})
	eng := goengine.New()
	eng.Register("yielder", func(ctx context.Context, env *goengine.Env) error {
		return env.Yield(ctx)
	})

	w := newTestWorker(t, b, "w1", eng, "yielder", nil)
	require.NoError(t, w.Start(context.Background()))

	done, err := w.Step(context.Background())
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, Suspended, w.State())

	require.NoError(t, w.Resume(context.Background()))
	require.Equal(t, Running, w.State())

	done, err = w.Step(context.Background())
	require.NoError(t, err)
	require.True(t, done)
	require.NoError(t, w.Stop(context.Background(), bus.ErrSubscriberRemoved))
}

func TestWorkerTrapMovesToCrashed(t *testing.T) {
	b := bus.New(bus.Options{})
	eng := goengine.New()
	eng.Register("broken", func(context.Context, *goengine.Env) error {
		return errors.New("boom")
	})

	w := newTestWorker(t, b, "w1", eng, "broken", nil)
	require.NoError(t, w.Start(context.Background()))

	_, err := w.Step(context.Background())
	require.ErrorIs(t, err, engine.ErrTrap)
	require.Equal(t, Crashed, w.State())
	w.CrashCleanup(context.Background())
}

func TestWorkerStartFailureMovesToCrashed(t *testing.T) {
	b := bus.New(bus.Options{})
	eng := goengine.New()
	eng.Register("noop", func(context.Context, *goengine.Env) error { return nil })

	// Capacity 0 makes subscription establishment fail during Start.
	w := newTestWorker(t, b, "w1", eng, "noop", []SubscriptionSpec{
		{Topic: "in", Capacity: 0, Policy: bus.Block},
	})

	err := w.Start(context.Background())
	require.ErrorIs(t, err, engine.ErrStartFailure)
	require.Equal(t, Crashed, w.State())
}

func TestWorkerHostImportsReceiveAndRepublish(t *testing.T) {
	b := bus.New(bus.Options{})
	eng := goengine.New()
	eng.Register("relay", func(ctx context.Context, env *goengine.Env) error {
		msg, err := env.Imports.Receive(ctx, "in")
		if err != nil {
			return err
		}
		_, err = env.Imports.Publish(ctx, "out", msg.Payload)
		return err
	})

	out, err := b.Subscribe("observer", "out", 4, bus.Block)
	require.NoError(t, err)

	w := newTestWorker(t, b, "relay-1", eng, "relay", []SubscriptionSpec{
		{Topic: "in", Capacity: 4, Policy: bus.Block},
	})
	require.NoError(t, w.Start(context.Background()))

	_, err = b.Publish(context.Background(), "test", "in", []byte("payload"))
	require.NoError(t, err)

	done, err := w.Step(context.Background())
	require.NoError(t, err)
	require.True(t, done)

	msg, err := out.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), msg.Payload)
	require.False(t, w.LastActivity().IsZero())

	require.NoError(t, w.Stop(context.Background(), bus.ErrSubscriberRemoved))
}

func TestWorkerRestartGetsFreshEmptyMailbox(t *testing.T) {
	b := bus.New(bus.Options{})
	eng := goengine.New()

	var runs atomic.Int32
	eng.Register("flaky", func(ctx context.Context, env *goengine.Env) error {
		if runs.Add(1) == 1 {
			return errors.New("first run crashes")
		}
		return nil
	})

	w := newTestWorker(t, b, "w1", eng, "flaky", []SubscriptionSpec{
		{Topic: "T", Capacity: 4, Policy: bus.Block},
	})
	require.NoError(t, w.Start(context.Background()))
	first := w.Incarnation()

	// Buffer messages for the first incarnation, then crash it.
	for i := 0; i < 3; i++ {
		_, err := b.Publish(context.Background(), "test", "T", []byte{byte(i)})
		require.NoError(t, err)
	}
	n, ok := w.MailboxLen("T")
	require.True(t, ok)
	require.Equal(t, 3, n)

	_, err := w.Step(context.Background())
	require.ErrorIs(t, err, engine.ErrTrap)
	w.CrashCleanup(context.Background())

	// Restart: Crashed -> Starting -> Running, fresh incarnation, no replay.
	require.NoError(t, w.Start(context.Background()))
	require.Equal(t, Running, w.State())
	require.NotEqual(t, first, w.Incarnation())

	n, ok = w.MailboxLen("T")
	require.True(t, ok)
	require.Zero(t, n, "buffered messages from the crashed incarnation must not be replayed")

	done, err := w.Step(context.Background())
	require.NoError(t, err)
	require.True(t, done)
	require.NoError(t, w.Stop(context.Background(), bus.ErrSubscriberRemoved))
}
