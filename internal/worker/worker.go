// SPDX-License-Identifier: MIT

// Package worker wraps one sandboxed module instance with a lifecycle state
// machine, its bus subscriptions and the host imports the module calls back
// into. A worker holds identifiers and mailbox handles only; it never owns
// another worker's state.
package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quintael/microkern/internal/bus"
	"github.com/quintael/microkern/internal/engine"
	"github.com/quintael/microkern/internal/fsm"
	"github.com/quintael/microkern/internal/log"
	"github.com/quintael/microkern/internal/metrics"
)

// State is the lifecycle state of a worker.
type State string

const (
	Created    State = "created"
	Starting   State = "starting"
	Running    State = "running"
	Suspended  State = "suspended"
	Stopping   State = "stopping"
	Terminated State = "terminated"
	Crashed    State = "crashed"
)

// Event drives lifecycle transitions.
type Event string

const (
	evStart       Event = "start"
	evStarted     Event = "started"
	evStartFailed Event = "start_failed"
	evYield       Event = "yield"
	evResume      Event = "resume"
	evStop        Event = "stop"
	evStopped     Event = "stopped"
	evTrap        Event = "trap"
)

// ControlTopicPrefix is where the kernel addresses a single worker.
// Startup and shutdown notices are published to "$ctl/<worker>".
const ControlTopicPrefix = "$ctl/"

// SubscriptionSpec declares one topic subscription established before the
// module starts consuming.
type SubscriptionSpec struct {
	Topic    string
	Capacity int
	Policy   bus.OverflowPolicy
}

// Worker is a logical execution unit hosting one module instance.
type Worker struct {
	id     bus.WorkerID
	eng    engine.Engine
	module engine.ModuleHandle
	b      *bus.Bus
	subs   []SubscriptionSpec
	logger zerolog.Logger

	machine *fsm.Machine[State, Event]

	mu          sync.Mutex
	inst        engine.InstanceHandle
	mailboxes   map[string]*bus.Mailbox
	incarnation string

	lastActivity atomic.Int64 // unix nanos of last publish/receive
}

// New creates a worker in the Created state. The module handle must come
// from the same engine.
func New(id bus.WorkerID, eng engine.Engine, module engine.ModuleHandle, b *bus.Bus, subs []SubscriptionSpec) (*Worker, error) {
	w := &Worker{
		id:        id,
		eng:       eng,
		module:    module,
		b:         b,
		subs:      subs,
		logger:    log.WithWorker("worker", string(id)),
		mailboxes: make(map[string]*bus.Mailbox),
	}
	machine, err := fsm.New(Created, lifecycle())
	if err != nil {
		return nil, err
	}
	w.machine = machine
	metrics.WorkersByState.WithLabelValues(string(Created)).Inc()
	return w, nil
}

// lifecycle enumerates every legal edge of the worker state machine.
// Crashed is terminal for an incarnation; a start out of Crashed begins a
// fresh incarnation with empty mailboxes.
func lifecycle() []fsm.Transition[State, Event] {
	return []fsm.Transition[State, Event]{
		{From: Created, Event: evStart, To: Starting},
		{From: Crashed, Event: evStart, To: Starting},
		{From: Starting, Event: evStarted, To: Running},
		{From: Starting, Event: evStartFailed, To: Crashed},
		{From: Running, Event: evYield, To: Suspended},
		{From: Suspended, Event: evResume, To: Running},
		{From: Running, Event: evTrap, To: Crashed},
		{From: Starting, Event: evTrap, To: Crashed},
		{From: Created, Event: evStop, To: Stopping},
		{From: Starting, Event: evStop, To: Stopping},
		{From: Running, Event: evStop, To: Stopping},
		{From: Suspended, Event: evStop, To: Stopping},
		{From: Stopping, Event: evStopped, To: Terminated},
	}
}

// ID returns the worker identity.
func (w *Worker) ID() bus.WorkerID { return w.id }

// State returns the current lifecycle state.
func (w *Worker) State() State { return w.machine.State() }

// Incarnation returns the UUID of the current instance, empty before the
// first start.
func (w *Worker) Incarnation() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.incarnation
}

// LastActivity returns the time of the worker's last publish or receive.
func (w *Worker) LastActivity() time.Time {
	ns := w.lastActivity.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// ControlTopic returns the topic where the kernel addresses this worker.
func (w *Worker) ControlTopic() string {
	return ControlTopicPrefix + string(w.id)
}

// MailboxLen reports the queue depth for one subscribed topic.
func (w *Worker) MailboxLen(topic string) (int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	mb, ok := w.mailboxes[topic]
	if !ok {
		return 0, false
	}
	return mb.Len(), true
}

// Start drives Created/Crashed -> Starting -> Running. It assigns a fresh
// incarnation UUID, re-establishes the configured subscriptions with empty
// mailboxes and hands the instance to the execution engine. Messages
// buffered by a previous incarnation are not replayed.
func (w *Worker) Start(ctx context.Context) error {
	if _, err := w.fire(ctx, evStart); err != nil {
		return err
	}

	w.mu.Lock()
	w.incarnation = uuid.New().String()
	incarnation := w.incarnation
	w.mu.Unlock()

	logger := w.logger.With().Str("incarnation_id", incarnation).Logger()

	if err := w.establishSubscriptions(); err != nil {
		w.teardownSubscriptions(bus.ErrSubscriberRemoved)
		_, _ = w.fire(ctx, evStartFailed)
		return fmt.Errorf("%w: %v", engine.ErrStartFailure, err)
	}

	inst, err := w.eng.StartInstance(ctx, w.module, w.hostImports())
	if err != nil {
		w.teardownSubscriptions(bus.ErrSubscriberRemoved)
		_, _ = w.fire(ctx, evStartFailed)
		return fmt.Errorf("%w: %v", engine.ErrStartFailure, err)
	}

	w.mu.Lock()
	w.inst = inst
	w.mu.Unlock()

	if _, err := w.fire(ctx, evStarted); err != nil {
		return err
	}
	logger.Info().Msg("worker running")
	return nil
}

// Step drives the module one step and applies the resulting transition:
// Yielded parks the worker in Suspended, Finished reports done=true,
// Trapped moves it to Crashed and returns ErrTrap. A ctx error is returned
// as-is with the worker state unchanged.
func (w *Worker) Step(ctx context.Context) (done bool, err error) {
	w.mu.Lock()
	inst := w.inst
	w.mu.Unlock()
	if inst == nil {
		return false, fmt.Errorf("worker %s: no running instance", w.id)
	}

	res, err := w.eng.Step(ctx, inst)
	if err != nil {
		return false, err
	}

	switch res.Kind {
	case engine.Yielded:
		_, _ = w.fire(ctx, evYield)
		return false, nil
	case engine.Finished:
		return true, nil
	case engine.Trapped:
		_, _ = w.fire(ctx, evTrap)
		w.teardownInstance(ctx)
		w.logger.Warn().Str("reason", res.TrapReason).Msg("worker trapped")
		return false, fmt.Errorf("%w: %s", engine.ErrTrap, res.TrapReason)
	default:
		return false, fmt.Errorf("worker %s: unexpected step result %v", w.id, res.Kind)
	}
}

// Resume moves a Suspended worker back to Running before the next step.
func (w *Worker) Resume(ctx context.Context) error {
	_, err := w.fire(ctx, evResume)
	return err
}

// Stop performs a graceful shutdown of this worker: Stopping, terminate
// the engine instance, tear down all mailboxes, Terminated. The close
// reason tells parked publishers why their target vanished.
func (w *Worker) Stop(ctx context.Context, reason error) error {
	if _, err := w.fire(ctx, evStop); err != nil {
		return err
	}

	w.teardownInstance(ctx)
	w.teardownSubscriptions(reason)

	_, err := w.fire(ctx, evStopped)
	if err == nil {
		w.logger.Info().Msg("worker terminated")
	}
	return err
}

func (w *Worker) teardownInstance(ctx context.Context) {
	w.mu.Lock()
	inst := w.inst
	w.inst = nil
	w.mu.Unlock()
	if inst == nil {
		return
	}
	if err := w.eng.Terminate(ctx, inst); err != nil {
		w.logger.Warn().Err(err).Msg("engine terminate failed; abandoning instance")
	}
}

// CrashCleanup tears down the crashed incarnation's mailboxes so a restart
// begins with fresh ones.
func (w *Worker) CrashCleanup(ctx context.Context) {
	w.teardownInstance(ctx)
	w.teardownSubscriptions(bus.ErrSubscriberRemoved)
}

func (w *Worker) establishSubscriptions() error {
	specs := append([]SubscriptionSpec{
		{Topic: w.ControlTopic(), Capacity: 4, Policy: bus.DropOldest},
	}, w.subs...)

	for _, spec := range specs {
		mb, err := w.b.Subscribe(w.id, spec.Topic, spec.Capacity, spec.Policy)
		if err != nil {
			return fmt.Errorf("subscribe %q: %w", spec.Topic, err)
		}
		w.mu.Lock()
		w.mailboxes[spec.Topic] = mb
		w.mu.Unlock()
	}
	return nil
}

func (w *Worker) teardownSubscriptions(reason error) {
	w.b.UnsubscribeAll(w.id, reason)
	w.mu.Lock()
	w.mailboxes = make(map[string]*bus.Mailbox)
	w.mu.Unlock()
}

// hostImports binds the bus capabilities handed to the sandboxed module.
func (w *Worker) hostImports() engine.HostImports {
	return engine.HostImports{
		Publish: func(ctx context.Context, topic string, payload []byte) (uint64, error) {
			w.touch()
			return w.b.Publish(ctx, w.id, topic, payload)
		},
		Subscribe: func(topic string, capacity int, policy bus.OverflowPolicy) error {
			mb, err := w.b.Subscribe(w.id, topic, capacity, policy)
			if err != nil {
				return err
			}
			w.mu.Lock()
			w.mailboxes[topic] = mb
			w.mu.Unlock()
			return nil
		},
		Unsubscribe: func(topic string) error {
			err := w.b.Unsubscribe(w.id, topic)
			w.mu.Lock()
			delete(w.mailboxes, topic)
			w.mu.Unlock()
			return err
		},
		Receive: func(ctx context.Context, topic string) (bus.Message, error) {
			mb, err := w.mailbox(topic)
			if err != nil {
				return bus.Message{}, err
			}
			msg, err := mb.Receive(ctx)
			if err == nil {
				w.touch()
			}
			return msg, err
		},
		TryReceive: func(topic string) (bus.Message, error) {
			mb, err := w.mailbox(topic)
			if err != nil {
				return bus.Message{}, err
			}
			msg, err := mb.TryReceive()
			if err == nil {
				w.touch()
			}
			return msg, err
		},
	}
}

func (w *Worker) mailbox(topic string) (*bus.Mailbox, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	mb, ok := w.mailboxes[topic]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w: %s", w.id, bus.ErrNotSubscribed, topic)
	}
	return mb, nil
}

func (w *Worker) touch() {
	w.lastActivity.Store(time.Now().UnixNano())
}

// fire applies a lifecycle event and records the transition. The from
// state comes from the machine itself so the metric label matches the edge
// actually taken, even when transitions race.
func (w *Worker) fire(ctx context.Context, ev Event) (State, error) {
	from, to, err := w.machine.Fire(ctx, ev)
	if err != nil {
		return to, err
	}
	metrics.RecordTransition(string(from), string(to))
	w.logger.Debug().
		Str("old_state", string(from)).
		Str("new_state", string(to)).
		Str("event", string(ev)).
		Msg("worker transition")
	return to, nil
}
