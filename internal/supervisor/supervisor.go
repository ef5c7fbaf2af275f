// SPDX-License-Identifier: MIT

// Package supervisor owns the worker set: it starts workers through the
// execution engine, drives their step loops, applies restart policy on
// crashes and coordinates graceful shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quintael/microkern/internal/bus"
	"github.com/quintael/microkern/internal/engine"
	"github.com/quintael/microkern/internal/log"
	"github.com/quintael/microkern/internal/metrics"
	"github.com/quintael/microkern/internal/worker"
)

var (
	// ErrAlreadyRunning is returned by Add and Run after Run has started.
	ErrAlreadyRunning = errors.New("supervisor: already running")

	// ErrNotRunning is returned by Shutdown before Run has started.
	ErrNotRunning = errors.New("supervisor: not running")

	// ErrDuplicateWorker rejects two specs with the same worker ID.
	ErrDuplicateWorker = errors.New("supervisor: duplicate worker id")
)

// KernelID is the publisher identity used for control and tick messages.
const KernelID bus.WorkerID = "$kernel"

// Spec declares one worker: its module source, initial subscriptions and
// restart policy.
type Spec struct {
	ID            bus.WorkerID
	Module        []byte
	Subscriptions []worker.SubscriptionSpec
	Restart       RestartPolicy
}

// TickConfig enables the kernel timer: a message published to Topic every
// interval, so purely reactive modules can do periodic work.
type TickConfig struct {
	Topic string
	Every time.Duration
}

// Options configure a Supervisor.
type Options struct {
	// ShutdownTimeout bounds the graceful stop of each worker before the
	// forced-kill fallback. Defaults to 10s.
	ShutdownTimeout time.Duration

	// Tick, when Topic is set, enables the kernel timer.
	Tick TickConfig
}

type entry struct {
	spec     Spec
	w        *worker.Worker
	restarts atomic.Int32
}

// Supervisor owns all workers of one kernel instance.
type Supervisor struct {
	b      *bus.Bus
	eng    engine.Engine
	opts   Options
	logger zerolog.Logger

	mu      sync.Mutex
	entries []*entry
	index   map[bus.WorkerID]*entry
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a supervisor bound to one bus and one execution engine.
func New(b *bus.Bus, eng engine.Engine, opts Options) *Supervisor {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Supervisor{
		b:      b,
		eng:    eng,
		opts:   opts,
		logger: log.WithComponent("supervisor"),
		index:  make(map[bus.WorkerID]*entry),
	}
}

// Add loads the spec's module and registers the worker. Workers must be
// added before Run.
func (s *Supervisor) Add(spec Spec) error {
	if spec.ID == "" {
		return errors.New("supervisor: worker id must not be empty")
	}

	module, err := s.eng.LoadModule(context.Background(), spec.Module)
	if err != nil {
		return fmt.Errorf("load module for %s: %w", spec.ID, err)
	}
	w, err := worker.New(spec.ID, s.eng, module, s.b, spec.Subscriptions)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyRunning
	}
	if _, dup := s.index[spec.ID]; dup {
		return ErrDuplicateWorker
	}
	e := &entry{spec: spec, w: w}
	s.entries = append(s.entries, e)
	s.index[spec.ID] = e
	return nil
}

// Run starts every registered worker and blocks until ctx is cancelled or
// Shutdown is called, then stops them all gracefully.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	entries := append([]*entry(nil), s.entries...)
	s.mu.Unlock()

	defer close(s.done)
	defer cancel()

	s.logger.Info().Int("workers", len(entries)).Msg("supervisor starting")

	g, gctx := errgroup.WithContext(runCtx)
	for _, e := range entries {
		g.Go(func() error { return s.runWorker(gctx, e) })
	}
	if s.opts.Tick.Topic != "" && s.opts.Tick.Every > 0 {
		g.Go(func() error { return s.tickLoop(gctx) })
	}

	err := g.Wait()
	s.logger.Info().Msg("supervisor stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown requests a graceful stop of every worker and blocks until all
// reach Terminated or ctx expires; on expiry the remaining instances are
// force-killed.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn().Msg("graceful shutdown deadline exceeded; force-killing workers")
		for _, e := range s.snapshotEntries() {
			if e.w.State() != worker.Terminated {
				e.w.CrashCleanup(ctx)
			}
		}
		return ctx.Err()
	}
}

// runWorker owns one worker's lifecycle end to end: start, step loop,
// crash recovery with backoff, graceful stop. A worker crash never escapes
// this loop; only shutdown ends it.
func (s *Supervisor) runWorker(ctx context.Context, e *entry) error {
	logger := s.logger.With().Str("worker_id", string(e.spec.ID)).Logger()
	attempt := 0

	for {
		err := e.w.Start(ctx)
		if err == nil {
			s.publishControl(ctx, e.w, "startup")
			err = s.drive(ctx, e.w)
			if err == nil {
				// Module ran to completion.
				return s.stopWorker(e.w, bus.ErrSubscriberRemoved)
			}
		}

		if ctx.Err() != nil {
			switch e.w.State() {
			case worker.Crashed, worker.Terminated:
				return nil
			default:
				return s.stopWorker(e.w, bus.ErrShuttingDown)
			}
		}

		// Crash path: isolate, clean up the incarnation, apply policy.
		e.w.CrashCleanup(ctx)
		attempt++
		if !e.spec.Restart.allow(attempt) {
			logger.Error().Err(err).Int("attempts", attempt-1).
				Msg("worker crashed; restart policy exhausted")
			return nil
		}

		delay := e.spec.Restart.delay(attempt)
		logger.Warn().Err(err).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("worker crashed; restarting")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}

		e.restarts.Add(1)
		metrics.WorkerRestartsTotal.WithLabelValues(string(e.spec.ID)).Inc()
	}
}

// drive polls the engine until the module finishes, traps or shutdown is
// requested. Yields park the worker in Suspended; it is resumed before the
// next step.
func (s *Supervisor) drive(ctx context.Context, w *worker.Worker) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		done, err := w.Step(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if w.State() == worker.Suspended {
			if err := w.Resume(ctx); err != nil {
				return err
			}
		}
	}
}

// stopWorker publishes the shutdown notice, then stops the worker with a
// deadline; the engine instance is abandoned if it ignores termination.
func (s *Supervisor) stopWorker(w *worker.Worker, reason error) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	s.publishControl(stopCtx, w, "shutdown")
	if err := w.Stop(stopCtx, reason); err != nil {
		s.logger.Warn().Err(err).Str("worker_id", string(w.ID())).Msg("graceful stop failed")
		return nil
	}
	return nil
}

// publishControl sends a kernel notice to the worker's control topic. The
// control mailbox uses DropOldest, so a module that never reads control
// messages cannot stall the kernel.
func (s *Supervisor) publishControl(ctx context.Context, w *worker.Worker, notice string) {
	if _, err := s.b.Publish(ctx, KernelID, w.ControlTopic(), []byte(notice)); err != nil {
		s.logger.Debug().Err(err).
			Str("worker_id", string(w.ID())).
			Str("notice", notice).
			Msg("control notice not delivered")
	}
}

func (s *Supervisor) tickLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Tick.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			if _, err := s.b.Publish(ctx, KernelID, s.opts.Tick.Topic, []byte(t.UTC().Format(time.RFC3339Nano))); err != nil {
				s.logger.Debug().Err(err).Msg("tick not delivered")
			}
		}
	}
}

func (s *Supervisor) snapshotEntries() []*entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*entry(nil), s.entries...)
}

// WorkerStatus is a point-in-time view of one worker for the status
// endpoint and external metrics collectors.
type WorkerStatus struct {
	ID           bus.WorkerID `json:"id"`
	State        worker.State `json:"state"`
	Incarnation  string       `json:"incarnation_id,omitempty"`
	Restarts     int          `json:"restarts"`
	LastActivity time.Time    `json:"last_activity,omitzero"`
}

// Snapshot reports every worker's current state.
func (s *Supervisor) Snapshot() []WorkerStatus {
	entries := s.snapshotEntries()
	out := make([]WorkerStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, WorkerStatus{
			ID:           e.spec.ID,
			State:        e.w.State(),
			Incarnation:  e.w.Incarnation(),
			Restarts:     int(e.restarts.Load()),
			LastActivity: e.w.LastActivity(),
		})
	}
	return out
}

// Worker exposes the worker with the given ID, mainly for tests.
func (s *Supervisor) Worker(id bus.WorkerID) (*worker.Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.index[id]
	if !ok {
		return nil, false
	}
	return e.w, true
}
