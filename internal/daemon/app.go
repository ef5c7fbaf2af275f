// SPDX-License-Identifier: MIT

// Package daemon owns the long-lived runtime lifecycle: the HTTP server,
// the supervisor, the config watcher and graceful shutdown ordering.
package daemon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/quintael/microkern/internal/api"
	"github.com/quintael/microkern/internal/bus"
	"github.com/quintael/microkern/internal/config"
	"github.com/quintael/microkern/internal/log"
	"github.com/quintael/microkern/internal/supervisor"
)

var (
	// ErrMissingSupervisor is returned when an app is built without a supervisor.
	ErrMissingSupervisor = errors.New("daemon: supervisor is required")

	// ErrMissingBus is returned when an app is built without a bus.
	ErrMissingBus = errors.New("daemon: bus is required")
)

// App wires the kernel subsystems together and runs them until the context
// is cancelled.
type App struct {
	b      *bus.Bus
	sup    *supervisor.Supervisor
	holder *config.Holder
	logger zerolog.Logger
}

// NewApp validates dependencies and builds the app.
func NewApp(b *bus.Bus, sup *supervisor.Supervisor, holder *config.Holder) (*App, error) {
	if b == nil {
		return nil, ErrMissingBus
	}
	if sup == nil {
		return nil, ErrMissingSupervisor
	}
	return &App{
		b:      b,
		sup:    sup,
		holder: holder,
		logger: log.WithComponent("daemon"),
	}, nil
}

// Run starts the supervisor, the observability endpoint and the config
// watcher, then blocks until ctx is cancelled or a subsystem fails. On the
// way out it shuts the supervisor down gracefully and closes the bus.
func (a *App) Run(ctx context.Context) error {
	cfg := a.holder.Get()

	// Watcher startup is best-effort: a kernel without hot reload still runs.
	if err := a.holder.StartWatcher(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("failed to start config watcher")
	}

	reloadCh := make(chan config.Config, 1)
	a.holder.RegisterListener(reloadCh)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.sup.Run(gctx)
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case next := <-reloadCh:
				// Worker set changes apply to future starts only; the log
				// level takes effect immediately.
				log.SetLevel(next.LogLevel)
				a.logger.Info().Str("log_level", next.LogLevel).Msg("applied reloaded configuration")
			}
		}
	})

	srv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           api.New(a.b, a.sup).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info().Str("listen", cfg.API.Listen).Msg("observability endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.b.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
