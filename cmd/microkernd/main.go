// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quintael/microkern/internal/bus"
	"github.com/quintael/microkern/internal/config"
	"github.com/quintael/microkern/internal/daemon"
	"github.com/quintael/microkern/internal/engine/goengine"
	mklog "github.com/quintael/microkern/internal/log"
	"github.com/quintael/microkern/internal/supervisor"
	"github.com/quintael/microkern/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}

	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: microkernd -config <path>")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		mklog.Configure(mklog.Config{Level: "info", Service: "microkern"})
		fatalLogger := mklog.WithComponent("main")
		fatalLogger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", *configPath).
			Msg("failed to load configuration")
	}

	mklog.Configure(mklog.Config{Level: cfg.LogLevel, Service: "microkern"})
	logger := mklog.WithComponent("main")
	logger.Info().
		Str("event", "config.loaded").
		Str("path", *configPath).
		Int("workers", len(cfg.Workers)).
		Msg("loaded configuration")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b := bus.New(bus.Options{StrictTopics: cfg.StrictTopics})

	eng := goengine.New()
	if err := registerModules(eng, cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid module declaration")
	}

	sup := supervisor.New(b, eng, supervisor.Options{
		ShutdownTimeout: cfg.ShutdownTimeout.Std(),
		Tick: supervisor.TickConfig{
			Topic: cfg.Tick.Topic,
			Every: cfg.Tick.Every.Std(),
		},
	})
	for _, w := range cfg.Workers {
		spec, err := w.SupervisorSpec()
		if err != nil {
			logger.Fatal().Err(err).Str("worker", w.Name).Msg("invalid worker spec")
		}
		if err := sup.Add(spec); err != nil {
			logger.Fatal().Err(err).Str("worker", w.Name).Msg("failed to register worker")
		}
	}

	app, err := daemon.NewApp(b, sup, config.NewHolder(cfg, *configPath))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to assemble daemon")
	}

	logger.Info().Str("version", version.Version).Msg("microkernd starting")
	start := time.Now()
	if err := app.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("microkernd exited with error")
		os.Exit(1)
	}
	logger.Info().Dur("uptime", time.Since(start)).Msg("microkernd stopped")
}
