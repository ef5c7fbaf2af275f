// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quintael/microkern/internal/bus"
	"github.com/quintael/microkern/internal/config"
	"github.com/quintael/microkern/internal/engine/goengine"
	"github.com/quintael/microkern/internal/log"
)

// Builtin module sources have the form "<kind> <args...>":
//
//	producer <topic> <interval> [payload]   publish payload every interval
//	relay <in> <out>                        republish everything from in to out
//	logger <topic>                          log every message on the topic
//	sink <topic>                            drain the topic and count
//
// Each worker's module string is registered verbatim, so two workers can
// run the same kind with different arguments.
func registerModules(eng *goengine.Engine, cfg config.Config) error {
	for _, w := range cfg.Workers {
		fn, err := buildModule(w.Module)
		if err != nil {
			return fmt.Errorf("worker %q: %w", w.Name, err)
		}
		eng.Register(w.Module, fn)
	}
	return nil
}

func buildModule(source string) (goengine.ModuleFunc, error) {
	fields := strings.Fields(source)
	if len(fields) == 0 {
		return nil, errors.New("empty module source")
	}
	kind, args := fields[0], fields[1:]
	switch kind {
	case "producer":
		if len(args) < 2 {
			return nil, errors.New("producer needs <topic> <interval> [payload]")
		}
		every, err := time.ParseDuration(args[1])
		if err != nil {
			return nil, fmt.Errorf("producer interval %q: %w", args[1], err)
		}
		if every <= 0 {
			return nil, fmt.Errorf("producer interval %q must be positive", args[1])
		}
		payload := "tick"
		if len(args) > 2 {
			payload = strings.Join(args[2:], " ")
		}
		return producerModule(args[0], every, payload), nil
	case "relay":
		if len(args) != 2 {
			return nil, errors.New("relay needs <in> <out>")
		}
		return relayModule(args[0], args[1]), nil
	case "logger":
		if len(args) != 1 {
			return nil, errors.New("logger needs <topic>")
		}
		return loggerModule(args[0]), nil
	case "sink":
		if len(args) != 1 {
			return nil, errors.New("sink needs <topic>")
		}
		return sinkModule(args[0]), nil
	default:
		return nil, fmt.Errorf("unknown module kind %q", kind)
	}
}

// moduleDone reports errors that end a module cleanly: the kernel is
// shutting down or the worker's subscription was withdrawn.
func moduleDone(err error) bool {
	return errors.Is(err, bus.ErrShuttingDown) ||
		errors.Is(err, bus.ErrSubscriberRemoved) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func producerModule(topic string, every time.Duration, payload string) goengine.ModuleFunc {
	return func(ctx context.Context, env *goengine.Env) error {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			if _, err := env.Imports.Publish(ctx, topic, []byte(payload)); err != nil {
				if moduleDone(err) {
					return nil
				}
				return err
			}
			if err := env.Yield(ctx); err != nil {
				return nil
			}
		}
	}
}

func relayModule(in, out string) goengine.ModuleFunc {
	return func(ctx context.Context, env *goengine.Env) error {
		for {
			msg, err := env.Imports.Receive(ctx, in)
			if err != nil {
				if moduleDone(err) {
					return nil
				}
				return err
			}
			if _, err := env.Imports.Publish(ctx, out, msg.Payload); err != nil {
				if moduleDone(err) {
					return nil
				}
				return err
			}
			if err := env.Yield(ctx); err != nil {
				return nil
			}
		}
	}
}

func loggerModule(topic string) goengine.ModuleFunc {
	logger := log.WithComponent("module.logger")
	return func(ctx context.Context, env *goengine.Env) error {
		for {
			msg, err := env.Imports.Receive(ctx, topic)
			if err != nil {
				if moduleDone(err) {
					return nil
				}
				return err
			}
			logger.Info().
				Str("topic", msg.Topic).
				Uint64("seq", msg.Seq).
				Str("publisher", string(msg.Publisher)).
				Str("payload", string(msg.Payload)).
				Msg("message")
			if err := env.Yield(ctx); err != nil {
				return nil
			}
		}
	}
}

func sinkModule(topic string) goengine.ModuleFunc {
	logger := log.WithComponent("module.sink")
	return func(ctx context.Context, env *goengine.Env) error {
		var drained uint64
		for {
			_, err := env.Imports.Receive(ctx, topic)
			if err != nil {
				if moduleDone(err) {
					logger.Debug().Uint64("drained", drained).Str("topic", topic).Msg("sink finished")
					return nil
				}
				return err
			}
			drained++
			if err := env.Yield(ctx); err != nil {
				return nil
			}
		}
	}
}
