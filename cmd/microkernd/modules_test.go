// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quintael/microkern/internal/bus"
	"github.com/quintael/microkern/internal/config"
	"github.com/quintael/microkern/internal/engine/goengine"
	"github.com/quintael/microkern/internal/supervisor"
	"github.com/quintael/microkern/internal/worker"
)

func TestBuildModuleParsing(t *testing.T) {
	valid := []string{
		"producer events 100ms",
		"producer events 1s hello world",
		"relay raw processed",
		"logger processed",
		"sink processed",
	}
	for _, src := range valid {
		fn, err := buildModule(src)
		require.NoError(t, err, src)
		require.NotNil(t, fn, src)
	}

	invalid := []string{
		"",
		"producer events",
		"producer events notaduration",
		"producer events -1s",
		"relay onlyone",
		"logger",
		"sink a b",
		"wasm blob",
	}
	for _, src := range invalid {
		_, err := buildModule(src)
		require.Error(t, err, src)
	}
}

func TestRegisterModulesWiresPipeline(t *testing.T) {
	cfg := config.Config{
		Workers: []config.WorkerSpec{
			{Name: "relay", Module: "relay raw processed"},
			{Name: "sink", Module: "sink processed"},
		},
	}
	eng := goengine.New()
	require.NoError(t, registerModules(eng, cfg))

	b := bus.New(bus.Options{})
	defer b.Close()
	sup := supervisor.New(b, eng, supervisor.Options{ShutdownTimeout: time.Second})

	relaySpec, err := cfg.Workers[0].SupervisorSpec()
	require.NoError(t, err)
	relaySpec.Subscriptions = []worker.SubscriptionSpec{{Topic: "raw", Capacity: 8, Policy: bus.Block}}
	require.NoError(t, sup.Add(relaySpec))

	sinkSpec, err := cfg.Workers[1].SupervisorSpec()
	require.NoError(t, err)
	sinkSpec.Subscriptions = []worker.SubscriptionSpec{{Topic: "processed", Capacity: 8, Policy: bus.Block}}
	require.NoError(t, sup.Add(sinkSpec))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()

	require.Eventually(t, func() bool {
		st, ok := b.TopicStats("raw")
		return ok && st.Subscribers == 1
	}, 2*time.Second, 10*time.Millisecond)
	_, err = b.Publish(context.Background(), "test", "raw", []byte("payload"))
	require.NoError(t, err)

	// The relay republishes onto "processed" and the sink drains it.
	require.Eventually(t, func() bool {
		st, ok := b.TopicStats("processed")
		return ok && st.Published >= 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
