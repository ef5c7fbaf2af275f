// SPDX-License-Identifier: MIT

// Package config provides configuration management for microkern.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quintael/microkern/internal/bus"
	"github.com/quintael/microkern/internal/supervisor"
	"github.com/quintael/microkern/internal/worker"
)

// Duration wraps time.Duration so YAML can carry values like "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root YAML configuration.
type Config struct {
	LogLevel        string       `yaml:"logLevel,omitempty"`
	StrictTopics    bool         `yaml:"strictTopics,omitempty"`
	ShutdownTimeout Duration     `yaml:"shutdownTimeout,omitempty"`
	API             APIConfig    `yaml:"api"`
	Tick            TickConfig   `yaml:"tick,omitempty"`
	Workers         []WorkerSpec `yaml:"workers"`
}

// APIConfig holds the observability endpoint settings.
type APIConfig struct {
	Listen string `yaml:"listen,omitempty"`
}

// TickConfig enables the kernel timer topic.
type TickConfig struct {
	Topic string   `yaml:"topic,omitempty"`
	Every Duration `yaml:"every,omitempty"`
}

// WorkerSpec declares one worker to host.
type WorkerSpec struct {
	Name          string             `yaml:"name"`
	Module        string             `yaml:"module"`
	Subscriptions []SubscriptionSpec `yaml:"subscriptions,omitempty"`
	Restart       RestartSpec        `yaml:"restart,omitempty"`
}

// SubscriptionSpec declares one initial topic subscription.
type SubscriptionSpec struct {
	Topic    string `yaml:"topic"`
	Capacity int    `yaml:"capacity"`
	Policy   string `yaml:"policy,omitempty"`
}

// RestartSpec configures the crash restart policy for one worker.
type RestartSpec struct {
	Policy     string   `yaml:"policy,omitempty"` // never | up-to | always
	Max        int      `yaml:"max,omitempty"`
	Backoff    Duration `yaml:"backoff,omitempty"`
	MaxBackoff Duration `yaml:"maxBackoff,omitempty"`
}

// Load reads, parses and validates the YAML file at path, applying
// environment overrides afterwards.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("MICROKERN_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MICROKERN_LISTEN"); v != "" {
		cfg.API.Listen = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.API.Listen == "" {
		cfg.API.Listen = ":8080"
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = Duration(10 * time.Second)
	}
}

// Validate rejects a config as a whole; a failed reload keeps the old one.
func Validate(cfg Config) error {
	if len(cfg.Workers) == 0 {
		return fmt.Errorf("config: at least one worker is required")
	}
	seen := make(map[string]bool, len(cfg.Workers))
	for _, w := range cfg.Workers {
		if w.Name == "" {
			return fmt.Errorf("config: worker name must not be empty")
		}
		if seen[w.Name] {
			return fmt.Errorf("config: duplicate worker name %q", w.Name)
		}
		seen[w.Name] = true
		if w.Module == "" {
			return fmt.Errorf("config: worker %q: module must not be empty", w.Name)
		}
		for _, sub := range w.Subscriptions {
			if sub.Topic == "" {
				return fmt.Errorf("config: worker %q: subscription topic must not be empty", w.Name)
			}
			if sub.Capacity <= 0 {
				return fmt.Errorf("config: worker %q, topic %q: %w", w.Name, sub.Topic, bus.ErrCapacityMisconfigured)
			}
			if _, err := bus.ParsePolicy(sub.Policy); err != nil {
				return fmt.Errorf("config: worker %q, topic %q: %w", w.Name, sub.Topic, err)
			}
		}
		if _, err := parseRestartMode(w.Restart.Policy); err != nil {
			return fmt.Errorf("config: worker %q: %w", w.Name, err)
		}
	}
	if cfg.Tick.Topic != "" && cfg.Tick.Every <= 0 {
		return fmt.Errorf("config: tick interval must be positive when a tick topic is set")
	}
	return nil
}

func parseRestartMode(s string) (supervisor.RestartMode, error) {
	switch supervisor.RestartMode(s) {
	case supervisor.RestartNever, supervisor.RestartUpTo, supervisor.RestartAlways:
		return supervisor.RestartMode(s), nil
	case "":
		return supervisor.RestartNever, nil
	default:
		return "", fmt.Errorf("unknown restart policy %q", s)
	}
}

// SupervisorSpec converts one worker entry into the supervisor's form.
func (w WorkerSpec) SupervisorSpec() (supervisor.Spec, error) {
	mode, err := parseRestartMode(w.Restart.Policy)
	if err != nil {
		return supervisor.Spec{}, err
	}
	subs := make([]worker.SubscriptionSpec, 0, len(w.Subscriptions))
	for _, s := range w.Subscriptions {
		policy, err := bus.ParsePolicy(s.Policy)
		if err != nil {
			return supervisor.Spec{}, err
		}
		subs = append(subs, worker.SubscriptionSpec{
			Topic:    s.Topic,
			Capacity: s.Capacity,
			Policy:   policy,
		})
	}
	return supervisor.Spec{
		ID:            bus.WorkerID(w.Name),
		Module:        []byte(w.Module),
		Subscriptions: subs,
		Restart: supervisor.RestartPolicy{
			Mode:       mode,
			Max:        w.Restart.Max,
			Backoff:    w.Restart.Backoff.Std(),
			MaxBackoff: w.Restart.MaxBackoff.Std(),
		},
	}, nil
}
