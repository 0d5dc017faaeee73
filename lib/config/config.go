// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration for an Enclave host.
type Config struct {
	// Worker configures the isolate-side binary.
	Worker WorkerConfig `yaml:"worker"`

	// Service configures the execution environment service.
	Service ServiceConfig `yaml:"service"`

	// Mux configures the per-job multiplexer.
	Mux MuxConfig `yaml:"mux"`
}

// WorkerConfig configures how isolates are spawned.
type WorkerConfig struct {
	// Binary is the path to the enclave-worker binary.
	Binary string `yaml:"binary"`

	// SandboxProfile is the path to a JSONC sandbox profile. When
	// set, isolates run inside a bubblewrap sandbox built from this
	// profile; when empty, they run as plain worker processes.
	SandboxProfile string `yaml:"sandbox_profile"`
}

// ServiceConfig configures lifecycle timing.
type ServiceConfig struct {
	// UnresponsivePollingInterval is the delay between liveness
	// pings. Default: 5s.
	UnresponsivePollingInterval string `yaml:"unresponsive_polling_interval"`

	// UnresponsiveTimeout is how long a single liveness ping may
	// take before the snap is reported unresponsive. Default: 30s.
	UnresponsiveTimeout string `yaml:"unresponsive_timeout"`

	// SpawnTimeout is how long isolate creation may take before the
	// partial isolate is torn down. Default: 60s.
	SpawnTimeout string `yaml:"spawn_timeout"`
}

// MuxConfig configures the multiplexer.
type MuxConfig struct {
	// BufferSize is the per-substream inbound queue length.
	// Default: 64.
	BufferSize int `yaml:"buffer_size"`
}

// Default returns the default configuration. The worker binary
// defaults to the bare name "enclave-worker"; a config file or the
// embedding host may replace it with a path.
func Default() *Config {
	return &Config{
		Worker: WorkerConfig{
			Binary: "enclave-worker",
		},
		Service: ServiceConfig{
			UnresponsivePollingInterval: "5s",
			UnresponsiveTimeout:         "30s",
			SpawnTimeout:                "60s",
		},
		Mux: MuxConfig{
			BufferSize: 64,
		},
	}
}

// Load reads the YAML file at path over the defaults and validates
// the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field that would otherwise fail at first
// use.
func (c *Config) Validate() error {
	if c.Worker.Binary == "" {
		return fmt.Errorf("worker.binary is required")
	}
	for name, value := range map[string]string{
		"service.unresponsive_polling_interval": c.Service.UnresponsivePollingInterval,
		"service.unresponsive_timeout":          c.Service.UnresponsiveTimeout,
		"service.spawn_timeout":                 c.Service.SpawnTimeout,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Mux.BufferSize <= 0 {
		return fmt.Errorf("mux.buffer_size must be positive")
	}
	return nil
}

// PollingInterval returns the parsed liveness polling interval.
// Validate must have accepted the config first.
func (c *Config) PollingInterval() time.Duration {
	return mustDuration(c.Service.UnresponsivePollingInterval)
}

// UnresponsiveTimeout returns the parsed per-ping timeout.
func (c *Config) UnresponsiveTimeout() time.Duration {
	return mustDuration(c.Service.UnresponsiveTimeout)
}

// SpawnTimeout returns the parsed isolate spawn timeout.
func (c *Config) SpawnTimeout() time.Duration {
	return mustDuration(c.Service.SpawnTimeout)
}

func mustDuration(value string) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		panic("config: accessor called on unvalidated config: " + err.Error())
	}
	return d
}
