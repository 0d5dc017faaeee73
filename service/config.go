// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"fmt"
	"log/slog"

	"github.com/enclave-foundation/enclave/isolate"
	"github.com/enclave-foundation/enclave/lib/config"
	"github.com/enclave-foundation/enclave/sandbox"
)

// FromConfig maps a loaded runtime configuration onto an assembly
// Config: the isolate container the worker section describes
// (sandboxed when a profile is set, plain otherwise), lifecycle
// timing, and the mux buffer size. The embedding host fills in
// Messenger and SetupSnapProvider before calling New.
func FromConfig(cfg *config.Config, logger *slog.Logger) (Config, error) {
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	container, err := containerFromConfig(cfg, logger)
	if err != nil {
		return Config{}, err
	}

	return Config{
		Container:           container,
		PollingInterval:     cfg.PollingInterval(),
		UnresponsiveTimeout: cfg.UnresponsiveTimeout(),
		SpawnTimeout:        cfg.SpawnTimeout(),
		MuxBufferSize:       cfg.Mux.BufferSize,
		Logger:              logger,
	}, nil
}

// containerFromConfig builds the container variant the worker
// section selects.
func containerFromConfig(cfg *config.Config, logger *slog.Logger) (isolate.Container, error) {
	if cfg.Worker.SandboxProfile == "" {
		return isolate.NewProcessContainer(cfg.Worker.Binary, isolate.WithLogger(logger)), nil
	}
	profile, err := sandbox.LoadProfile(cfg.Worker.SandboxProfile)
	if err != nil {
		return nil, fmt.Errorf("loading sandbox profile: %w", err)
	}
	return isolate.NewSandboxContainer(cfg.Worker.Binary, profile, isolate.WithLogger(logger)), nil
}
