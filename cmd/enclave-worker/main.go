// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Command enclave-worker is the isolate-side binary. The host spawns
// one per snap — directly or wrapped in a bubblewrap sandbox — with
// the transport socketpair inherited as fd 3. The worker locks its
// process down, signals readiness, and serves commands until the
// host terminates it or the transport closes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/enclave-foundation/enclave/lib/process"
	"github.com/enclave-foundation/enclave/transport"
	"github.com/enclave-foundation/enclave/worker"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		jobID    string
		logLevel string
	)
	pflag.StringVar(&jobID, "job-id", "", "job id assigned by the host (required)")
	pflag.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	if jobID == "" {
		return fmt.Errorf("--job-id is required")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("parsing --log-level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})).
		With("job_id", jobID)
	slog.SetDefault(logger)

	// Lockdown must precede everything that could evaluate snap
	// code, including controller construction.
	if err := worker.Lockdown(worker.DefaultLockdown()); err != nil {
		return err
	}

	conn, err := transport.WorkerConn()
	if err != nil {
		return err
	}

	controller, err := worker.NewController(conn, worker.WithControllerLogger(logger))
	if err != nil {
		return fmt.Errorf("initializing controller: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("worker ready")
	err = controller.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
