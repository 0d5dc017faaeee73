// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package isolate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/enclave-foundation/enclave/sandbox"
	"github.com/enclave-foundation/enclave/transport"
)

// ErrUnknownJob is returned by Destroy for a job id the container
// never spawned or has already destroyed.
var ErrUnknownJob = errors.New("isolate: unknown job")

// Container is the capability the service depends on. Spawn creates
// one isolate and returns its transport once readiness has been
// observed; a spawn that cannot reach readiness within timeout must
// remove the partial isolate before returning. Destroy tears an
// isolate down and never fails for ids Spawn returned successfully.
type Container interface {
	Spawn(ctx context.Context, jobID string, timeout time.Duration) (io.ReadWriteCloser, error)
	Destroy(jobID string) error
}

// ProcessContainer runs workers as plain child processes.
type ProcessContainer struct {
	binary string
	args   []string
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// Option configures a container.
type Option func(*ProcessContainer)

// WithLogger sets the container logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *ProcessContainer) { c.logger = logger }
}

// WithArgs appends fixed arguments to every worker invocation,
// before the per-job flags.
func WithArgs(args ...string) Option {
	return func(c *ProcessContainer) { c.args = args }
}

// NewProcessContainer creates a container that spawns binary
// directly.
func NewProcessContainer(binary string, options ...Option) *ProcessContainer {
	c := &ProcessContainer{
		binary: binary,
		logger: slog.Default(),
		procs:  make(map[string]*exec.Cmd),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Spawn starts a worker process for jobID and waits for its
// readiness byte.
func (c *ProcessContainer) Spawn(ctx context.Context, jobID string, timeout time.Duration) (io.ReadWriteCloser, error) {
	command := append([]string{c.binary}, c.args...)
	command = append(command, "--job-id", jobID)
	return c.start(ctx, jobID, command[0], command[1:], timeout)
}

// start is the shared spawn path: wire the socketpair, launch the
// process in its own group, await readiness, and register the job.
// Any failure tears the partial isolate down.
func (c *ProcessContainer) start(ctx context.Context, jobID, binary string, args []string, timeout time.Duration) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if _, exists := c.procs[jobID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("isolate: job %s already spawned", jobID)
	}
	c.mu.Unlock()

	conn, childEnd, err := transport.Socketpair()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(binary, args...)
	cmd.ExtraFiles = []*os.File{childEnd}
	cmd.Stderr = os.Stderr
	// Own process group, so Destroy can kill the whole isolate even
	// if the worker forked (bwrap does).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		childEnd.Close()
		conn.Close()
		return nil, fmt.Errorf("starting isolate %s: %w", jobID, err)
	}
	// The child holds its own copy now.
	childEnd.Close()

	if err := transport.AwaitReady(conn, timeout); err != nil {
		c.reap(cmd)
		conn.Close()
		return nil, fmt.Errorf("isolate %s not ready: %w", jobID, err)
	}

	c.mu.Lock()
	c.procs[jobID] = cmd
	c.mu.Unlock()

	c.logger.Debug("isolate spawned", "job_id", jobID, "pid", cmd.Process.Pid)
	return conn, nil
}

// Destroy kills the isolate's process group and reaps it.
func (c *ProcessContainer) Destroy(jobID string) error {
	c.mu.Lock()
	cmd, ok := c.procs[jobID]
	if ok {
		delete(c.procs, jobID)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}

	c.reap(cmd)
	c.logger.Debug("isolate destroyed", "job_id", jobID)
	return nil
}

// reap kills the process group and waits for the process so nothing
// is left as a zombie. Errors are swallowed: the group may already
// be gone.
func (c *ProcessContainer) reap(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	_ = cmd.Wait()
}

// SandboxContainer runs workers inside bubblewrap sandboxes. It
// reuses the process container's spawn machinery; only the command
// line differs.
type SandboxContainer struct {
	inner     *ProcessContainer
	bwrapPath string
	profile   *sandbox.Profile
}

// NewSandboxContainer creates a container that wraps binary in a
// bwrap invocation shaped by profile.
func NewSandboxContainer(binary string, profile *sandbox.Profile, options ...Option) *SandboxContainer {
	return &SandboxContainer{
		inner:     NewProcessContainer(binary, options...),
		bwrapPath: "bwrap",
		profile:   profile,
	}
}

// Spawn starts a sandboxed worker for jobID.
func (s *SandboxContainer) Spawn(ctx context.Context, jobID string, timeout time.Duration) (io.ReadWriteCloser, error) {
	command := append([]string{s.inner.binary}, s.inner.args...)
	command = append(command, "--job-id", jobID)

	args, err := sandbox.Args(s.profile, command)
	if err != nil {
		return nil, fmt.Errorf("building sandbox for %s: %w", jobID, err)
	}
	return s.inner.start(ctx, jobID, s.bwrapPath, args, timeout)
}

// Destroy tears the sandboxed isolate down.
func (s *SandboxContainer) Destroy(jobID string) error {
	return s.inner.Destroy(jobID)
}
