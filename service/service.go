// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/enclave-foundation/enclave/isolate"
	"github.com/enclave-foundation/enclave/lib/ipc"
	"github.com/enclave-foundation/enclave/lib/jsonrpc"
	"github.com/enclave-foundation/enclave/lib/mux"
	"github.com/enclave-foundation/enclave/lib/srchash"
	"github.com/enclave-foundation/enclave/messenger"
)

// Defaults for lifecycle timing.
const (
	DefaultPollingInterval     = 5 * time.Second
	DefaultUnresponsiveTimeout = 30 * time.Second
	DefaultSpawnTimeout        = 60 * time.Second
)

// ErrJobTerminated is the cause passed to the engine when a job is
// torn down; callers with commands in flight see it wrapped in
// jsonrpc.ErrEngineClosed.
var ErrJobTerminated = errors.New("job terminated")

// SnapData identifies a snap and carries its source.
type SnapData struct {
	SnapID     string
	SourceCode string
}

// RPCHook forwards an origin-tagged request into a named snap. A
// hook exists exactly while its snap is executing; calls after
// termination fail.
type RPCHook func(ctx context.Context, origin string, request json.RawMessage) (json.RawMessage, error)

// SetupSnapProvider is the external collaborator that plumbs the
// host's wallet-provider middleware into a job's jsonRpc substream.
// Called exactly once per successful execute, before the snap's RPC
// hook is installed. It may be asynchronous internally but must not
// return before the substream is ready for provider traffic.
type SetupSnapProvider func(ctx context.Context, snapID string, stream *mux.Stream) error

// Config assembles a Service.
type Config struct {
	// Container spawns and destroys isolates. Required.
	Container isolate.Container

	// Messenger receives unresponsive and unhandledError events.
	// Required.
	Messenger *messenger.Messenger

	// SetupSnapProvider wires provider traffic. Required.
	SetupSnapProvider SetupSnapProvider

	// PollingInterval is the delay between liveness pings.
	// Default: 5s.
	PollingInterval time.Duration

	// UnresponsiveTimeout bounds a single liveness ping.
	// Default: 30s.
	UnresponsiveTimeout time.Duration

	// SpawnTimeout bounds isolate creation and the readiness
	// handshake. Default: 60s.
	SpawnTimeout time.Duration

	// MuxBufferSize overrides the per-substream queue length.
	MuxBufferSize int

	// Logger for service operations. Defaults to slog.Default().
	Logger *slog.Logger
}

// Service is the execution environment service.
type Service struct {
	container isolate.Container
	messenger *messenger.Messenger
	setup     SetupSnapProvider
	logger    *slog.Logger

	pollingInterval     time.Duration
	unresponsiveTimeout time.Duration
	spawnTimeout        time.Duration
	muxBufferSize       int

	mu sync.Mutex
	// starting reserves snap ids between the duplicate check and the
	// mapping install, so two concurrent executes of the same snap
	// cannot both pass the check.
	starting  map[string]struct{}
	jobs      map[string]*job
	snapToJob map[string]string
	jobToSnap map[string]string
	hooks     map[string]RPCHook
	timers    map[string]*time.Timer
}

// job is one live isolate and its protocol plumbing.
type job struct {
	id      string
	mux     *mux.Mux
	command *mux.Stream
	rpc     *mux.Stream
	engine  *jsonrpc.Engine
}

// New creates a Service.
func New(config Config) (*Service, error) {
	if config.Container == nil {
		return nil, fmt.Errorf("service: container is required")
	}
	if config.Messenger == nil {
		return nil, fmt.Errorf("service: messenger is required")
	}
	if config.SetupSnapProvider == nil {
		return nil, fmt.Errorf("service: setupSnapProvider is required")
	}

	s := &Service{
		container:           config.Container,
		messenger:           config.Messenger,
		setup:               config.SetupSnapProvider,
		logger:              config.Logger,
		pollingInterval:     config.PollingInterval,
		unresponsiveTimeout: config.UnresponsiveTimeout,
		spawnTimeout:        config.SpawnTimeout,
		muxBufferSize:       config.MuxBufferSize,
		starting:            make(map[string]struct{}),
		jobs:                make(map[string]*job),
		snapToJob:           make(map[string]string),
		jobToSnap:           make(map[string]string),
		hooks:               make(map[string]RPCHook),
		timers:              make(map[string]*time.Timer),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.pollingInterval <= 0 {
		s.pollingInterval = DefaultPollingInterval
	}
	if s.unresponsiveTimeout <= 0 {
		s.unresponsiveTimeout = DefaultUnresponsiveTimeout
	}
	if s.spawnTimeout <= 0 {
		s.spawnTimeout = DefaultSpawnTimeout
	}
	return s, nil
}

// ExecuteSnap spawns an isolate for the snap, evaluates its source
// there, and on success wires the provider, installs the RPC hook,
// and starts liveness polling. A snap id that is already executing
// is rejected; the existing job is untouched. Any failure after the
// spawn tears the job down before returning.
func (s *Service) ExecuteSnap(ctx context.Context, data SnapData) (json.RawMessage, error) {
	if data.SnapID == "" || data.SourceCode == "" {
		return nil, fmt.Errorf("service: snapId and sourceCode are required")
	}

	s.mu.Lock()
	_, executing := s.snapToJob[data.SnapID]
	_, reserved := s.starting[data.SnapID]
	if executing || reserved {
		s.mu.Unlock()
		return nil, fmt.Errorf("snap %q is already being executed", data.SnapID)
	}
	s.starting[data.SnapID] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.starting, data.SnapID)
		s.mu.Unlock()
	}()

	jobID := uuid.NewString()
	digest := srchash.Source(data.SourceCode)
	s.logger.Info("executing snap",
		"snap_id", data.SnapID, "job_id", jobID, "source_digest", digest)

	j, err := s.initJob(ctx, data.SnapID, jobID)
	if err != nil {
		return nil, fmt.Errorf("initializing job for snap %q: %w", data.SnapID, err)
	}

	s.mu.Lock()
	s.jobs[jobID] = j
	s.mu.Unlock()

	result, err := j.engine.Call(ctx, ipc.MethodExecuteSnap, ipc.ExecuteSnapParams{
		SnapID:     data.SnapID,
		SourceCode: data.SourceCode,
	})
	if err != nil {
		s.terminateJob(jobID)
		return nil, fmt.Errorf("executing snap %q: %w", data.SnapID, err)
	}

	if err := s.setup(ctx, data.SnapID, j.rpc); err != nil {
		s.terminateJob(jobID)
		return nil, fmt.Errorf("setting up provider for snap %q: %w", data.SnapID, err)
	}

	s.mu.Lock()
	s.snapToJob[data.SnapID] = jobID
	s.jobToSnap[jobID] = data.SnapID
	s.hooks[data.SnapID] = s.makeHook(jobID, data.SnapID)
	s.mu.Unlock()

	s.scheduleLiveness(data.SnapID, jobID)

	return result, nil
}

// TerminateSnap terminates the snap's job. Unknown snaps are a
// caller error.
func (s *Service) TerminateSnap(snapID string) error {
	s.mu.Lock()
	jobID, ok := s.snapToJob[snapID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no job found for snap %q", snapID)
	}
	s.terminateJob(jobID)
	return nil
}

// TerminateAllSnaps terminates every live job and unconditionally
// clears all RPC hooks.
func (s *Service) TerminateAllSnaps() {
	s.mu.Lock()
	jobIDs := make([]string, 0, len(s.jobs))
	for jobID := range s.jobs {
		jobIDs = append(jobIDs, jobID)
	}
	s.mu.Unlock()

	var group errgroup.Group
	for _, jobID := range jobIDs {
		group.Go(func() error {
			s.terminateJob(jobID)
			return nil
		})
	}
	// Termination never fails for known jobs; the group only
	// sequences completion.
	_ = group.Wait()

	s.mu.Lock()
	clear(s.hooks)
	s.mu.Unlock()
}

// GetRPCMessageHandler returns the hook for snapID, if the snap is
// executing.
func (s *Service) GetRPCMessageHandler(snapID string) (RPCHook, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hook, ok := s.hooks[snapID]
	return hook, ok
}

// makeHook builds the snap's RPC hook. The hook closes over the job
// id as a value, never over the job record, so a stale hook cannot
// keep a terminated job alive.
func (s *Service) makeHook(jobID, snapID string) RPCHook {
	return func(ctx context.Context, origin string, request json.RawMessage) (json.RawMessage, error) {
		s.mu.Lock()
		j, ok := s.jobs[jobID]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("snap %q is not executing", snapID)
		}
		return j.engine.Call(ctx, ipc.MethodSnapRPC, ipc.SnapRPCParams{
			Origin:  origin,
			Request: request,
			Target:  snapID,
		})
	}
}

// terminateJob tears one job down. Idempotent: a second call for the
// same id is a no-op. Mapping, hook, and timer go first, streams and
// the container after, so no caller can observe a hook for a job
// whose streams are already gone.
func (s *Service) terminateJob(jobID string) {
	s.mu.Lock()
	j, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.jobs, jobID)

	snapID, hadSnap := s.jobToSnap[jobID]
	if hadSnap {
		delete(s.jobToSnap, jobID)
		delete(s.snapToJob, snapID)
		delete(s.hooks, snapID)
		if timer, ok := s.timers[snapID]; ok {
			timer.Stop()
			delete(s.timers, snapID)
		}
	}
	s.mu.Unlock()

	// Reject anything still in flight, then destroy the streams and
	// the container. All best-effort: the isolate may already be
	// gone.
	j.engine.Close(ErrJobTerminated)
	_ = j.mux.Close()
	if err := s.container.Destroy(jobID); err != nil {
		s.logger.Debug("destroying container", "job_id", jobID, "error", err)
	}

	if hadSnap {
		s.logger.Info("snap terminated", "snap_id", snapID, "job_id", jobID)
	} else {
		s.logger.Info("job terminated", "job_id", jobID)
	}
}
