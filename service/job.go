// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/enclave-foundation/enclave/lib/ipc"
	"github.com/enclave-foundation/enclave/lib/jsonrpc"
	"github.com/enclave-foundation/enclave/lib/mux"
)

// initJob spawns an isolate and builds its protocol plumbing:
// multiplexer, command and jsonRpc substreams, JSON-RPC engine with
// the out-of-band error listener, and the initial ping handshake.
// Any failure tears the partially built isolate down before
// returning.
func (s *Service) initJob(ctx context.Context, snapID, jobID string) (*job, error) {
	conn, err := s.container.Spawn(ctx, jobID, s.spawnTimeout)
	if err != nil {
		return nil, fmt.Errorf("spawning isolate: %w", err)
	}

	options := []mux.Option{mux.WithLogger(s.logger)}
	if s.muxBufferSize > 0 {
		options = append(options, mux.WithBufferSize(s.muxBufferSize))
	}
	m := mux.New(conn, options...)

	teardown := func() {
		_ = m.Close()
		if err := s.container.Destroy(jobID); err != nil {
			s.logger.Debug("destroying container", "job_id", jobID, "error", err)
		}
	}

	command, err := m.Open(mux.ChannelCommand)
	if err != nil {
		teardown()
		return nil, fmt.Errorf("opening command channel: %w", err)
	}
	rpc, err := m.Open(mux.ChannelJSONRPC)
	if err != nil {
		teardown()
		return nil, fmt.Errorf("opening jsonRpc channel: %w", err)
	}

	go func() {
		if err := m.Run(); err != nil {
			// A transport fault is terminal for the job. The next
			// liveness ping fails and publishes unresponsive; the
			// supervisor decides whether to terminate.
			s.logger.Warn("job transport failed", "snap_id", snapID, "job_id", jobID, "error", err)
		}
	}()

	// The out-of-band listener: only messages carrying an error and
	// no id — failures belonging to no in-flight command — become
	// unhandledError events. Anything else uncorrelated is noise.
	engine := jsonrpc.NewEngine(command,
		jsonrpc.WithLogger(s.logger),
		jsonrpc.WithOrphanHandler(func(resp *jsonrpc.Response) {
			if resp.Error != nil && !resp.HasID() {
				s.logger.Warn("snap pushed out-of-band error",
					"snap_id", snapID, "job_id", jobID, "error", resp.Error.Message)
				s.messenger.PublishUnhandledError(snapID, resp.Error)
				return
			}
			s.logger.Debug("dropping uncorrelated command message",
				"snap_id", snapID, "job_id", jobID)
		}))
	engine.Use(s.commandLogging(snapID, jobID))

	pingCtx, cancel := context.WithTimeout(ctx, s.spawnTimeout)
	defer cancel()
	if _, err := engine.Call(pingCtx, ipc.MethodPing, nil); err != nil {
		engine.Close(ErrJobTerminated)
		teardown()
		return nil, fmt.Errorf("pinging fresh isolate: %w", err)
	}

	return &job{
		id:      jobID,
		mux:     m,
		command: command,
		rpc:     rpc,
		engine:  engine,
	}, nil
}

// commandLogging is the engine middleware logging every command
// round trip on the job's command channel.
func (s *Service) commandLogging(snapID, jobID string) jsonrpc.Middleware {
	return func(next jsonrpc.Handler) jsonrpc.Handler {
		return func(ctx context.Context, req *jsonrpc.Request) (json.RawMessage, error) {
			s.logger.Debug("sending command",
				"snap_id", snapID, "job_id", jobID, "method", req.Method)
			result, err := next(ctx, req)
			if err != nil {
				s.logger.Debug("command failed",
					"snap_id", snapID, "job_id", jobID, "method", req.Method, "error", err)
			}
			return result, err
		}
	}
}
