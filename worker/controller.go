// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/enclave-foundation/enclave/lib/ipc"
	"github.com/enclave-foundation/enclave/lib/jsonrpc"
	"github.com/enclave-foundation/enclave/lib/mux"
	"github.com/enclave-foundation/enclave/transport"
)

// runtime is the evaluation surface the controller drives. The V8
// compartment runtime implements it; tests substitute a fake so
// dispatch behavior is checkable without a V8 build.
type runtime interface {
	// Evaluate runs snap source in a fresh compartment. An
	// evaluation throw rolls back any handler the source registered
	// before failing.
	Evaluate(snapID, sourceCode string) error

	// Invoke routes one request to the target snap's registered
	// handler and calls respond exactly once — immediately for
	// missing handlers and synchronous results, later (from a
	// scheduled task) when the handler returned a pending promise.
	Invoke(target, origin string, request json.RawMessage, respond func(json.RawMessage, error))

	// Close releases the runtime.
	Close()
}

// Controller receives commands from the host and drives the
// compartment runtime. All dispatch happens on the goroutine that
// called Run; endowment completions re-enter through the task queue.
type Controller struct {
	logger  *slog.Logger
	mux     *mux.Mux
	command *mux.Stream
	rt      runtime
	tasks   chan func()
}

// ControllerOption configures a controller.
type ControllerOption func(*controllerConfig)

type controllerConfig struct {
	logger *slog.Logger
	rt     runtime
}

// WithControllerLogger sets the controller logger.
func WithControllerLogger(logger *slog.Logger) ControllerOption {
	return func(c *controllerConfig) { c.logger = logger }
}

// withRuntime substitutes the evaluation runtime. Test-only.
func withRuntime(rt runtime) ControllerOption {
	return func(c *controllerConfig) { c.rt = rt }
}

// NewController builds the worker's protocol plumbing over conn and
// signals readiness to the host. The process must already be locked
// down.
func NewController(conn io.ReadWriteCloser, options ...ControllerOption) (*Controller, error) {
	if !lockdownApplied.Load() {
		return nil, fmt.Errorf("worker: controller created before lockdown")
	}

	config := controllerConfig{logger: slog.Default()}
	for _, option := range options {
		option(&config)
	}

	m := mux.New(conn, mux.WithLogger(config.logger))
	command, err := m.Open(mux.ChannelCommand)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("opening command channel: %w", err)
	}
	rpc, err := m.Open(mux.ChannelJSONRPC)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("opening jsonRpc channel: %w", err)
	}

	c := &Controller{
		logger:  config.logger,
		mux:     m,
		command: command,
		tasks:   make(chan func(), 128),
	}

	if config.rt != nil {
		c.rt = config.rt
	} else {
		// The provider engine carries wallet.request traffic from
		// snap code to the host's middleware.
		engine := jsonrpc.NewEngine(rpc, jsonrpc.WithLogger(config.logger))
		c.rt = newCompartmentRuntime(compartmentConfig{
			provider: engine,
			schedule: c.schedule,
			logger:   config.logger,
		})
	}

	if err := transport.SignalReady(conn); err != nil {
		c.rt.Close()
		m.Close()
		return nil, err
	}
	return c, nil
}

// schedule queues fn for execution on the run loop. Endowment
// completions use this to re-enter V8 safely.
func (c *Controller) schedule(fn func()) {
	c.tasks <- fn
}

// Run pumps the transport and serves commands until the transport
// closes or ctx is cancelled. The command loop and every scheduled
// task run on this goroutine only.
func (c *Controller) Run(ctx context.Context) error {
	defer c.rt.Close()

	muxDone := make(chan error, 1)
	go func() { muxDone <- c.mux.Run() }()
	defer c.mux.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-muxDone:
			// Transport gone: the host terminated us or died. Either
			// way the worker closes itself.
			return err
		case msg, ok := <-c.command.Messages():
			if !ok {
				return c.mux.Err()
			}
			c.handleCommand(msg)
		case task := <-c.tasks:
			task()
		}
	}
}

// handleCommand validates and dispatches one command message.
// Non-object, array, and id-less messages are logged and dropped
// without a response; everything with an id gets exactly one
// response.
func (c *Controller) handleCommand(msg []byte) {
	req, ok := parseCommand(msg)
	if !ok {
		c.logger.Error("dropping malformed command message")
		return
	}

	switch command := dispatch(req); command.kind {
	case commandPing:
		c.respondResult(req.ID, ipc.ResultOK)

	case commandExecuteSnap:
		if command.execute.SnapID == "" || command.execute.SourceCode == "" {
			c.respondError(req.ID, "Invalid executeSnap parameters")
			return
		}
		if err := c.rt.Evaluate(command.execute.SnapID, command.execute.SourceCode); err != nil {
			c.logger.Error("snap evaluation failed",
				"snap_id", command.execute.SnapID, "error", err)
			c.respondError(req.ID, err.Error())
			return
		}
		c.respondResult(req.ID, ipc.ResultOK)

	case commandSnapRPC:
		if command.snapRPC.Target == "" {
			c.respondError(req.ID, "Invalid snapRpc parameters")
			return
		}
		id := req.ID
		c.rt.Invoke(command.snapRPC.Target, command.snapRPC.Origin, command.snapRPC.Request,
			func(result json.RawMessage, err error) {
				if err != nil {
					c.respondError(id, err.Error())
					return
				}
				c.respondRaw(id, result)
			})

	default:
		c.respondError(req.ID, "Unrecognized command")
	}
}

// commandKind is the closed method set. Dispatch is a tagged variant
// over it; unknown methods are their own variant, not a fall-through
// on strings.
type commandKind int

const (
	commandUnknown commandKind = iota
	commandPing
	commandExecuteSnap
	commandSnapRPC
)

// command is one decoded command with the params of its variant.
type command struct {
	kind    commandKind
	execute ipc.ExecuteSnapParams
	snapRPC ipc.SnapRPCParams
}

// parseCommand accepts only JSON objects carrying an id. Arrays,
// scalars, unparseable input, and notifications are rejected.
func parseCommand(msg []byte) (*jsonrpc.Request, bool) {
	trimmed := bytesTrimLeft(msg)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var req jsonrpc.Request
	if err := json.Unmarshal(msg, &req); err != nil {
		return nil, false
	}
	if !req.HasID() {
		return nil, false
	}
	return &req, true
}

func bytesTrimLeft(msg []byte) []byte {
	for len(msg) > 0 {
		switch msg[0] {
		case ' ', '\t', '\n', '\r':
			msg = msg[1:]
		default:
			return msg
		}
	}
	return msg
}

// dispatch classifies a request into the command variant set.
// Malformed params of a known method leave the variant's params
// zeroed; the handler treats that as invalid parameters.
func dispatch(req *jsonrpc.Request) command {
	switch req.Method {
	case ipc.MethodPing:
		return command{kind: commandPing}
	case ipc.MethodExecuteSnap:
		var params ipc.ExecuteSnapParams
		_ = json.Unmarshal(req.Params, &params)
		return command{kind: commandExecuteSnap, execute: params}
	case ipc.MethodSnapRPC:
		var params ipc.SnapRPCParams
		_ = json.Unmarshal(req.Params, &params)
		return command{kind: commandSnapRPC, snapRPC: params}
	default:
		return command{kind: commandUnknown}
	}
}

func (c *Controller) respondResult(id json.RawMessage, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		c.respondError(id, fmt.Sprintf("marshaling result: %v", err))
		return
	}
	c.respondRaw(id, raw)
}

func (c *Controller) respondRaw(id, result json.RawMessage) {
	if result == nil {
		result = json.RawMessage("null")
	}
	c.send(jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: id, Result: result})
}

func (c *Controller) respondError(id json.RawMessage, message string) {
	c.send(jsonrpc.Response{
		JSONRPC: jsonrpc.Version,
		ID:      id,
		Error:   &jsonrpc.Error{Code: jsonrpc.CodeInternalError, Message: message},
	})
}

func (c *Controller) send(resp jsonrpc.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("marshaling response", "error", err)
		return
	}
	if err := c.command.Send(data); err != nil {
		c.logger.Error("sending response", "error", err)
	}
}
