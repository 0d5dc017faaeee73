// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// ErrEngineClosed is returned by Call when the engine has been shut
// down. Every call still in flight at close time is rejected with an
// error wrapping this sentinel, so terminating a job never leaves a
// caller hanging on an unresolved command.
var ErrEngineClosed = errors.New("jsonrpc: engine closed")

// Stream is the duplex message surface the engine drives. It is
// satisfied by a multiplexer substream: Send writes one message to
// the peer, Messages delivers inbound messages until the substream
// closes.
type Stream interface {
	Send(payload []byte) error
	Messages() <-chan []byte
}

// Handler processes an outbound request and returns the raw result.
type Handler func(ctx context.Context, req *Request) (json.RawMessage, error)

// Middleware wraps a Handler. Middleware registered on an engine runs
// in registration order around the terminal stage that writes the
// request to the stream and awaits the correlated response.
type Middleware func(next Handler) Handler

// Engine correlates JSON-RPC requests with their responses over a
// single substream. One engine serves one job; ids are unique per
// engine and collision-resistant across restarts (UUIDs), so a stale
// response from a previous incarnation can never satisfy a new call.
type Engine struct {
	stream Stream
	logger *slog.Logger
	orphan func(*Response)

	mu         sync.Mutex
	middleware []Middleware
	pending    map[string]chan *Response
	closed     bool
	closeErr   error

	// done unblocks every in-flight call when the engine closes.
	done chan struct{}
}

// EngineOption configures optional engine behavior.
type EngineOption func(*Engine)

// WithLogger sets the engine's logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithOrphanHandler installs a callback for inbound messages that
// correlate to no in-flight request. The host's out-of-band error
// listener is installed this way. When absent, orphans are logged
// and dropped.
func WithOrphanHandler(fn func(*Response)) EngineOption {
	return func(e *Engine) { e.orphan = fn }
}

// NewEngine creates an engine on the given stream and starts its
// receive pump. The engine owns the inbound side of the stream from
// this point on.
func NewEngine(stream Stream, options ...EngineOption) *Engine {
	e := &Engine{
		stream:  stream,
		logger:  slog.Default(),
		pending: make(map[string]chan *Response),
		done:    make(chan struct{}),
	}
	for _, option := range options {
		option(e)
	}
	go e.receive()
	return e
}

// Use appends middleware to the chain. Middleware added after calls
// have started applies only to subsequent calls.
func (e *Engine) Use(middleware ...Middleware) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.middleware = append(e.middleware, middleware...)
}

// Call sends a request and blocks until the correlated response
// arrives, the context is cancelled, or the engine closes. A response
// carrying an error object fails the call with that *Error. params
// may be nil.
func (e *Engine) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s params: %w", method, err)
		}
		rawParams = data
	}

	req := &Request{
		JSONRPC: Version,
		ID:      json.RawMessage(`"` + uuid.NewString() + `"`),
		Method:  method,
		Params:  rawParams,
	}

	e.mu.Lock()
	handler := Handler(e.roundTrip)
	for i := len(e.middleware) - 1; i >= 0; i-- {
		handler = e.middleware[i](handler)
	}
	e.mu.Unlock()

	return handler(ctx, req)
}

// roundTrip is the terminal middleware stage: register the pending
// id, write the request, await the response.
func (e *Engine) roundTrip(ctx context.Context, req *Request) (json.RawMessage, error) {
	key := string(req.ID)
	ch := make(chan *Response, 1)

	e.mu.Lock()
	if e.closed {
		err := e.closeErr
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrEngineClosed, err)
	}
	e.pending[key] = ch
	e.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		e.unregister(key)
		return nil, fmt.Errorf("marshaling %s request: %w", req.Method, err)
	}
	if err := e.stream.Send(data); err != nil {
		e.unregister(key)
		return nil, fmt.Errorf("sending %s request: %w", req.Method, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		e.unregister(key)
		return nil, ctx.Err()
	case <-e.done:
		e.mu.Lock()
		err := e.closeErr
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrEngineClosed, err)
	}
}

func (e *Engine) unregister(key string) {
	e.mu.Lock()
	delete(e.pending, key)
	e.mu.Unlock()
}

// receive pumps inbound messages until the stream closes, delivering
// responses to their waiting calls and routing everything else to
// the orphan callback.
func (e *Engine) receive() {
	for msg := range e.stream.Messages() {
		var resp Response
		if err := json.Unmarshal(msg, &resp); err != nil {
			e.logger.Debug("dropping undecodable message", "error", err)
			continue
		}

		if resp.HasID() {
			e.mu.Lock()
			ch, ok := e.pending[string(resp.ID)]
			if ok {
				delete(e.pending, string(resp.ID))
			}
			e.mu.Unlock()
			if ok {
				ch <- &resp
				continue
			}
		}

		if e.orphan != nil {
			e.orphan(&resp)
			continue
		}
		e.logger.Debug("dropping uncorrelated message", "id", string(resp.ID))
	}
	e.Close(errors.New("stream closed"))
}

// Close shuts the engine down. Every in-flight call is rejected with
// ErrEngineClosed wrapping cause. Close is idempotent; only the first
// cause is kept.
func (e *Engine) Close(cause error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.closeErr = cause
	e.pending = make(map[string]chan *Response)
	e.mu.Unlock()
	close(e.done)
}
