// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	v8 "rogchap.com/v8go"

	"github.com/enclave-foundation/enclave/lib/jsonrpc"
)

// compartmentConfig assembles the V8 runtime.
type compartmentConfig struct {
	// provider is the JSON-RPC engine on the jsonRpc substream; the
	// wallet endowment's request() calls go through it.
	provider *jsonrpc.Engine

	// schedule queues a function on the controller's run loop. All
	// V8 re-entry from asynchronous endowment work goes through it.
	schedule func(func())

	logger *slog.Logger
}

// compartmentRuntime evaluates snaps in V8 compartments. One isolate
// per worker process, one context per snap. Every method runs on the
// controller's run-loop goroutine.
type compartmentRuntime struct {
	iso      *v8.Isolate
	provider *jsonrpc.Engine
	schedule func(func())
	logger   *slog.Logger
	http     *http.Client

	compartments map[string]*compartment
}

// compartment is one snap's sealed evaluation context plus the
// values the runtime needs to call back into it.
type compartment struct {
	snapID  string
	ctx     *v8.Context
	helpers helpers

	// handler is the snap's registered RPC handler. Exactly one
	// registration is permitted; a second throws in the compartment.
	handler *v8.Function
}

func newCompartmentRuntime(config compartmentConfig) *compartmentRuntime {
	return &compartmentRuntime{
		iso:          v8.NewIsolate(),
		provider:     config.provider,
		schedule:     config.schedule,
		logger:       config.logger,
		http:         &http.Client{Timeout: 30 * time.Second},
		compartments: make(map[string]*compartment),
	}
}

// Evaluate builds a fresh compartment for the snap and runs its
// source synchronously. On a throw the compartment — including any
// handler the source registered before throwing — is discarded.
func (r *compartmentRuntime) Evaluate(snapID, sourceCode string) error {
	if !lockdownApplied.Load() {
		return errors.New("refusing to evaluate before lockdown")
	}
	if _, exists := r.compartments[snapID]; exists {
		return fmt.Errorf("snap %q already evaluated in this isolate", snapID)
	}

	comp, err := r.newCompartment(snapID)
	if err != nil {
		return fmt.Errorf("building compartment: %w", err)
	}

	if _, err := comp.ctx.RunScript(sourceCode, snapID); err != nil {
		comp.handler = nil
		comp.ctx.Close()
		return jsErrorMessage(err)
	}
	comp.ctx.PerformMicrotaskCheckpoint()

	r.compartments[snapID] = comp
	return nil
}

// Invoke calls the target snap's registered handler with (origin,
// request). Promise results settle through the run loop's microtask
// pumping; respond fires exactly once either way.
func (r *compartmentRuntime) Invoke(target, origin string, request json.RawMessage, respond func(json.RawMessage, error)) {
	comp, ok := r.compartments[target]
	if !ok || comp.handler == nil {
		respond(nil, fmt.Errorf("no RPC handler registered for snap %q", target))
		return
	}

	originValue, err := v8.NewValue(r.iso, origin)
	if err != nil {
		respond(nil, fmt.Errorf("building origin value: %w", err))
		return
	}
	if len(request) == 0 {
		request = json.RawMessage("null")
	}
	requestValue, err := v8.JSONParse(comp.ctx, string(request))
	if err != nil {
		respond(nil, fmt.Errorf("parsing request: %w", err))
		return
	}

	result, err := comp.handler.Call(v8.Undefined(r.iso), originValue, requestValue)
	if err != nil {
		respond(nil, jsErrorMessage(err))
		return
	}
	r.settle(comp, result, respond)
}

// settle resolves a handler result: plain values respond
// immediately, promises respond when they settle. Pending promises
// get Then callbacks that fire on a later microtask checkpoint —
// scheduled endowment work (timers, fetch completions) pumps the
// queue.
func (r *compartmentRuntime) settle(comp *compartment, value *v8.Value, respond func(json.RawMessage, error)) {
	if !value.IsPromise() {
		respond(marshalValue(comp.ctx, value))
		return
	}
	promise, err := value.AsPromise()
	if err != nil {
		respond(nil, fmt.Errorf("inspecting promise: %w", err))
		return
	}

	comp.ctx.PerformMicrotaskCheckpoint()
	switch promise.State() {
	case v8.Fulfilled:
		respond(marshalValue(comp.ctx, promise.Result()))
	case v8.Rejected:
		respond(nil, errors.New(exceptionMessage(promise.Result())))
	case v8.Pending:
		done := false
		promise.Then(
			func(info *v8.FunctionCallbackInfo) *v8.Value {
				if done {
					return nil
				}
				done = true
				var settled *v8.Value
				if args := info.Args(); len(args) > 0 {
					settled = args[0]
				}
				result, err := marshalValue(comp.ctx, settled)
				respond(result, err)
				return nil
			},
			func(info *v8.FunctionCallbackInfo) *v8.Value {
				if done {
					return nil
				}
				done = true
				message := "snap handler rejected"
				if args := info.Args(); len(args) > 0 {
					message = exceptionMessage(args[0])
				}
				respond(nil, errors.New(message))
				return nil
			},
		)
	}
}

// pump runs the isolate's microtask queue. Called after every
// scheduled task so pending Then callbacks and await continuations
// make progress.
func (r *compartmentRuntime) pump(comp *compartment) {
	comp.ctx.PerformMicrotaskCheckpoint()
}

// scheduleInContext queues fn on the run loop and pumps microtasks
// after it, so any promise work fn triggered settles promptly.
func (r *compartmentRuntime) scheduleInContext(comp *compartment, fn func()) {
	r.schedule(func() {
		fn()
		r.pump(comp)
	})
}

// Close disposes the isolate and every compartment.
func (r *compartmentRuntime) Close() {
	for _, comp := range r.compartments {
		comp.ctx.Close()
	}
	clear(r.compartments)
	r.iso.Dispose()
}

// marshalValue converts a settled handler result to raw JSON.
// Undefined becomes null: the hook's promise resolves to nothing
// rather than failing.
func marshalValue(ctx *v8.Context, value *v8.Value) (json.RawMessage, error) {
	if value == nil || value.IsUndefined() {
		return json.RawMessage("null"), nil
	}
	text, err := v8.JSONStringify(ctx, value)
	if err != nil {
		return nil, fmt.Errorf("serializing result: %w", err)
	}
	if text == "" || text == "undefined" {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(text), nil
}

// jsErrorMessage reduces a V8 evaluation error to an error whose
// message is the thrown error's message, matching what the host
// reports to callers.
func jsErrorMessage(err error) error {
	var jsErr *v8.JSError
	if errors.As(err, &jsErr) {
		return errors.New(jsErr.Message)
	}
	return err
}

// exceptionMessage extracts the message from a thrown or rejected
// value: the message property of Error values, the string form of
// anything else.
func exceptionMessage(value *v8.Value) string {
	if value == nil {
		return "snap error"
	}
	if value.IsNativeError() || value.IsObject() {
		if obj, err := value.AsObject(); err == nil {
			if message, err := obj.Get("message"); err == nil && message.IsString() {
				return message.String()
			}
		}
	}
	return value.String()
}
