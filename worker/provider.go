// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"fmt"

	v8 "rogchap.com/v8go"
)

// installProvider builds the snap provider and endows it as wallet.
// The provider is the snap's only line to the host: request() speaks
// JSON-RPC to the wallet middleware over the jsonRpc substream, and
// registerRpcMessageHandler exposes the snap's own RPC surface.
//
// The provider is frozen before it enters the compartment (override
// taming severe): a snap that mutates wallet would otherwise be
// mutating the object its own trust chain hangs on.
func (r *compartmentRuntime) installProvider(comp *compartment) error {
	provider := v8.NewObjectTemplate(r.iso)

	provider.Set("request", v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) == 0 || !args[0].IsObject() {
			return r.throwError("request requires a payload object")
		}
		text, err := v8.JSONStringify(comp.ctx, args[0])
		if err != nil {
			return r.throwError("request payload is not serializable")
		}
		var payload struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal([]byte(text), &payload); err != nil || payload.Method == "" {
			return r.throwError("request payload requires a method")
		}

		resolver, err := v8.NewPromiseResolver(info.Context())
		if err != nil {
			return r.throwError("building request promise failed")
		}
		promise := resolver.GetPromise()

		go func() {
			var params any
			if len(payload.Params) > 0 {
				params = payload.Params
			}
			result, err := r.provider.Call(context.Background(), payload.Method, params)
			r.scheduleInContext(comp, func() {
				if err != nil {
					if message, newErr := v8.NewValue(r.iso, err.Error()); newErr == nil {
						resolver.Reject(message)
					}
					return
				}
				if len(result) == 0 {
					resolver.Resolve(v8.Undefined(r.iso))
					return
				}
				value, parseErr := v8.JSONParse(comp.ctx, string(result))
				if parseErr != nil {
					if message, newErr := v8.NewValue(r.iso, "undecodable provider response"); newErr == nil {
						resolver.Reject(message)
					}
					return
				}
				resolver.Resolve(value)
			})
		}()

		return promise.Value
	}))

	provider.Set("registerRpcMessageHandler", v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) == 0 || !args[0].IsFunction() {
			return r.throwError("registerRpcMessageHandler requires a function")
		}
		if comp.handler != nil {
			return r.throwError(fmt.Sprintf("RPC message handler already registered for snap %q", comp.snapID))
		}
		fn, err := args[0].AsFunction()
		if err != nil {
			return r.throwError("registerRpcMessageHandler requires a function")
		}
		comp.handler = fn
		return nil
	}))

	instance, err := provider.NewInstance(comp.ctx)
	if err != nil {
		return fmt.Errorf("building snap provider: %w", err)
	}
	frozen, err := comp.helpers.freeze.Call(v8.Undefined(r.iso), instance)
	if err != nil {
		return fmt.Errorf("freezing snap provider: %w", err)
	}
	if err := comp.ctx.Global().Set("wallet", frozen); err != nil {
		return fmt.Errorf("endowing wallet: %w", err)
	}
	return nil
}
