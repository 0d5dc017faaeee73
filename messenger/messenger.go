// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package messenger is the in-process pub/sub bus between the
// execution environment service and the rest of the host. The
// service publishes; supervisors subscribe and decide what to do —
// typically whether an unresponsive or misbehaving snap should be
// terminated. The bus itself never acts on events.
//
// Delivery is synchronous on the publisher's goroutine, in
// subscription order. Handlers must not block; anything slow belongs
// on the subscriber's own goroutine.
package messenger

import (
	"sync"

	"github.com/enclave-foundation/enclave/lib/jsonrpc"
)

// Event names published by the execution environment service.
const (
	// EventUnresponsive fires when a snap's isolate misses a liveness
	// ping (error or timeout). Published at most once per execution;
	// polling stops after the first miss.
	EventUnresponsive = "ServiceMessenger:unresponsive"

	// EventUnhandledError fires when an isolate pushes an id-less
	// error on the command channel — a failure belonging to no
	// in-flight call.
	EventUnhandledError = "ServiceMessenger:unhandledError"
)

// UnresponsiveEvent is the payload of EventUnresponsive.
type UnresponsiveEvent struct {
	SnapID string
}

// UnhandledErrorEvent is the payload of EventUnhandledError.
type UnhandledErrorEvent struct {
	SnapID string
	Err    *jsonrpc.Error
}

// Messenger fans events out to subscribers. The zero value is not
// usable; create one with New.
type Messenger struct {
	mu           sync.RWMutex
	unresponsive []func(UnresponsiveEvent)
	unhandled    []func(UnhandledErrorEvent)
}

// New creates an empty messenger.
func New() *Messenger {
	return &Messenger{}
}

// OnUnresponsive subscribes to EventUnresponsive.
func (m *Messenger) OnUnresponsive(fn func(UnresponsiveEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unresponsive = append(m.unresponsive, fn)
}

// OnUnhandledError subscribes to EventUnhandledError.
func (m *Messenger) OnUnhandledError(fn func(UnhandledErrorEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unhandled = append(m.unhandled, fn)
}

// PublishUnresponsive delivers an UnresponsiveEvent to all
// subscribers.
func (m *Messenger) PublishUnresponsive(snapID string) {
	m.mu.RLock()
	subscribers := m.unresponsive
	m.mu.RUnlock()
	for _, fn := range subscribers {
		fn(UnresponsiveEvent{SnapID: snapID})
	}
}

// PublishUnhandledError delivers an UnhandledErrorEvent to all
// subscribers.
func (m *Messenger) PublishUnhandledError(snapID string, rpcErr *jsonrpc.Error) {
	m.mu.RLock()
	subscribers := m.unhandled
	m.mu.RUnlock()
	for _, fn := range subscribers {
		fn(UnhandledErrorEvent{SnapID: snapID, Err: rpcErr})
	}
}
