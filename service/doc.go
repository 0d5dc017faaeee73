// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package service implements the host side of the isolation
// protocol: the execution environment service. It owns the complete
// lifecycle of every snap's isolate — spawn, load, execute, liveness
// polling, terminate — and is the only code in the host that touches
// jobs, snap↔job mappings, RPC hooks, or liveness timers.
//
// One snap, one job. While a snap executes, the snap↔job mapping is
// bijective, and an RPC hook exists exactly when the snap is mapped.
// The mapping and hook are installed only after the isolate confirms
// executeSnap, and removed before its streams are destroyed, so a
// concurrent caller never observes partial state.
//
// The service decides nothing about misbehaving snaps. It publishes
// unresponsive and unhandledError events on the messenger and leaves
// termination policy to a supervisor.
package service
