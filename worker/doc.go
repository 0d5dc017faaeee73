// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package worker implements the isolate side of the isolation
// protocol. One worker process hosts one snap: it locks its own
// process down, connects back to the host over the inherited
// transport, and then serves commands — ping, executeSnap, snapRpc —
// from a single-goroutine run loop.
//
// Snap source is evaluated inside a compartment: a fresh V8 context
// whose global environment is exactly the enumerated endowment set.
// Nothing outside that set is reachable from snap code. The snap
// provider (the "wallet" endowment) speaks JSON-RPC back to the
// host's wallet middleware over the jsonRpc substream and carries
// registerRpcMessageHandler, through which the snap exposes its own
// RPC surface.
//
// Everything that touches V8 happens on the run-loop goroutine.
// Asynchronous endowment work (timers, fetch, WebSocket traffic)
// completes on other goroutines and re-enters V8 only by scheduling
// a task on the loop.
package worker
