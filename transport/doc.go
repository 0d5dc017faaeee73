// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the duplex byte streams connecting the
// host to its isolates, and the readiness handshake observed before
// any protocol traffic flows.
//
// The production transport is a Unix socketpair: the host keeps one
// end as a net.Conn and the worker process inherits the other as
// file descriptor 3. [Pipe] provides an in-memory equivalent for
// tests, with both ends satisfying the same interface the mux
// consumes.
//
// A freshly spawned isolate announces itself by writing a single
// readiness byte before entering its command loop — the load-event
// analog. [AwaitReady] consumes that byte with a deadline; a
// container constructor that does not observe readiness in time must
// tear the partial isolate down.
package transport
