// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package jsonrpc implements the JSON-RPC 2.0 wire types and the
// client engine used on Enclave's command and provider channels.
//
// The wire types ([Request], [Response], [Error]) are shared by both
// sides of the isolation protocol: the host sends commands to its
// workers, workers answer them, and snap code inside a worker sends
// provider requests back to the host's wallet middleware.
//
// [Engine] is the client half: it assigns a fresh collision-resistant
// id to each outbound request, writes it through a middleware chain
// whose terminal stage lands on a multiplexer substream, and resolves
// the call when the matching response arrives. Responses may arrive
// in any order; correlation is by id only. Responses that match no
// in-flight call are handed to the orphan callback — the host uses
// this to surface out-of-band errors pushed by a worker.
package jsonrpc
