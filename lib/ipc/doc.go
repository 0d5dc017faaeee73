// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc defines the command-channel protocol shared by the
// host-side execution environment service and the isolate-side
// worker controller. Both builds import these definitions; drift
// between them would be a protocol break, so nothing here may change
// meaning without a matching change on both sides.
//
// Commands travel as JSON-RPC 2.0 requests on the command substream.
// The method set is closed: [MethodPing], [MethodExecuteSnap], and
// [MethodSnapRPC]. Workers answer anything else with an
// "Unrecognized command" error.
package ipc
