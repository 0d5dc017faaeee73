// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package isolate provides the execution containers that host worker
// processes. The service depends only on the [Container] capability:
// something that spawns an isolate reachable over a duplex transport
// within a bounded time, and destroys it by id.
//
// Two variants exist. [ProcessContainer] runs the worker binary as a
// plain child process — the dedicated-worker shape. [SandboxContainer]
// wraps the same binary in a bubblewrap sandbox built from a
// sandbox.Profile — the hardened shape. The service treats them
// uniformly; both hand the worker its transport as inherited file
// descriptor 3 and wait for the readiness byte before returning.
package isolate
