// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package sandbox builds the bubblewrap invocations that wrap worker
// processes in the hardened container variant. A [Profile] describes
// the namespace, mount, and environment shape of the sandbox;
// [Args] turns a profile and a worker command line into the bwrap
// argument vector.
//
// Profiles are authored on disk as JSONC (JSON with comments and
// trailing commas) and parsed with [ParseProfile]. The built-in
// [DefaultProfile] unshares every namespace except network — snaps
// are endowed with fetch and WebSocket, so the isolate keeps the
// host's network namespace while seeing none of its filesystem
// beyond the read-only binds the profile names.
//
// The sandbox is containment only. What a snap can reach inside the
// isolate is decided by the worker's endowment set, not here.
package sandbox
