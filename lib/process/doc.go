// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for Enclave
// binaries. It centralizes the one legitimate raw-stderr pattern: a
// fatal error in main() before (or after) the structured logger
// exists. Everything else logs through slog.
package process
