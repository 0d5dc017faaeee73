// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Enclave's standard CBOR encoding. All wire
// envelopes exchanged between the host and its isolates are encoded
// with the deterministic configuration defined here, so the same
// logical message always produces identical bytes on both sides of
// the transport.
//
// Consumers import only this package, never fxamacker/cbor directly.
package codec
