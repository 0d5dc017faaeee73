// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

// Package mux splits one duplex byte transport into named duplex
// substreams. Each message written on a substream arrives only on
// the peer's substream of the same channel name; the mux guarantees
// nothing else about channels — payloads are opaque bytes.
//
// Wire format: each frame is a 4-byte big-endian length followed by
// a CBOR envelope {channel, payload}. Framing is invisible above the
// mux; substream consumers see whole payloads.
//
// Substreams deliver inbound payloads through a buffered channel, so
// a slow consumer on one channel exerts backpressure on the shared
// read pump only once its own buffer fills — it cannot starve other
// channels before that point. A read or decode failure on the parent
// transport is terminal: it is recorded once, every substream's
// delivery channel is closed, and Run returns the error.
//
// The host and worker builds must agree on channel names exactly;
// the shared constants [ChannelCommand] and [ChannelJSONRPC] are the
// only channels the isolation protocol uses.
package mux
