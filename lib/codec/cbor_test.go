// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

// sampleEnvelope is a representative internal message using cbor
// struct tags (the convention for purely-internal wire types).
type sampleEnvelope struct {
	Channel string `cbor:"channel"`
	Payload []byte `cbor:"payload,omitempty"`
}

func TestRoundTrip(t *testing.T) {
	in := sampleEnvelope{
		Channel: "command",
		Payload: []byte(`{"jsonrpc":"2.0","id":"1","method":"ping"}`),
	}

	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out sampleEnvelope
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if out.Channel != in.Channel {
		t.Errorf("Channel = %q, want %q", out.Channel, in.Channel)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Errorf("Payload = %q, want %q", out.Payload, in.Payload)
	}
}

func TestDeterministicEncoding(t *testing.T) {
	value := map[string]any{
		"zebra":  1,
		"apple":  2,
		"middle": 3,
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal first: %v", err)
	}
	second, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal second: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Errorf("encoding is not deterministic: %x vs %x", first, second)
	}
}

func TestUnknownFieldsIgnored(t *testing.T) {
	// Encode a superset of sampleEnvelope; decoding into the struct
	// must succeed and ignore the extra field.
	data, err := Marshal(map[string]any{
		"channel": "jsonRpc",
		"payload": []byte("{}"),
		"future":  "field",
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out sampleEnvelope
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Channel != "jsonRpc" {
		t.Errorf("Channel = %q, want %q", out.Channel, "jsonRpc")
	}
}

func TestAnyMapType(t *testing.T) {
	data, err := Marshal(map[string]any{"key": "value"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var out any
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", out)
	}
	if m["key"] != "value" {
		t.Errorf("m[key] = %v, want value", m["key"])
	}
}
