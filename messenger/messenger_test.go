// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package messenger

import (
	"testing"

	"github.com/enclave-foundation/enclave/lib/jsonrpc"
)

func TestPublishUnresponsive(t *testing.T) {
	m := New()

	var got []string
	m.OnUnresponsive(func(e UnresponsiveEvent) {
		got = append(got, e.SnapID)
	})

	m.PublishUnresponsive("snap-a")
	m.PublishUnresponsive("snap-b")

	if len(got) != 2 || got[0] != "snap-a" || got[1] != "snap-b" {
		t.Errorf("delivered = %v, want [snap-a snap-b]", got)
	}
}

func TestPublishUnhandledError(t *testing.T) {
	m := New()

	var got []UnhandledErrorEvent
	m.OnUnhandledError(func(e UnhandledErrorEvent) {
		got = append(got, e)
	})

	m.PublishUnhandledError("snap-a", &jsonrpc.Error{Message: "x"})

	if len(got) != 1 {
		t.Fatalf("delivered %d events, want 1", len(got))
	}
	if got[0].SnapID != "snap-a" || got[0].Err.Message != "x" {
		t.Errorf("event = %+v, want snap-a/x", got[0])
	}
}

func TestMultipleSubscribersInOrder(t *testing.T) {
	m := New()

	var order []string
	m.OnUnresponsive(func(UnresponsiveEvent) { order = append(order, "first") })
	m.OnUnresponsive(func(UnresponsiveEvent) { order = append(order, "second") })

	m.PublishUnresponsive("snap-a")

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v, want [first second]", order)
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	m := New()
	// Must not panic.
	m.PublishUnresponsive("snap-a")
	m.PublishUnhandledError("snap-a", nil)
}
