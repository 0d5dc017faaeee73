// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package mux

import (
	"errors"
	"net"
	"testing"
	"time"
)

// pair builds two muxes over an in-memory transport with the given
// channels open on both sides, pumps running.
func pair(t *testing.T, channels ...string) (a, b *Mux, aStreams, bStreams map[string]*Stream) {
	t.Helper()
	connA, connB := net.Pipe()
	a = New(connA)
	b = New(connB)
	aStreams = make(map[string]*Stream)
	bStreams = make(map[string]*Stream)
	for _, channel := range channels {
		sa, err := a.Open(channel)
		if err != nil {
			t.Fatalf("a.Open(%q): %v", channel, err)
		}
		sb, err := b.Open(channel)
		if err != nil {
			t.Fatalf("b.Open(%q): %v", channel, err)
		}
		aStreams[channel] = sa
		bStreams[channel] = sb
	}
	go a.Run()
	go b.Run()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b, aStreams, bStreams
}

func receive(t *testing.T, s *Stream) []byte {
	t.Helper()
	select {
	case msg, ok := <-s.Messages():
		if !ok {
			t.Fatalf("channel %q closed while awaiting message", s.Channel())
		}
		return msg
	case <-time.After(5 * time.Second):
		t.Fatalf("no message on channel %q within timeout", s.Channel())
		return nil
	}
}

func TestSubstreamDelivery(t *testing.T) {
	_, _, aStreams, bStreams := pair(t, ChannelCommand, ChannelJSONRPC)

	if err := aStreams[ChannelCommand].Send([]byte("on command")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := aStreams[ChannelJSONRPC].Send([]byte("on jsonRpc")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if got := string(receive(t, bStreams[ChannelCommand])); got != "on command" {
		t.Errorf("command channel received %q", got)
	}
	if got := string(receive(t, bStreams[ChannelJSONRPC])); got != "on jsonRpc" {
		t.Errorf("jsonRpc channel received %q", got)
	}

	// Nothing crossed channels.
	select {
	case msg := <-bStreams[ChannelCommand].Messages():
		t.Errorf("unexpected extra message on command: %q", msg)
	default:
	}
}

func TestBidirectional(t *testing.T) {
	_, _, aStreams, bStreams := pair(t, ChannelCommand)

	if err := bStreams[ChannelCommand].Send([]byte("reply")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got := string(receive(t, aStreams[ChannelCommand])); got != "reply" {
		t.Errorf("received %q, want reply", got)
	}
}

func TestUnknownChannelDropped(t *testing.T) {
	connA, connB := net.Pipe()
	a := New(connA)
	b := New(connB)
	orphanOut, err := a.Open("orphan")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	knownOut, err := a.Open(ChannelCommand)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	knownIn, err := b.Open(ChannelCommand)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	go a.Run()
	go b.Run()
	defer a.Close()
	defer b.Close()

	// The orphan message is silently dropped; the following message
	// on a known channel still arrives, proving the pump survived.
	if err := orphanOut.Send([]byte("nobody home")); err != nil {
		t.Fatalf("Send orphan: %v", err)
	}
	if err := knownOut.Send([]byte("still alive")); err != nil {
		t.Fatalf("Send known: %v", err)
	}
	if got := string(receive(t, knownIn)); got != "still alive" {
		t.Errorf("received %q, want still alive", got)
	}
}

func TestDuplicateOpenFails(t *testing.T) {
	m := New(nopConn{})
	if _, err := m.Open(ChannelCommand); err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := m.Open(ChannelCommand); err == nil {
		t.Fatal("second Open succeeded, want error")
	}
}

func TestCloseClosesPeerSubstreams(t *testing.T) {
	a, _, _, bStreams := pair(t, ChannelCommand, ChannelJSONRPC)

	a.Close()

	for _, s := range bStreams {
		select {
		case _, ok := <-s.Messages():
			if ok {
				t.Errorf("channel %q delivered a message after peer close", s.Channel())
			}
		case <-time.After(5 * time.Second):
			t.Errorf("channel %q not closed after peer close", s.Channel())
		}
	}
}

func TestPeerHangupIsOrderly(t *testing.T) {
	connA, connB := net.Pipe()
	a := New(connA)
	if _, err := a.Open(ChannelCommand); err != nil {
		t.Fatalf("Open: %v", err)
	}
	runErr := make(chan error, 1)
	go func() { runErr <- a.Run() }()

	connB.Close()

	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run returned %v after peer hangup, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after peer hangup")
	}
}

func TestSendAfterClose(t *testing.T) {
	_, _, aStreams, _ := pair(t, ChannelCommand)
	s := aStreams[ChannelCommand]
	s.mux.Close()

	if err := s.Send([]byte("too late")); !errors.Is(err, ErrMuxClosed) {
		t.Errorf("Send after close = %v, want ErrMuxClosed", err)
	}
}

// nopConn is a transport that never delivers and discards writes.
type nopConn struct{}

func (nopConn) Read(p []byte) (int, error)  { select {} }
func (nopConn) Write(p []byte) (int, error) { return len(p), nil }
func (nopConn) Close() error                { return nil }
