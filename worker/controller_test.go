// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/enclave-foundation/enclave/lib/ipc"
	"github.com/enclave-foundation/enclave/lib/jsonrpc"
	"github.com/enclave-foundation/enclave/lib/mux"
	"github.com/enclave-foundation/enclave/transport"
)

// fakeRuntime records evaluations and serves handlers without V8.
type fakeRuntime struct {
	mu        sync.Mutex
	evaluated map[string]string
	evalErr   error
	handlers  map[string]func(origin string, request json.RawMessage) (json.RawMessage, error)
	closed    bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		evaluated: make(map[string]string),
		handlers:  make(map[string]func(string, json.RawMessage) (json.RawMessage, error)),
	}
}

func (f *fakeRuntime) Evaluate(snapID, sourceCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evalErr != nil {
		return f.evalErr
	}
	f.evaluated[snapID] = sourceCode
	return nil
}

func (f *fakeRuntime) Invoke(target, origin string, request json.RawMessage, respond func(json.RawMessage, error)) {
	f.mu.Lock()
	handler, ok := f.handlers[target]
	f.mu.Unlock()
	if !ok {
		respond(nil, fmt.Errorf("no RPC handler registered for snap %q", target))
		return
	}
	respond(handler(origin, request))
}

func (f *fakeRuntime) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// hostHarness is the host side of a controller under test: a real
// mux over an in-memory transport.
type hostHarness struct {
	command *mux.Stream
	rt      *fakeRuntime
}

func startController(t *testing.T) *hostHarness {
	t.Helper()
	if err := Lockdown(DefaultLockdown()); err != nil {
		t.Fatalf("Lockdown: %v", err)
	}

	hostConn, workerConn := transport.Pipe()
	rt := newFakeRuntime()

	controllers := make(chan *Controller, 1)
	errs := make(chan error, 1)
	go func() {
		c, err := NewController(workerConn, withRuntime(rt))
		if err != nil {
			errs <- err
			return
		}
		controllers <- c
	}()

	// Consume the readiness byte the way a container does.
	ready := make([]byte, 1)
	if _, err := io.ReadFull(hostConn, ready); err != nil {
		t.Fatalf("reading readiness byte: %v", err)
	}

	var controller *Controller
	select {
	case controller = <-controllers:
	case err := <-errs:
		t.Fatalf("NewController: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("NewController did not return")
	}

	ctx, cancel := context.WithCancel(context.Background())
	go controller.Run(ctx)
	t.Cleanup(cancel)

	m := mux.New(hostConn)
	command, err := m.Open(mux.ChannelCommand)
	if err != nil {
		t.Fatalf("opening host command channel: %v", err)
	}
	if _, err := m.Open(mux.ChannelJSONRPC); err != nil {
		t.Fatalf("opening host jsonRpc channel: %v", err)
	}
	go m.Run()
	t.Cleanup(func() { m.Close() })

	return &hostHarness{command: command, rt: rt}
}

func (h *hostHarness) sendRaw(t *testing.T, msg string) {
	t.Helper()
	if err := h.command.Send([]byte(msg)); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func (h *hostHarness) send(t *testing.T, id, method string, params any) {
	t.Helper()
	var rawParams json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshaling params: %v", err)
		}
		rawParams = data
	}
	data, err := json.Marshal(jsonrpc.Request{
		JSONRPC: jsonrpc.Version,
		ID:      json.RawMessage(`"` + id + `"`),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		t.Fatalf("marshaling request: %v", err)
	}
	h.sendRaw(t, string(data))
}

func (h *hostHarness) receive(t *testing.T) *jsonrpc.Response {
	t.Helper()
	select {
	case msg, ok := <-h.command.Messages():
		if !ok {
			t.Fatal("command channel closed")
		}
		var resp jsonrpc.Response
		if err := json.Unmarshal(msg, &resp); err != nil {
			t.Fatalf("unmarshaling response %q: %v", msg, err)
		}
		return &resp
	case <-time.After(5 * time.Second):
		t.Fatal("no response within timeout")
		return nil
	}
}

func (h *hostHarness) expectSilence(t *testing.T) {
	t.Helper()
	select {
	case msg := <-h.command.Messages():
		t.Errorf("unexpected response: %s", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPing(t *testing.T) {
	h := startController(t)

	h.send(t, "1", ipc.MethodPing, nil)
	resp := h.receive(t)

	if resp.JSONRPC != jsonrpc.Version {
		t.Errorf("jsonrpc = %q", resp.JSONRPC)
	}
	if string(resp.ID) != `"1"` {
		t.Errorf("id = %s, want \"1\"", resp.ID)
	}
	if string(resp.Result) != `"OK"` {
		t.Errorf("result = %s, want \"OK\"", resp.Result)
	}
}

func TestUnrecognizedCommand(t *testing.T) {
	h := startController(t)

	h.send(t, "1", "selfDestruct", nil)
	resp := h.receive(t)

	if resp.Error == nil || resp.Error.Message != "Unrecognized command" {
		t.Errorf("error = %+v, want Unrecognized command", resp.Error)
	}
}

func TestMalformedMessagesDropped(t *testing.T) {
	h := startController(t)

	// Arrays, scalars, unparseable input, and id-less requests get
	// no response.
	h.sendRaw(t, `[1, 2, 3]`)
	h.sendRaw(t, `"just a string"`)
	h.sendRaw(t, `{not json`)
	h.sendRaw(t, `{"jsonrpc":"2.0","method":"ping"}`)
	h.sendRaw(t, `{"jsonrpc":"2.0","id":null,"method":"ping"}`)
	h.expectSilence(t)

	// The loop survived: a well-formed ping still answers.
	h.send(t, "after", ipc.MethodPing, nil)
	if resp := h.receive(t); string(resp.Result) != `"OK"` {
		t.Errorf("ping after malformed input = %+v", resp)
	}
}

func TestExecuteSnap(t *testing.T) {
	h := startController(t)

	h.send(t, "1", ipc.MethodExecuteSnap, ipc.ExecuteSnapParams{
		SnapID:     "snap-a",
		SourceCode: "module.exports = 1;",
	})
	resp := h.receive(t)

	if string(resp.Result) != `"OK"` {
		t.Fatalf("result = %s, want \"OK\"", resp.Result)
	}
	h.rt.mu.Lock()
	source := h.rt.evaluated["snap-a"]
	h.rt.mu.Unlock()
	if source != "module.exports = 1;" {
		t.Errorf("evaluated source = %q", source)
	}
}

func TestExecuteSnapInvalidParams(t *testing.T) {
	h := startController(t)

	tests := []struct {
		name   string
		params any
	}{
		{"missing source", ipc.ExecuteSnapParams{SnapID: "snap-a"}},
		{"missing id", ipc.ExecuteSnapParams{SourceCode: "1"}},
		{"no params", nil},
		{"wrong shape", map[string]int{"snapId": 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.send(t, "1", ipc.MethodExecuteSnap, tt.params)
			resp := h.receive(t)
			if resp.Error == nil || resp.Error.Message != "Invalid executeSnap parameters" {
				t.Errorf("error = %+v, want invalid parameters", resp.Error)
			}
		})
	}

	h.rt.mu.Lock()
	evaluated := len(h.rt.evaluated)
	h.rt.mu.Unlock()
	if evaluated != 0 {
		t.Errorf("evaluated %d snaps from invalid params", evaluated)
	}
}

func TestExecuteSnapEvaluationError(t *testing.T) {
	h := startController(t)
	h.rt.mu.Lock()
	h.rt.evalErr = fmt.Errorf("boom")
	h.rt.mu.Unlock()

	h.send(t, "1", ipc.MethodExecuteSnap, ipc.ExecuteSnapParams{
		SnapID:     "snap-a",
		SourceCode: "throw new Error('boom');",
	})
	resp := h.receive(t)

	if resp.Error == nil || resp.Error.Message != "boom" {
		t.Errorf("error = %+v, want boom", resp.Error)
	}
}

func TestSnapRPC(t *testing.T) {
	h := startController(t)
	h.rt.mu.Lock()
	h.rt.handlers["snap-a"] = func(origin string, request json.RawMessage) (json.RawMessage, error) {
		var req struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal(request, &req); err != nil {
			return nil, err
		}
		return json.Marshal(origin + "/" + req.Method)
	}
	h.rt.mu.Unlock()

	h.send(t, "1", ipc.MethodSnapRPC, ipc.SnapRPCParams{
		Origin:  "origin1",
		Request: json.RawMessage(`{"method":"hello"}`),
		Target:  "snap-a",
	})
	resp := h.receive(t)

	if string(resp.Result) != `"origin1/hello"` {
		t.Errorf("result = %s", resp.Result)
	}
}

func TestSnapRPCNoHandler(t *testing.T) {
	h := startController(t)

	h.send(t, "1", ipc.MethodSnapRPC, ipc.SnapRPCParams{
		Origin:  "origin1",
		Request: json.RawMessage(`{}`),
		Target:  "snap-a",
	})
	resp := h.receive(t)

	if resp.Error == nil {
		t.Fatalf("result = %s, want error", resp.Result)
	}
}

func TestSnapRPCHandlerError(t *testing.T) {
	h := startController(t)
	h.rt.mu.Lock()
	h.rt.handlers["snap-a"] = func(string, json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("handler exploded")
	}
	h.rt.mu.Unlock()

	h.send(t, "1", ipc.MethodSnapRPC, ipc.SnapRPCParams{
		Origin:  "origin1",
		Request: json.RawMessage(`{}`),
		Target:  "snap-a",
	})
	resp := h.receive(t)

	if resp.Error == nil || resp.Error.Message != "handler exploded" {
		t.Errorf("error = %+v, want handler exploded", resp.Error)
	}
}

func TestSnapRPCMissingTarget(t *testing.T) {
	h := startController(t)

	h.send(t, "1", ipc.MethodSnapRPC, map[string]string{"origin": "origin1"})
	resp := h.receive(t)

	if resp.Error == nil || resp.Error.Message != "Invalid snapRpc parameters" {
		t.Errorf("error = %+v, want invalid parameters", resp.Error)
	}
}

func TestResponsesCarryRequestIDs(t *testing.T) {
	h := startController(t)

	for _, id := range []string{"a", "b", "c"} {
		h.send(t, id, ipc.MethodPing, nil)
	}
	for _, id := range []string{"a", "b", "c"} {
		resp := h.receive(t)
		if string(resp.ID) != `"`+id+`"` {
			t.Errorf("response id = %s, want %q", resp.ID, id)
		}
	}
}
