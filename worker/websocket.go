// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"sync"

	"github.com/coder/websocket"
	v8 "rogchap.com/v8go"
)

// WebSocket ready states, per the browser API.
const (
	wsConnecting = int32(0)
	wsOpen       = int32(1)
	wsClosing    = int32(2)
	wsClosed     = int32(3)
)

// webSocketTemplate backs the WebSocket endowment. The constructor
// returns an object carrying send/close and the onopen, onmessage,
// onerror, onclose callback slots; all network I/O runs off-loop and
// re-enters V8 through scheduled tasks.
func (r *compartmentRuntime) webSocketTemplate(comp *compartment) *v8.FunctionTemplate {
	return v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) == 0 {
			return r.throwError("WebSocket requires a URL")
		}

		sock := &snapSocket{
			runtime: r,
			comp:    comp,
			this:    info.This(),
			url:     args[0].String(),
			send:    make(chan string, 16),
		}
		sock.ctx, sock.cancel = context.WithCancel(context.Background())

		sock.setReadyState(wsConnecting)

		sendTemplate := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
			args := info.Args()
			if len(args) == 0 {
				return r.throwError("send requires data")
			}
			select {
			case sock.send <- args[0].String():
			case <-sock.ctx.Done():
			}
			return nil
		})
		closeTemplate := v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
			sock.setReadyState(wsClosing)
			sock.cancel()
			return nil
		})
		sock.this.Set("send", sendTemplate.GetFunction(comp.ctx))
		sock.this.Set("close", closeTemplate.GetFunction(comp.ctx))

		go sock.run()
		return nil
	})
}

// snapSocket is the Go half of one WebSocket endowment instance.
type snapSocket struct {
	runtime *compartmentRuntime
	comp    *compartment
	this    *v8.Object
	url     string
	send    chan string

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// setReadyState updates the JavaScript-visible readyState. Must run
// on the loop goroutine (constructor or scheduled task).
func (s *snapSocket) setReadyState(state int32) {
	value, err := v8.NewValue(s.runtime.iso, state)
	if err != nil {
		return
	}
	_ = s.this.Set("readyState", value)
}

// fire invokes a callback slot (onopen, onmessage, ...) if the snap
// assigned one. Must run on the loop goroutine.
func (s *snapSocket) fire(name string, args ...v8.Valuer) {
	handler, err := s.this.Get(name)
	if err != nil || !handler.IsFunction() {
		return
	}
	fn, err := handler.AsFunction()
	if err != nil {
		return
	}
	if _, err := fn.Call(v8.Undefined(s.runtime.iso), args...); err != nil {
		s.runtime.logger.Error("snap websocket callback failed",
			"snap_id", s.comp.snapID, "callback", name, "error", jsErrorMessage(err))
	}
}

// run dials the peer and pumps messages until either side closes.
func (s *snapSocket) run() {
	conn, _, err := websocket.Dial(s.ctx, s.url, nil)
	if err != nil {
		s.finish("connection failed: " + err.Error())
		return
	}

	s.runtime.scheduleInContext(s.comp, func() {
		s.setReadyState(wsOpen)
		s.fire("onopen")
	})

	// Writer: snap send() calls drain here.
	go func() {
		for {
			select {
			case <-s.ctx.Done():
				conn.Close(websocket.StatusNormalClosure, "closed")
				return
			case data := <-s.send:
				if err := conn.Write(s.ctx, websocket.MessageText, []byte(data)); err != nil {
					s.cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			s.finish("")
			return
		}
		text := string(data)
		s.runtime.scheduleInContext(s.comp, func() {
			eventData, err := v8.NewValue(s.runtime.iso, text)
			if err != nil {
				return
			}
			event, err := s.comp.helpers.wsEvent.Call(v8.Undefined(s.runtime.iso), eventData)
			if err != nil {
				return
			}
			s.fire("onmessage", event)
		})
	}
}

// finish reports the socket's end to the snap exactly once. An empty
// reason is an orderly close; anything else fires onerror first.
func (s *snapSocket) finish(reason string) {
	s.closeOnce.Do(func() {
		s.cancel()
		s.runtime.scheduleInContext(s.comp, func() {
			s.setReadyState(wsClosed)
			if reason != "" {
				if message, err := v8.NewValue(s.runtime.iso, reason); err == nil {
					if event, err := s.comp.helpers.wsEvent.Call(v8.Undefined(s.runtime.iso), message); err == nil {
						s.fire("onerror", event)
					}
				}
			}
			s.fire("onclose")
		})
	})
}
