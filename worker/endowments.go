// Copyright 2026 The Enclave Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	v8 "rogchap.com/v8go"
)

// endowmentNames is the complete, closed set of globals a snap may
// see. The window shadow carries exactly these names, so code that
// probes window.X observes the same environment as code using bare
// globals.
var endowmentNames = []string{
	"BigInt",
	"Buffer",
	"console",
	"crypto",
	"Date",
	"fetch",
	"Math",
	"setTimeout",
	"SubtleCrypto",
	"wallet",
	"WebSocket",
	"XMLHttpRequest",
}

// endowments is the closed record of host-backed globals. Building a
// compartment means copying these fields onto its global template —
// nothing outside the record (and the untamed intrinsics BigInt,
// Date, Math, and the typed-array constructors) is reachable from
// snap code. Buffer, wallet, XMLHttpRequest, and the window shadow
// need live context values and bind immediately after context
// creation, before any snap code runs.
type endowments struct {
	console      *v8.ObjectTemplate
	crypto       *v8.ObjectTemplate
	subtleCrypto *v8.ObjectTemplate
	fetch        *v8.FunctionTemplate
	setTimeout   *v8.FunctionTemplate
	webSocket    *v8.FunctionTemplate
}

// install copies the endowment record onto the compartment's global
// template.
func (e *endowments) install(global *v8.ObjectTemplate) error {
	for name, value := range map[string]any{
		"console":      e.console,
		"crypto":       e.crypto,
		"SubtleCrypto": e.subtleCrypto,
		"fetch":        e.fetch,
		"setTimeout":   e.setTimeout,
		"WebSocket":    e.webSocket,
	} {
		if err := global.Set(name, value); err != nil {
			return fmt.Errorf("endowing %s: %w", name, err)
		}
	}
	return nil
}

// newCompartment builds the sealed context for one snap: endowment
// templates, the context itself, in-context helper functions, and
// the late-bound endowments.
func (r *compartmentRuntime) newCompartment(snapID string) (*compartment, error) {
	comp := &compartment{snapID: snapID}

	e := &endowments{
		console:      r.consoleTemplate(snapID),
		crypto:       r.cryptoTemplate(comp),
		subtleCrypto: r.subtleTemplate(comp),
		fetch:        r.fetchTemplate(comp),
		setTimeout:   r.setTimeoutTemplate(comp),
		webSocket:    r.webSocketTemplate(comp),
	}
	// crypto.subtle is the same surface as the SubtleCrypto global.
	if err := e.crypto.Set("subtle", e.subtleCrypto); err != nil {
		return nil, fmt.Errorf("endowing crypto.subtle: %w", err)
	}

	global := v8.NewObjectTemplate(r.iso)
	if err := e.install(global); err != nil {
		return nil, err
	}

	comp.ctx = v8.NewContext(r.iso, global)
	if err := comp.compileHelpers(); err != nil {
		comp.ctx.Close()
		return nil, err
	}
	if err := r.installLateEndowments(comp); err != nil {
		comp.ctx.Close()
		return nil, err
	}
	return comp, nil
}

// helpers are internal functions compiled into the compartment
// before any snap code runs. They are held on the Go side only and
// never appear in the snap's global environment.
type helpers struct {
	freeze        *v8.Function
	fillBytes     *v8.Function
	toBytes       *v8.Function
	fetchResponse *v8.Function
	wsEvent       *v8.Function
}

func (c *compartment) compileHelpers() error {
	compile := func(name, source string) (*v8.Function, error) {
		value, err := c.ctx.RunScript(source, name)
		if err != nil {
			return nil, fmt.Errorf("compiling %s helper: %w", name, err)
		}
		fn, err := value.AsFunction()
		if err != nil {
			return nil, fmt.Errorf("%s helper is not a function: %w", name, err)
		}
		return fn, nil
	}

	var err error
	if c.helpers.freeze, err = compile("freeze",
		`(value) => Object.freeze(value)`); err != nil {
		return err
	}
	if c.helpers.fillBytes, err = compile("fill-bytes",
		`(array, bytes) => { for (let i = 0; i < bytes.length; i++) { array[i] = bytes[i]; } return array; }`); err != nil {
		return err
	}
	if c.helpers.toBytes, err = compile("to-bytes",
		`(bytes) => Uint8Array.from(bytes)`); err != nil {
		return err
	}
	if c.helpers.fetchResponse, err = compile("fetch-response",
		`(status, statusText, body) => ({
			ok: status >= 200 && status < 300,
			status,
			statusText,
			text: () => Promise.resolve(body),
			json: () => Promise.resolve(JSON.parse(body)),
		})`); err != nil {
		return err
	}
	if c.helpers.wsEvent, err = compile("ws-event",
		`(data) => ({ data })`); err != nil {
		return err
	}
	return nil
}

// installLateEndowments binds the globals that need live context
// values: the byte-buffer constructor, the XMLHttpRequest class, the
// snap provider, and finally the window shadow.
func (r *compartmentRuntime) installLateEndowments(comp *compartment) error {
	global := comp.ctx.Global()

	uint8Array, err := global.Get("Uint8Array")
	if err != nil {
		return fmt.Errorf("resolving byte-buffer constructor: %w", err)
	}
	if err := global.Set("Buffer", uint8Array); err != nil {
		return fmt.Errorf("endowing Buffer: %w", err)
	}

	if err := r.installXMLHttpRequest(comp); err != nil {
		return err
	}
	if err := r.installProvider(comp); err != nil {
		return err
	}
	return r.installWindowShadow(comp)
}

// xmlHttpRequestSource builds XMLHttpRequest over the compartment's
// own fetch endowment. The subset covers what snap dependencies
// typically touch: open/setRequestHeader/send/abort, status,
// responseText, readyState, and the onload / onerror /
// onreadystatechange callbacks.
const xmlHttpRequestSource = `(fetch) => class XMLHttpRequest {
	constructor() {
		this.readyState = 0;
		this.status = 0;
		this.responseText = "";
		this._headers = {};
		this._aborted = false;
	}
	open(method, url) {
		this._method = method;
		this._url = url;
		this.readyState = 1;
	}
	setRequestHeader(name, value) {
		this._headers[name] = value;
	}
	send(body) {
		const options = { method: this._method || "GET", headers: this._headers };
		if (body !== undefined && body !== null) {
			options.body = String(body);
		}
		fetch(this._url, options)
			.then((response) => response.text().then((text) => {
				if (this._aborted) return;
				this.status = response.status;
				this.responseText = text;
				this.readyState = 4;
				if (this.onreadystatechange) this.onreadystatechange();
				if (this.onload) this.onload();
			}))
			.catch((error) => {
				if (this._aborted) return;
				this.readyState = 4;
				if (this.onerror) this.onerror(error);
			});
	}
	abort() {
		this._aborted = true;
	}
}`

func (r *compartmentRuntime) installXMLHttpRequest(comp *compartment) error {
	builder, err := comp.ctx.RunScript(xmlHttpRequestSource, "xml-http-request")
	if err != nil {
		return fmt.Errorf("compiling XMLHttpRequest: %w", err)
	}
	builderFn, err := builder.AsFunction()
	if err != nil {
		return fmt.Errorf("XMLHttpRequest builder is not a function: %w", err)
	}
	fetchValue, err := comp.ctx.Global().Get("fetch")
	if err != nil {
		return fmt.Errorf("resolving fetch for XMLHttpRequest: %w", err)
	}
	class, err := builderFn.Call(v8.Undefined(r.iso), fetchValue)
	if err != nil {
		return fmt.Errorf("building XMLHttpRequest: %w", err)
	}
	if err := comp.ctx.Global().Set("XMLHttpRequest", class); err != nil {
		return fmt.Errorf("endowing XMLHttpRequest: %w", err)
	}
	return nil
}

// installWindowShadow creates the window object carrying the same
// bindings as the global environment, so snap code probing window.X
// sees exactly the endowment set.
func (r *compartmentRuntime) installWindowShadow(comp *compartment) error {
	names, err := json.Marshal(endowmentNames)
	if err != nil {
		return fmt.Errorf("marshaling endowment names: %w", err)
	}
	script := fmt.Sprintf(`(() => {
		const window = {};
		for (const name of %s) {
			window[name] = globalThis[name];
		}
		globalThis.window = window;
	})()`, names)
	if _, err := comp.ctx.RunScript(script, "window-shadow"); err != nil {
		return fmt.Errorf("installing window shadow: %w", err)
	}
	return nil
}

// throwError raises a JavaScript exception from a host callback.
func (r *compartmentRuntime) throwError(message string) *v8.Value {
	value, err := v8.NewValue(r.iso, message)
	if err != nil {
		return nil
	}
	return r.iso.ThrowException(value)
}

// consoleTemplate maps console calls onto the worker's structured
// logger. Console taming is "unsafe": arguments are stringified by
// V8 and logged verbatim.
func (r *compartmentRuntime) consoleTemplate(snapID string) *v8.ObjectTemplate {
	console := v8.NewObjectTemplate(r.iso)
	for name, log := range map[string]func(string, ...any){
		"log":   r.logger.Info,
		"info":  r.logger.Info,
		"warn":  r.logger.Warn,
		"error": r.logger.Error,
		"debug": r.logger.Debug,
	} {
		console.Set(name, v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
			parts := make([]string, 0, len(info.Args()))
			for _, arg := range info.Args() {
				parts = append(parts, arg.String())
			}
			log("snap console", "snap_id", snapID, "message", strings.Join(parts, " "))
			return nil
		}))
	}
	return console
}

// cryptoTemplate backs crypto.getRandomValues with the platform
// CSPRNG. The subtle field is attached by the caller.
func (r *compartmentRuntime) cryptoTemplate(comp *compartment) *v8.ObjectTemplate {
	crypto := v8.NewObjectTemplate(r.iso)
	crypto.Set("getRandomValues", v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) == 0 || !args[0].IsObject() {
			return r.throwError("getRandomValues requires a typed array")
		}
		target, err := args[0].AsObject()
		if err != nil {
			return r.throwError("getRandomValues requires a typed array")
		}
		lengthValue, err := target.Get("length")
		if err != nil {
			return r.throwError("getRandomValues requires a typed array")
		}
		length := int(lengthValue.Integer())
		if length < 0 || length > 65536 {
			return r.throwError("getRandomValues length out of range")
		}

		buf := make([]byte, length)
		if _, err := rand.Read(buf); err != nil {
			return r.throwError("entropy source failed")
		}
		bytesValue, err := bytesToValue(comp.ctx, buf)
		if err != nil {
			return r.throwError("building random bytes failed")
		}
		if _, err := comp.helpers.fillBytes.Call(v8.Undefined(r.iso), args[0], bytesValue); err != nil {
			return r.throwError("filling random bytes failed")
		}
		return args[0]
	}))
	return crypto
}

// subtleTemplate implements the digest subset of SubtleCrypto.
func (r *compartmentRuntime) subtleTemplate(comp *compartment) *v8.ObjectTemplate {
	subtle := v8.NewObjectTemplate(r.iso)
	subtle.Set("digest", v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) < 2 {
			return r.throwError("digest requires an algorithm and data")
		}

		algorithm := args[0].String()
		if args[0].IsObject() {
			if obj, err := args[0].AsObject(); err == nil {
				if name, err := obj.Get("name"); err == nil && name.IsString() {
					algorithm = name.String()
				}
			}
		}

		data, err := valueBytes(args[1])
		if err != nil {
			return r.throwError("digest data must be a byte buffer")
		}

		var digest []byte
		switch algorithm {
		case "SHA-256":
			sum := sha256.Sum256(data)
			digest = sum[:]
		case "SHA-512":
			sum := sha512.Sum512(data)
			digest = sum[:]
		default:
			return r.throwError(fmt.Sprintf("unsupported digest algorithm %q", algorithm))
		}

		resolver, err := v8.NewPromiseResolver(info.Context())
		if err != nil {
			return r.throwError("building digest promise failed")
		}
		digestBytes, err := bytesToValue(comp.ctx, digest)
		if err != nil {
			return r.throwError("building digest value failed")
		}
		result, err := comp.helpers.toBytes.Call(v8.Undefined(r.iso), digestBytes)
		if err != nil {
			return r.throwError("building digest buffer failed")
		}
		resolver.Resolve(result)
		return resolver.GetPromise().Value
	}))
	return subtle
}

// fetchTemplate backs the fetch endowment with the worker's HTTP
// client. The request runs off-loop; the promise settles through a
// scheduled task.
func (r *compartmentRuntime) fetchTemplate(comp *compartment) *v8.FunctionTemplate {
	return v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) == 0 {
			return r.throwError("fetch requires a URL")
		}
		url := args[0].String()

		method := http.MethodGet
		var body string
		headers := map[string]string{}
		if len(args) > 1 && args[1].IsObject() {
			init, err := args[1].AsObject()
			if err == nil {
				if value, err := init.Get("method"); err == nil && value.IsString() {
					method = value.String()
				}
				if value, err := init.Get("body"); err == nil && value.IsString() {
					body = value.String()
				}
				if value, err := init.Get("headers"); err == nil && value.IsObject() {
					if text, err := v8.JSONStringify(comp.ctx, value); err == nil {
						_ = json.Unmarshal([]byte(text), &headers)
					}
				}
			}
		}

		resolver, err := v8.NewPromiseResolver(info.Context())
		if err != nil {
			return r.throwError("building fetch promise failed")
		}
		promise := resolver.GetPromise()

		go func() {
			status, statusText, responseBody, err := r.doFetch(method, url, headers, body)
			r.scheduleInContext(comp, func() {
				if err != nil {
					message, newErr := v8.NewValue(r.iso, "fetch failed: "+err.Error())
					if newErr == nil {
						resolver.Reject(message)
					}
					return
				}
				statusValue, _ := v8.NewValue(r.iso, int32(status))
				statusTextValue, _ := v8.NewValue(r.iso, statusText)
				bodyValue, _ := v8.NewValue(r.iso, responseBody)
				response, callErr := comp.helpers.fetchResponse.Call(
					v8.Undefined(r.iso), statusValue, statusTextValue, bodyValue)
				if callErr != nil {
					message, newErr := v8.NewValue(r.iso, "fetch failed: "+callErr.Error())
					if newErr == nil {
						resolver.Reject(message)
					}
					return
				}
				resolver.Resolve(response)
			})
		}()

		return promise.Value
	})
}

// maxFetchBody bounds response bodies read into the isolate.
const maxFetchBody = 10 * 1024 * 1024

// doFetch performs the HTTP exchange for the fetch endowment.
func (r *compartmentRuntime) doFetch(method, url string, headers map[string]string, body string) (int, string, string, error) {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return 0, "", "", err
	}
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return 0, "", "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBody))
	if err != nil {
		return 0, "", "", err
	}
	return resp.StatusCode, http.StatusText(resp.StatusCode), string(data), nil
}

// timerIDs numbers setTimeout handles across all compartments.
var timerIDs atomic.Int32

// setTimeoutTemplate backs the setTimeout endowment with run-loop
// timers. The callback re-enters V8 only through the task queue.
func (r *compartmentRuntime) setTimeoutTemplate(comp *compartment) *v8.FunctionTemplate {
	return v8.NewFunctionTemplate(r.iso, func(info *v8.FunctionCallbackInfo) *v8.Value {
		args := info.Args()
		if len(args) == 0 {
			return r.throwError("setTimeout requires a callback")
		}
		callback, err := args[0].AsFunction()
		if err != nil {
			return r.throwError("setTimeout requires a callback")
		}
		var delay int64
		if len(args) > 1 {
			delay = args[1].Integer()
		}
		if delay < 0 {
			delay = 0
		}

		id := timerIDs.Add(1)
		time.AfterFunc(time.Duration(delay)*time.Millisecond, func() {
			r.scheduleInContext(comp, func() {
				if _, err := callback.Call(v8.Undefined(r.iso)); err != nil {
					r.logger.Error("snap timer callback failed",
						"snap_id", comp.snapID, "error", jsErrorMessage(err))
				}
			})
		})

		idValue, err := v8.NewValue(r.iso, id)
		if err != nil {
			return nil
		}
		return idValue
	})
}

// bytesToValue materializes a Go byte slice as a JavaScript array of
// numbers, for handing to the in-context helpers.
func bytesToValue(ctx *v8.Context, data []byte) (*v8.Value, error) {
	numbers := make([]int, len(data))
	for i, b := range data {
		numbers[i] = int(b)
	}
	text, err := json.Marshal(numbers)
	if err != nil {
		return nil, err
	}
	return v8.JSONParse(ctx, string(text))
}

// valueBytes reads a typed array's contents into Go.
func valueBytes(value *v8.Value) ([]byte, error) {
	if !value.IsObject() {
		return nil, fmt.Errorf("not a byte buffer")
	}
	obj, err := value.AsObject()
	if err != nil {
		return nil, err
	}
	lengthValue, err := obj.Get("length")
	if err != nil {
		return nil, err
	}
	length := int(lengthValue.Integer())
	if length < 0 || length > maxFetchBody {
		return nil, fmt.Errorf("buffer length out of range")
	}

	data := make([]byte, length)
	for i := range length {
		element, err := obj.GetIdx(uint32(i))
		if err != nil {
			return nil, err
		}
		data[i] = byte(element.Integer())
	}
	return data, nil
}
