// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/fleetchat/fleet/internal/plugin/runtime"
)

const (
	inboxSize   = 16
	consoleSize = 64
)

// Host is an execution host: one goroutine that owns one interpreter and
// talks to the pool only through Request and Response messages. Requests are
// handled in the order they are sent.
type Host struct {
	id      string
	engines runtime.Registry

	inbox   chan Request
	out     chan Response
	console chan ConsoleMessage

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Owned by the loop goroutine.
	module   runtime.Module
	pluginID string
	state    map[string]json.RawMessage
}

func newHost(engines runtime.Registry) *Host {
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{
		id:      ulid.Make().String(),
		engines: engines,
		inbox:   make(chan Request, inboxSize),
		out:     make(chan Response, inboxSize),
		console: make(chan ConsoleMessage, consoleSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		state:   make(map[string]json.RawMessage),
	}
}

// ID returns the host identifier.
func (h *Host) ID() string { return h.id }

// Done is closed when the host goroutine has exited.
func (h *Host) Done() <-chan struct{} { return h.done }

// terminate interrupts any running script and stops the loop.
func (h *Host) terminate() { h.cancel() }

func (h *Host) send(ctx context.Context, req Request) error {
	select {
	case h.inbox <- req:
		return nil
	case <-h.done:
		return ErrHostTerminated
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Host) loop() {
	defer close(h.done)
	defer h.release()

	for {
		select {
		case <-h.ctx.Done():
			return
		case req := <-h.inbox:
			resp := h.handle(req)
			select {
			case h.out <- resp:
			case <-h.ctx.Done():
				return
			}
		}
	}
}

// release drops the interpreter. The host context is already cancelled, so
// a dispose hook cannot run.
func (h *Host) release() {
	if h.module != nil {
		_ = h.module.Dispose(h.ctx)
		h.module = nil
	}
}

func (h *Host) handle(req Request) (resp Response) {
	resp.ID = req.ID
	defer func() {
		if r := recover(); r != nil {
			resp = Response{ID: req.ID, Error: fmt.Sprintf("host panic: %v", r), Stack: string(debug.Stack()), Code: CodeHostError}
		}
	}()

	result, err := h.dispatch(req)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return errorResponse(req.ID, oops.Code(CodeProtocol).In("worker").Wrapf(err, "encode result"))
		}
		resp.Result = raw
	}
	return resp
}

func (h *Host) dispatch(req Request) (any, error) {
	switch req.Type {
	case TypePing:
		return "pong", nil
	case TypeInit:
		var data InitData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		return h.init(req, data)
	case TypeExecute:
		var data ExecuteData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		if err := h.requireModule(); err != nil {
			return nil, err
		}
		return h.module.Call(h.ctx, data.Command, data.Args)
	case TypeRender:
		var data RenderData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		if err := h.requireModule(); err != nil {
			return nil, err
		}
		return h.module.Render(h.ctx, data.Component, data.Props)
	case TypeGetState:
		var data StateData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		if v, ok := h.state[data.Key]; ok {
			return v, nil
		}
		return nil, nil
	case TypeSetState:
		var data StateData
		if err := decode(req.Data, &data); err != nil {
			return nil, err
		}
		h.state[data.Key] = data.Value
		return true, nil
	case TypeDispose:
		return true, h.dispose()
	default:
		return nil, oops.Code(CodeProtocol).In("worker").With("type", req.Type).Errorf("unknown message type %q", req.Type)
	}
}

func (h *Host) init(req Request, data InitData) (any, error) {
	engine, err := h.engines.ForEntry(data.Entry)
	if err != nil {
		return nil, err
	}
	if h.module != nil {
		_ = h.dispose()
	}

	mod, err := engine.Load(h.ctx, runtime.Source{Name: data.PluginID, Entry: data.Entry, Code: data.Code},
		runtime.Options{API: req.API, Console: h.emitConsole})
	if err != nil {
		return nil, err
	}
	h.module = mod
	h.pluginID = data.PluginID
	return InitResult{Token: ulid.Make().String(), Engine: engine.Name()}, nil
}

// dispose runs the module's dispose hook and forgets the module and its
// state even when the hook fails.
func (h *Host) dispose() error {
	var err error
	if h.module != nil {
		err = h.module.Dispose(h.ctx)
	}
	h.module = nil
	h.pluginID = ""
	clear(h.state)
	return err
}

func (h *Host) requireModule() error {
	if h.module == nil {
		return oops.Code(CodeNotInitialized).In("worker").With("host", h.id).Errorf("no plugin loaded")
	}
	return nil
}

func (h *Host) emitConsole(level string, args []string) {
	msg := ConsoleMessage{Type: TypeConsole, Data: ConsoleData{Type: level, Args: args}}
	select {
	case h.console <- msg:
	default:
		recordDropped("console")
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return oops.Code(CodeProtocol).In("worker").Wrapf(err, "decode request")
	}
	return nil
}

func errorResponse(id string, err error) Response {
	resp := Response{ID: id, Error: err.Error(), Code: CodeHostError}
	var se *runtime.ScriptError
	if errors.As(err, &se) {
		resp.Error = se.Message
		resp.Stack = se.Stack
		resp.Code = runtime.CodeScript
		return resp
	}
	if oe, ok := oops.AsOops(err); ok {
		if code, ok := oe.Code().(string); ok && code != "" {
			resp.Code = code
		}
	}
	return resp
}
