// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package lua

import (
	"context"
	"errors"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/fleetchat/fleet/internal/plugin/runtime"
)

// Compile-time interface checks.
var (
	_ runtime.Engine = (*Engine)(nil)
	_ runtime.Module = (*module)(nil)
)

// Engine creates Lua modules.
//
// A Lua plugin exposes commands as global functions, or through the table
// the chunk returns (or assigns to the global `exports`). A `default` field on
// that table holding a table is searched before its named functions.
type Engine struct {
	sandbox Sandbox
}

// NewEngine creates a Lua engine with the default sandbox.
func NewEngine() *Engine {
	return &Engine{sandbox: DefaultSandbox()}
}

// NewEngineWithSandbox creates a Lua engine with a custom sandbox.
func NewEngineWithSandbox(s Sandbox) *Engine {
	return &Engine{sandbox: s}
}

// Name implements runtime.Engine.
func (e *Engine) Name() string { return string(runtime.LangLua) }

// Load compiles and runs the chunk in a fresh state.
func (e *Engine) Load(ctx context.Context, src runtime.Source, opts runtime.Options) (runtime.Module, error) {
	L, err := e.sandbox.NewState(ctx)
	if err != nil {
		return nil, oops.In("lua").With("plugin", src.Name).With("operation", "load").Hint("failed to create state").Wrap(err)
	}

	m := &module{name: src.Name, L: L, console: opts.Console}
	m.ctx = ctx
	m.registerConsole()
	if opts.API != nil {
		m.registerAPI(opts.API)
	}
	L.SetGlobal("exports", L.NewTable())

	fn, err := L.LoadString(src.Code)
	if err != nil {
		L.Close()
		return nil, &runtime.ScriptError{Message: "syntax error: " + err.Error(), Stack: err.Error()}
	}

	if err := m.protect(ctx, func() error {
		return L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true})
	}); err != nil {
		L.Close()
		return nil, err
	}

	ret := L.Get(-1)
	L.Pop(1)
	if t, ok := ret.(*lua.LTable); ok {
		L.SetGlobal("exports", t)
	}
	return m, nil
}

type module struct {
	name    string
	L       *lua.LState
	ctx     context.Context
	console runtime.Console
}

func (m *module) Call(ctx context.Context, name string, args []any) (any, error) {
	if m.L == nil {
		return nil, runtime.DisposedError(m.name)
	}
	fn, self, ok := m.resolve(name)
	if !ok {
		return nil, runtime.NotFoundError(m.name, name)
	}

	largs := make([]lua.LValue, 0, len(args)+1)
	if self != nil {
		largs = append(largs, self)
	}
	for _, a := range args {
		largs = append(largs, toLua(m.L, a))
	}
	return m.invoke(ctx, fn, largs)
}

func (m *module) Render(ctx context.Context, component string, props map[string]any) (any, error) {
	if props == nil {
		props = map[string]any{}
	}
	return m.Call(ctx, component, []any{props})
}

func (m *module) Dispose(ctx context.Context) error {
	if m.L == nil {
		return nil
	}
	var err error
	if fn, self, ok := m.resolve("dispose"); ok {
		var args []lua.LValue
		if self != nil {
			args = append(args, self)
		}
		_, err = m.invoke(ctx, fn, args)
	}
	m.L.Close()
	m.L = nil
	return err
}

func (m *module) invoke(ctx context.Context, fn *lua.LFunction, args []lua.LValue) (any, error) {
	if err := m.protect(ctx, func() error {
		return m.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...)
	}); err != nil {
		return nil, err
	}
	ret := m.L.Get(-1)
	m.L.Pop(1)
	return fromLua(ret), nil
}

// protect attaches ctx for the duration of fn and converts Lua failures.
func (m *module) protect(ctx context.Context, fn func() error) error {
	m.ctx = ctx
	m.L.SetContext(ctx)
	err := fn()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		m.L.RemoveContext()
		return runtime.InterruptedError(m.name, ctx.Err())
	}
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return &runtime.ScriptError{Message: apiErr.Object.String(), Stack: apiErr.StackTrace}
	}
	return &runtime.ScriptError{Message: err.Error()}
}

// resolve mirrors the JavaScript precedence: global function, method on
// exports.default, named export. Methods on exports.default receive the
// table as self.
func (m *module) resolve(name string) (*lua.LFunction, lua.LValue, bool) {
	if fn, ok := m.L.GetGlobal(name).(*lua.LFunction); ok {
		return fn, nil, true
	}
	exports, ok := m.L.GetGlobal("exports").(*lua.LTable)
	if !ok {
		return nil, nil, false
	}
	if def, ok := exports.RawGetString("default").(*lua.LTable); ok {
		if fn, ok := def.RawGetString(name).(*lua.LFunction); ok {
			return fn, def, true
		}
	}
	if fn, ok := exports.RawGetString(name).(*lua.LFunction); ok {
		return fn, nil, true
	}
	return nil, nil, false
}
