// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

// Package js runs plugin JavaScript in goja.
//
// Plugins are CommonJS: the entry file runs as a script with `module`,
// `exports` and a `require` that only resolves the host API module. `eval`
// and the Function constructor are removed before plugin code runs, and the
// interpreter is interrupted when the caller's context ends.
package js

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/dop251/goja"

	"github.com/fleetchat/fleet/internal/plugin/runtime"
)

// Engine creates goja-backed modules.
type Engine struct{}

// New creates a JavaScript engine.
func New() *Engine { return &Engine{} }

// Name implements runtime.Engine.
func (e *Engine) Name() string { return string(runtime.LangJS) }

// Load evaluates src in a fresh VM.
func (e *Engine) Load(ctx context.Context, src runtime.Source, opts runtime.Options) (runtime.Module, error) {
	prog, err := goja.Compile(src.Entry, src.Code, false)
	if err != nil {
		return nil, compileError(err)
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	m := &module{name: src.Name, vm: vm, ctx: ctx, console: opts.Console}
	if err := m.install(opts); err != nil {
		return nil, err
	}

	if err := m.run(ctx, func() error {
		_, err := vm.RunProgram(prog)
		return err
	}); err != nil {
		return nil, err
	}
	return m, nil
}

type module struct {
	name    string
	vm      *goja.Runtime
	ctx     context.Context
	console runtime.Console
}

// run executes fn with ctx wired to vm.Interrupt and converts the result.
func (m *module) run(ctx context.Context, fn func() error) error {
	m.vm.ClearInterrupt()
	m.ctx = ctx
	stop := context.AfterFunc(ctx, func() { m.vm.Interrupt(ctx.Err()) })
	defer stop()

	err := fn()
	if err == nil {
		return nil
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		cause, _ := interrupted.Value().(error)
		if cause == nil {
			cause = context.Canceled
		}
		return runtime.InterruptedError(m.name, cause)
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return m.scriptError(ex)
	}
	return err
}

func (m *module) Call(ctx context.Context, name string, args []any) (any, error) {
	if m.vm == nil {
		return nil, runtime.DisposedError(m.name)
	}
	fn, this, ok := m.resolve(name)
	if !ok {
		return nil, runtime.NotFoundError(m.name, name)
	}

	vals := make([]goja.Value, len(args))
	for i, a := range args {
		vals[i] = m.vm.ToValue(a)
	}
	return m.invoke(ctx, fn, this, vals)
}

func (m *module) Render(ctx context.Context, component string, props map[string]any) (any, error) {
	if m.vm == nil {
		return nil, runtime.DisposedError(m.name)
	}
	fn, this, ok := m.resolve(component)
	if !ok {
		return nil, runtime.NotFoundError(m.name, component)
	}
	if props == nil {
		props = map[string]any{}
	}
	return m.invoke(ctx, fn, this, []goja.Value{m.vm.ToValue(props)})
}

func (m *module) Dispose(ctx context.Context) error {
	if m.vm == nil {
		return nil
	}
	var err error
	if fn, this, ok := m.resolve("dispose"); ok {
		_, err = m.invoke(ctx, fn, this, nil)
	}
	m.vm = nil
	return err
}

func (m *module) invoke(ctx context.Context, fn goja.Callable, this goja.Value, args []goja.Value) (any, error) {
	var out goja.Value
	if err := m.run(ctx, func() error {
		v, err := fn(this, args...)
		out = v
		return err
	}); err != nil {
		return nil, err
	}

	settled, err := m.settle(out)
	if err != nil {
		return nil, err
	}
	return m.export(settled)
}

// resolve finds a callable by precedence: global function, method on
// module.exports.default, named export.
func (m *module) resolve(name string) (goja.Callable, goja.Value, bool) {
	if fn, ok := goja.AssertFunction(m.vm.Get(name)); ok {
		return fn, goja.Undefined(), true
	}

	exports := m.exportsObject()
	if exports == nil {
		return nil, nil, false
	}

	if def := exports.Get("default"); isObject(def) {
		obj := def.ToObject(m.vm)
		if fn, ok := goja.AssertFunction(obj.Get(name)); ok {
			return fn, obj, true
		}
	}

	if fn, ok := goja.AssertFunction(exports.Get(name)); ok {
		return fn, exports, true
	}
	return nil, nil, false
}

func (m *module) exportsObject() *goja.Object {
	mod := m.vm.Get("module")
	if !isObject(mod) {
		return nil
	}
	exports := mod.ToObject(m.vm).Get("exports")
	if !isObject(exports) {
		return nil
	}
	return exports.ToObject(m.vm)
}

// settle unwraps promises. goja drains its job queue when the outermost call
// returns, so a promise that is still pending here waits on nothing the host
// can drive.
func (m *module) settle(v goja.Value) (goja.Value, error) {
	if v == nil {
		return goja.Undefined(), nil
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, m.rejection(p.Result())
	default:
		return nil, &runtime.ScriptError{Message: "promise did not settle: timers and external events are not supported"}
	}
}

// export converts a JS value to JSON so results cross the host boundary
// without holding VM references.
func (m *module) export(v goja.Value) (any, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	stringify, ok := goja.AssertFunction(m.vm.Get("JSON").ToObject(m.vm).Get("stringify"))
	if !ok {
		return v.Export(), nil
	}
	out, err := stringify(goja.Undefined(), v)
	if err != nil {
		var ex *goja.Exception
		if errors.As(err, &ex) {
			return nil, m.scriptError(ex)
		}
		return nil, err
	}
	if goja.IsUndefined(out) {
		return nil, nil
	}
	return json.RawMessage(out.String()), nil
}

func (m *module) scriptError(ex *goja.Exception) *runtime.ScriptError {
	se := &runtime.ScriptError{Message: ex.Error(), Stack: ex.String()}
	if val := ex.Value(); isObject(val) {
		if msg := val.ToObject(m.vm).Get("message"); msg != nil && !goja.IsUndefined(msg) {
			se.Message = msg.String()
		}
	}
	return se
}

func (m *module) rejection(reason goja.Value) *runtime.ScriptError {
	se := &runtime.ScriptError{Message: "promise rejected"}
	if reason == nil || goja.IsUndefined(reason) {
		return se
	}
	se.Message = reason.String()
	if isObject(reason) {
		obj := reason.ToObject(m.vm)
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			se.Message = msg.String()
		}
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			se.Stack = stack.String()
		}
	}
	return se
}

func compileError(err error) *runtime.ScriptError {
	msg := err.Error()
	if i := strings.Index(msg, "\n"); i > 0 {
		msg = msg[:i]
	}
	return &runtime.ScriptError{Message: "syntax error: " + msg, Stack: err.Error()}
}

func isObject(v goja.Value) bool {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return false
	}
	_, ok := v.(*goja.Object)
	return ok
}
