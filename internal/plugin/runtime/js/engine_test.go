// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package js_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetchat/fleet/internal/plugin/capability"
	"github.com/fleetchat/fleet/internal/plugin/hostapi"
	"github.com/fleetchat/fleet/internal/plugin/runtime"
	"github.com/fleetchat/fleet/internal/plugin/runtime/js"
)

type recordingUI struct {
	mu     sync.Mutex
	toasts []hostapi.Toast
	huds   []string
}

func (u *recordingUI) ShowToast(_ context.Context, _ string, t hostapi.Toast) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.toasts = append(u.toasts, t)
	return nil
}

func (u *recordingUI) ShowHUD(_ context.Context, _, title string) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.huds = append(u.huds, title)
	return nil
}

func (u *recordingUI) Open(context.Context, string, string) error { return nil }

type consoleLine struct {
	level string
	args  []string
}

func load(t *testing.T, code string, opts runtime.Options) runtime.Module {
	t.Helper()
	m, err := js.New().Load(context.Background(), runtime.Source{Name: "test@1.0.0", Entry: "index.js", Code: code}, opts)
	require.NoError(t, err)
	return m
}

func call(t *testing.T, m runtime.Module, name string, args ...any) string {
	t.Helper()
	out, err := m.Call(context.Background(), name, args)
	require.NoError(t, err)
	if out == nil {
		return ""
	}
	raw, ok := out.(json.RawMessage)
	require.True(t, ok, "expected json.RawMessage, got %T", out)
	return string(raw)
}

func TestModule_CallModuleLevelFunction(t *testing.T) {
	m := load(t, `function hello() { return "ok"; }`, runtime.Options{})
	assert.Equal(t, `"ok"`, call(t, m, "hello"))
}

func TestModule_CallPassesArguments(t *testing.T) {
	m := load(t, `function add(a, b) { return { sum: a + b }; }`, runtime.Options{})
	assert.JSONEq(t, `{"sum":5}`, call(t, m, "add", 2, 3))
}

func TestModule_ResolutionPrecedence(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{
			name: "global function wins over exports",
			code: `function run() { return "global"; }
module.exports.default = { run: function () { return "default"; } };
module.exports.run = function () { return "named"; };`,
			want: `"global"`,
		},
		{
			name: "default export method wins over named export",
			code: `module.exports.default = { run: function () { return "default"; } };
module.exports.run = function () { return "named"; };`,
			want: `"default"`,
		},
		{
			name: "named export",
			code: `exports.run = function () { return "named"; };`,
			want: `"named"`,
		},
		{
			name: "default export method sees its object as this",
			code: `module.exports.default = { prefix: "p-", run: function () { return this.prefix + "x"; } };`,
			want: `"p-x"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := load(t, tt.code, runtime.Options{})
			assert.Equal(t, tt.want, call(t, m, "run"))
		})
	}
}

func TestModule_CallMissingExport(t *testing.T) {
	m := load(t, `exports.a = 1;`, runtime.Options{})
	_, err := m.Call(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, runtime.ErrNotFound))
}

func TestModule_ThrownErrorBecomesScriptError(t *testing.T) {
	m := load(t, `function boom() { throw new Error("kaboom"); }`, runtime.Options{})
	_, err := m.Call(context.Background(), "boom", nil)

	var se *runtime.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "kaboom", se.Message)
	assert.NotEmpty(t, se.Stack)
}

func TestModule_AsyncResults(t *testing.T) {
	m := load(t, `
async function ok() { return await Promise.resolve(42); }
async function fail() { throw new Error("async failure"); }
function pending() { return new Promise(function () {}); }
`, runtime.Options{})

	assert.Equal(t, `42`, call(t, m, "ok"))

	_, err := m.Call(context.Background(), "fail", nil)
	var se *runtime.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "async failure", se.Message)

	_, err = m.Call(context.Background(), "pending", nil)
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Message, "did not settle")
}

func TestModule_UndefinedResult(t *testing.T) {
	m := load(t, `function nothing() {}`, runtime.Options{})
	out, err := m.Call(context.Background(), "nothing", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestLoad_SyntaxError(t *testing.T) {
	_, err := js.New().Load(context.Background(), runtime.Source{Name: "bad", Entry: "index.js", Code: `function (`}, runtime.Options{})
	var se *runtime.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Message, "syntax error")
}

func TestLoad_TopLevelThrow(t *testing.T) {
	_, err := js.New().Load(context.Background(), runtime.Source{Name: "bad", Entry: "index.js", Code: `throw new Error("init failed");`}, runtime.Options{})
	var se *runtime.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "init failed", se.Message)
}

func TestSandbox_DynamicCodeDisabled(t *testing.T) {
	m := load(t, `
function evalType() { return typeof eval; }
function functionType() { return typeof Function; }
function viaConstructor() { return (function () {}).constructor("return 1")(); }
function viaAsyncConstructor() { return (async function () {}).constructor("return 1"); }
`, runtime.Options{})

	assert.Equal(t, `"undefined"`, call(t, m, "evalType"))
	assert.Equal(t, `"undefined"`, call(t, m, "functionType"))

	for _, name := range []string{"viaConstructor", "viaAsyncConstructor"} {
		_, err := m.Call(context.Background(), name, nil)
		var se *runtime.ScriptError
		require.ErrorAs(t, err, &se, name)
		assert.Contains(t, se.Message, "dynamic code generation is disabled")
	}
}

func TestSandbox_RequireOnlyResolvesAPI(t *testing.T) {
	m := load(t, `
function fs() { return require("fs"); }
function api() { return typeof require("@raycast/api").showToast; }
function alias() { return typeof require("@fleet-chat/api").Clipboard.copy; }
`, runtime.Options{API: hostapi.New(nil).Bind(hostapi.Binding{PluginID: "p"})})

	_, err := m.Call(context.Background(), "fs", nil)
	var se *runtime.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Message, "not available")

	assert.Equal(t, `"function"`, call(t, m, "api"))
	assert.Equal(t, `"function"`, call(t, m, "alias"))
}

func TestSandbox_ConsoleForwarding(t *testing.T) {
	var lines []consoleLine
	m := load(t, `
console.info("loaded");
function run() { console.warn("careful", 3, { a: 1 }); }
`, runtime.Options{Console: func(level string, args []string) {
		lines = append(lines, consoleLine{level, args})
	}})
	call(t, m, "run")

	require.Len(t, lines, 2)
	assert.Equal(t, consoleLine{"info", []string{"loaded"}}, lines[0])
	assert.Equal(t, consoleLine{"warn", []string{"careful", "3", `{"a":1}`}}, lines[1])
}

func TestSandbox_HostAPICalls(t *testing.T) {
	ui := &recordingUI{}
	enforcer := capability.NewEnforcer()
	require.NoError(t, enforcer.Grant("p", []string{capability.Storage}))
	api := hostapi.New(enforcer, hostapi.WithUI(ui)).Bind(hostapi.Binding{
		PluginID:    "p",
		Preferences: map[string]any{"greeting": "hi"},
	})

	m := load(t, `
const { showToast, showHUD, LocalStorage, Toast, getPreferenceValues } = require("@raycast/api");
async function run() {
  await showToast({ style: Toast.Style.Failure, title: "Oops", message: "details" });
  await showHUD("done");
  await LocalStorage.setItem("k", "v");
  const v = await LocalStorage.getItem("k");
  const missing = await LocalStorage.getItem("nope");
  return { v: v, missing: missing === undefined, greeting: getPreferenceValues().greeting };
}
async function copy() {
  const { Clipboard } = require("@raycast/api");
  await Clipboard.copy("secret");
}
`, runtime.Options{API: api})

	assert.JSONEq(t, `{"v":"v","missing":true,"greeting":"hi"}`, call(t, m, "run"))
	require.Len(t, ui.toasts, 1)
	assert.Equal(t, hostapi.Toast{Style: hostapi.ToastFailure, Title: "Oops", Message: "details"}, ui.toasts[0])
	assert.Equal(t, []string{"done"}, ui.huds)

	_, err := m.Call(context.Background(), "copy", nil)
	var se *runtime.ScriptError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Message, "lacks permission clipboard.write")
}

func TestModule_Render(t *testing.T) {
	api := hostapi.New(nil).Bind(hostapi.Binding{PluginID: "p"})
	m := load(t, `
const { List } = require("@raycast/api");
function Command(props) {
  return React.createElement(List, { isLoading: false },
    React.createElement(List.Item, { title: props.name }));
}
`, runtime.Options{API: api})

	out, err := m.Render(context.Background(), "Command", map[string]any{"name": "first"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"List","props":{"isLoading":false,"children":{"type":"List.Item","props":{"title":"first"}}}}`,
		string(out.(json.RawMessage)))
}

func TestModule_InterruptedByContext(t *testing.T) {
	m := load(t, `function spin() { for (;;) {} }
function quick() { return 1; }`, runtime.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := m.Call(ctx, "spin", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, runtime.ErrInterrupted))
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, `1`, call(t, m, "quick"))
}

func TestModule_Dispose(t *testing.T) {
	var lines []consoleLine
	m := load(t, `
exports.run = function () { return 1; };
exports.dispose = function () { console.log("cleanup"); };
`, runtime.Options{Console: func(level string, args []string) {
		lines = append(lines, consoleLine{level, args})
	}})

	require.NoError(t, m.Dispose(context.Background()))
	assert.Equal(t, []consoleLine{{"log", []string{"cleanup"}}}, lines)

	_, err := m.Call(context.Background(), "run", nil)
	assert.True(t, errors.Is(err, runtime.ErrDisposed))
	assert.NoError(t, m.Dispose(context.Background()))
}
