// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package lua

import (
	"fmt"
	"slices"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/fleetchat/fleet/internal/plugin/capability"
	"github.com/fleetchat/fleet/internal/plugin/hostapi"
	"github.com/fleetchat/fleet/internal/plugin/runtime"
)

// registerConsole installs print and a console table that forward to the
// module's console sink.
func (m *module) registerConsole() {
	L := m.L
	emit := func(level string) lua.LGFunction {
		return func(L *lua.LState) int {
			if m.console == nil {
				return 0
			}
			n := L.GetTop()
			args := make([]string, n)
			for i := 1; i <= n; i++ {
				args[i-1] = L.ToStringMeta(L.Get(i)).String()
			}
			m.console(level, args)
			return 0
		}
	}

	console := L.NewTable()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		L.SetField(console, level, L.NewFunction(emit(level)))
	}
	L.SetGlobal("console", console)
	L.SetGlobal("print", L.NewFunction(emit("log")))
}

// registerAPI installs the host API as the global `fleet` table and makes
// require("@raycast/api") return it. Calls that fail a permission check raise
// a Lua error; other failures return nil plus an error string.
func (m *module) registerAPI(api *hostapi.API) {
	L := m.L
	mod := L.NewTable()

	L.SetField(mod, "log", L.NewFunction(func(L *lua.LState) int {
		api.Log(L.CheckString(1), L.CheckString(2))
		return 0
	}))
	L.SetField(mod, "new_request_id", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(api.NewRequestID()))
		return 1
	}))
	L.SetField(mod, "show_toast", L.NewFunction(func(L *lua.LState) int {
		toast := hostapi.Toast{}
		switch arg := L.Get(1).(type) {
		case lua.LString:
			toast.Title = string(arg)
		case *lua.LTable:
			toast.Style = hostapi.ToastStyle(lua.LVAsString(arg.RawGetString("style")))
			toast.Title = lua.LVAsString(arg.RawGetString("title"))
			toast.Message = lua.LVAsString(arg.RawGetString("message"))
		default:
			L.ArgError(1, "expected title string or toast table")
		}
		return m.pushErr(api.ShowToast(m.ctx, toast))
	}))
	L.SetField(mod, "show_hud", L.NewFunction(func(L *lua.LState) int {
		return m.pushErr(api.ShowHUD(m.ctx, L.CheckString(1)))
	}))
	L.SetField(mod, "open", L.NewFunction(func(L *lua.LState) int {
		return m.pushErr(api.Open(m.ctx, L.CheckString(1)))
	}))
	L.SetField(mod, "clipboard_copy", L.NewFunction(func(L *lua.LState) int {
		return m.pushErr(api.CopyText(m.ctx, L.CheckString(1)))
	}))
	L.SetField(mod, "clipboard_read", L.NewFunction(func(L *lua.LState) int {
		text, err := api.ReadText(m.ctx)
		return m.pushValue(lua.LString(text), err)
	}))
	L.SetField(mod, "storage_get", L.NewFunction(func(L *lua.LState) int {
		v, found, err := api.StorageGet(m.ctx, L.CheckString(1))
		if err == nil && !found {
			return m.pushValue(lua.LNil, nil)
		}
		return m.pushValue(lua.LString(v), err)
	}))
	L.SetField(mod, "storage_set", L.NewFunction(func(L *lua.LState) int {
		return m.pushErr(api.StorageSet(m.ctx, L.CheckString(1), L.CheckString(2)))
	}))
	L.SetField(mod, "storage_remove", L.NewFunction(func(L *lua.LState) int {
		return m.pushErr(api.StorageRemove(m.ctx, L.CheckString(1)))
	}))
	L.SetField(mod, "preferences", L.NewFunction(func(L *lua.LState) int {
		L.Push(toLua(L, api.Preferences()))
		return 1
	}))
	L.SetField(mod, "environment", L.NewFunction(func(L *lua.LState) int {
		L.Push(toLua(L, api.Environment()))
		return 1
	}))

	L.SetGlobal("fleet", mod)
	L.SetGlobal("require", L.NewFunction(func(L *lua.LState) int {
		name := L.CheckString(1)
		if !slices.Contains(runtime.APIModules, name) {
			L.RaiseError("module %q is not available in the plugin sandbox", name)
			return 0
		}
		L.Push(mod)
		return 1
	}))
}

// pushErr returns nothing on success and the error string otherwise. Denied
// permissions raise instead.
func (m *module) pushErr(err error) int {
	if err == nil {
		return 0
	}
	m.raiseIfDenied(err)
	m.L.Push(lua.LString(err.Error()))
	return 1
}

func (m *module) pushValue(v lua.LValue, err error) int {
	if err != nil {
		m.raiseIfDenied(err)
		m.L.Push(lua.LNil)
		m.L.Push(lua.LString(err.Error()))
		return 2
	}
	m.L.Push(v)
	m.L.Push(lua.LNil)
	return 2
}

func (m *module) raiseIfDenied(err error) {
	if oe, ok := oops.AsOops(err); ok && fmt.Sprint(oe.Code()) == capability.CodeDenied {
		m.L.RaiseError("capability denied: %s", err.Error())
	}
}
