// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

// Package lua runs Lua plugins in sandboxed gopher-lua states.
package lua

import (
	"context"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

// Library is a Lua standard library opened into every plugin state.
type Library struct {
	Name string
	Open lua.LGFunction
}

// Sandbox describes the plugin interpreter: which libraries open, which
// base globals are removed afterwards and how large the stacks may grow.
type Sandbox struct {
	Libraries []Library
	// Removed globals are cleared after the libraries open.
	Removed []string

	CallStackSize   int
	RegistrySize    int
	RegistryMaxSize int
}

// DefaultSandbox opens base, table, string and math. os, io, debug, package,
// channel and coroutine are never opened; the load family, require and
// collectgarbage are removed from base.
func DefaultSandbox() Sandbox {
	return Sandbox{
		Libraries: []Library{
			{lua.BaseLibName, lua.OpenBase},
			{lua.TabLibName, lua.OpenTable},
			{lua.StringLibName, lua.OpenString},
			{lua.MathLibName, lua.OpenMath},
		},
		Removed:         []string{"dofile", "loadfile", "loadstring", "load", "require", "module", "collectgarbage"},
		CallStackSize:   256,
		RegistrySize:    1024,
		RegistryMaxSize: 256 * 1024,
	}
}

// NewState opens a state bound to ctx, so cancelling ctx aborts running code.
func (s Sandbox) NewState(ctx context.Context) (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		CallStackSize:   s.CallStackSize,
		RegistrySize:    s.RegistrySize,
		RegistryMaxSize: s.RegistryMaxSize,
	})

	for _, lib := range s.Libraries {
		err := L.CallByParam(lua.P{Fn: L.NewFunction(lib.Open), Protect: true}, lua.LString(lib.Name))
		if err != nil {
			L.Close()
			return nil, oops.In("lua").With("library", lib.Name).Wrapf(err, "open library %s", lib.Name)
		}
	}
	for _, name := range s.Removed {
		L.SetGlobal(name, lua.LNil)
	}

	if ctx != nil {
		L.SetContext(ctx)
	}
	return L, nil
}
