// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

// Package runtime defines the interpreter contract shared by the execution
// hosts: an Engine evaluates plugin code against an injected API table and
// returns a Module that can run commands, render components and be disposed.
package runtime

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fleetchat/fleet/internal/plugin/hostapi"
)

// APIModules are the module names a plugin's require resolves to the host
// API table.
var APIModules = []string{"@raycast/api", "@fleet-chat/api"}

// Source is the code handed to an engine.
type Source struct {
	// Name identifies the plugin in errors and stack traces.
	Name string
	// Entry is the entry file name; its extension selects the engine.
	Entry string
	Code  string
}

// Console receives console output produced inside a module.
type Console func(level string, args []string)

// Options are the collaborators injected into a module at load time.
type Options struct {
	API     *hostapi.API
	Console Console
}

// Engine evaluates plugin code in a fresh, sandboxed interpreter.
//
// Engine implementations must not keep per-module state; each Load returns an
// independent Module. A Module is not safe for concurrent use and must only be
// driven by the goroutine that owns it.
type Engine interface {
	Name() string
	Load(ctx context.Context, src Source, opts Options) (Module, error)
}

// Module is evaluated plugin code.
type Module interface {
	// Call invokes a command by name. Resolution order is a module-level
	// function, then a method on the default export, then a named export.
	Call(ctx context.Context, name string, args []any) (any, error)
	// Render invokes a component function with props.
	Render(ctx context.Context, component string, props map[string]any) (any, error)
	// Dispose runs the module's optional dispose hook and releases the
	// interpreter. The module is unusable afterwards.
	Dispose(ctx context.Context) error
}

// Lang names an engine family.
type Lang string

// Supported languages.
const (
	LangJS  Lang = "javascript"
	LangLua Lang = "lua"
)

// LangFor selects the language from an entry file name. Everything that is
// not Lua runs as JavaScript.
func LangFor(entry string) Lang {
	if strings.EqualFold(filepath.Ext(entry), ".lua") {
		return LangLua
	}
	return LangJS
}

// Registry maps languages to engines.
type Registry map[Lang]Engine

// ForEntry returns the engine for an entry file.
func (r Registry) ForEntry(entry string) (Engine, error) {
	lang := LangFor(entry)
	e, ok := r[lang]
	if !ok {
		return nil, UnsupportedError(lang)
	}
	return e, nil
}
