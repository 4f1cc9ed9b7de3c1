// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

// Package capability gates privileged host APIs behind the permissions a
// plugin declares in its manifest.
//
// Permissions are dotted names matched with gobwas/glob using '.' as the
// segment separator:
//   - '*' matches a single segment ("clipboard.*" grants "clipboard.read")
//   - '**' matches any number of segments
//
// A plugin that declares no permissions may still use the ungated APIs
// (toasts, HUD, logging, preferences) but every gated call is denied.
package capability

import (
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Gated host capabilities.
const (
	ClipboardRead  = "clipboard.read"
	ClipboardWrite = "clipboard.write"
	Storage        = "storage"
	SystemOpen     = "system.open"
	Network        = "network"
)

// Known lists every capability a manifest may reference directly.
var Known = []string{ClipboardRead, ClipboardWrite, Storage, SystemOpen, Network}

// CodeDenied is the oops code returned when a plugin lacks a capability.
const CodeDenied = "CAPABILITY_DENIED"

// CodeInvalidGrant is returned for malformed permission patterns.
const CodeInvalidGrant = "CAPABILITY_INVALID"

type grant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer tracks the permissions granted to each loaded plugin.
//
// Enforcer is safe for concurrent use. The zero value is ready to use.
type Enforcer struct {
	mu     sync.RWMutex
	grants map[string][]grant
}

// NewEnforcer creates an empty enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{grants: make(map[string][]grant)}
}

// Grant replaces the permissions of a plugin. Either every pattern compiles
// and the grant set is swapped in, or nothing changes.
func (e *Enforcer) Grant(pluginID string, permissions []string) error {
	if pluginID == "" {
		return oops.Code(CodeInvalidGrant).In("capability").Errorf("plugin id cannot be empty")
	}

	compiled := make([]grant, len(permissions))
	for i, pattern := range permissions {
		if pattern == "" {
			return oops.Code(CodeInvalidGrant).In("capability").
				With("plugin", pluginID).With("index", i).
				Errorf("empty permission pattern")
		}
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return oops.Code(CodeInvalidGrant).In("capability").
				With("plugin", pluginID).With("pattern", pattern).
				Wrapf(err, "compile permission %q", pattern)
		}
		compiled[i] = grant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.grants == nil {
		e.grants = make(map[string][]grant)
	}
	e.grants[pluginID] = compiled
	return nil
}

// Revoke drops every permission of a plugin. Unknown ids are ignored.
func (e *Enforcer) Revoke(pluginID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.grants, pluginID)
}

// Registered reports whether Grant has been called for the plugin.
func (e *Enforcer) Registered(pluginID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.grants[pluginID]
	return ok
}

// Granted returns a copy of the patterns granted to a plugin, or nil.
func (e *Enforcer) Granted(pluginID string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[pluginID]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Check reports whether the plugin holds the capability. Unknown plugins and
// empty capabilities are denied.
func (e *Enforcer) Check(pluginID, capability string) bool {
	if capability == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, g := range e.grants[pluginID] {
		if g.glob.Match(capability) {
			return true
		}
	}
	return false
}

// Require returns a CAPABILITY_DENIED error when Check fails.
func (e *Enforcer) Require(pluginID, capability string) error {
	if e.Check(pluginID, capability) {
		return nil
	}
	return oops.Code(CodeDenied).In("capability").
		With("plugin", pluginID).
		With("capability", capability).
		Hint("declare the permission in the plugin manifest").
		Errorf("plugin %s lacks permission %s", pluginID, capability)
}

// Matches reports whether any of the patterns grants capability. It is used
// for static checks where no enforcer state exists yet.
func Matches(patterns []string, capability string) bool {
	for _, p := range patterns {
		g, err := glob.Compile(p, '.')
		if err != nil {
			continue
		}
		if g.Match(capability) {
			return true
		}
	}
	return false
}
