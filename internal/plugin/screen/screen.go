// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

// Package screen statically checks plugin code before it is executed.
//
// Screening is the last gate before code reaches an execution host. It
// rejects code that does not parse, code that reaches for dynamic evaluation
// or ambient host access, and code that calls permission-gated APIs the
// manifest does not declare.
package screen

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/dop251/goja"
	"github.com/samber/oops"
	"github.com/yuin/gopher-lua/parse"

	"github.com/fleetchat/fleet/internal/plugin/capability"
	"github.com/fleetchat/fleet/internal/plugin/runtime"
)

// CodeFailed is the oops code for rejected code.
const CodeFailed = "SCREENING_FAILED"

// Options describe the code being screened.
type Options struct {
	// Entry selects the language by extension; empty means JavaScript.
	Entry string
	// Permissions are the manifest permissions granted to the plugin.
	Permissions []string
}

// Issue is one finding.
type Issue struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
	Line    int    `json:"line,omitempty"`
}

func (i Issue) String() string {
	if i.Line > 0 {
		return fmt.Sprintf("line %d: %s", i.Line, i.Message)
	}
	return i.Message
}

// Result is the outcome of screening.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Err returns a SCREENING_FAILED error listing every error, or nil.
func (r Result) Err() error {
	if r.Valid {
		return nil
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.String()
	}
	return oops.Code(CodeFailed).In("screen").
		With("errors", r.Errors).
		Errorf("code rejected: %s", strings.Join(msgs, "; "))
}

// rule is a pattern check. Patterns run against code with comments removed;
// when blankStrings is set, string literal contents are blanked first.
type rule struct {
	name         string
	pattern      *regexp.Regexp
	message      string
	blankStrings bool
	warning      bool
}

// gated maps an API call pattern to the permission it needs.
type gated struct {
	pattern    *regexp.Regexp
	call       string
	permission string
}

var jsRules = []rule{
	{name: "eval", pattern: regexp.MustCompile(`\beval\s*\(`), message: "eval is not allowed", blankStrings: true},
	{name: "function-constructor", pattern: regexp.MustCompile(`\bFunction\s*\(`), message: "the Function constructor is not allowed", blankStrings: true},
	{name: "constructor-chain", pattern: regexp.MustCompile(`constructor\s*\.\s*constructor|\[\s*["'` + "`" + `]constructor["'` + "`" + `]\s*\]`), message: "constructor access is not allowed"},
	{name: "dynamic-import", pattern: regexp.MustCompile(`\bimport\s*\(`), message: "dynamic import() is not allowed", blankStrings: true},
	{name: "process", pattern: regexp.MustCompile(`\bprocess\s*\.`), message: "process is not available to plugins", blankStrings: true},
	{name: "proto", pattern: regexp.MustCompile(`__proto__`), message: "__proto__ access is not allowed"},
	{name: "global-this", pattern: regexp.MustCompile(`\bglobalThis\s*\[`), message: "computed globalThis access is not allowed", blankStrings: true},
	{name: "timers", pattern: regexp.MustCompile(`\b(setTimeout|setInterval|setImmediate)\s*\(`), message: "timers are not supported and will not fire", blankStrings: true, warning: true},
	{name: "unbounded-loop", pattern: regexp.MustCompile(`\bwhile\s*\(\s*true\s*\)|\bfor\s*\(\s*;\s*;\s*\)`), message: "unbounded loop will be interrupted by the worker timeout", blankStrings: true, warning: true},
}

var jsGated = []gated{
	{regexp.MustCompile(`\bClipboard\s*\.\s*(copy|paste)\s*\(`), "Clipboard.copy", capability.ClipboardWrite},
	{regexp.MustCompile(`\bClipboard\s*\.\s*readText\s*\(`), "Clipboard.readText", capability.ClipboardRead},
	{regexp.MustCompile(`\bLocalStorage\s*\.\s*(getItem|setItem|removeItem|allItems|clear)\s*\(`), "LocalStorage", capability.Storage},
}

// apiMember is a permission-gated API function that is only recognised when
// called through a binding of the API module, since plugins may declare
// functions of the same name.
type apiMember struct {
	member     string
	permission string
}

var gatedMembers = []apiMember{
	{"open", capability.SystemOpen},
}

var (
	jsRequire        = regexp.MustCompile(`\brequire\s*\(\s*["'` + "`" + `]([^"'` + "`" + `]*)["'` + "`" + `]\s*\)`)
	jsDynamicRequire = regexp.MustCompile(`\brequire\s*\(\s*[^"'` + "`" + `\s)]`)
)

var luaRules = []rule{
	{name: "load", pattern: regexp.MustCompile(`\b(loadstring|load|dofile|loadfile)\s*\(`), message: "dynamic code loading is not allowed", blankStrings: true},
	{name: "ambient-library", pattern: regexp.MustCompile(`\b(os|io|debug|package)\s*\.`), message: "os, io, debug and package are not available to plugins", blankStrings: true},
	{name: "environment", pattern: regexp.MustCompile(`\b(getfenv|setfenv|rawset|rawget)\s*\(`), message: "environment manipulation is not allowed", blankStrings: true},
	{name: "unbounded-loop", pattern: regexp.MustCompile(`\bwhile\s+true\s+do\b`), message: "unbounded loop will be interrupted by the worker timeout", blankStrings: true, warning: true},
}

var luaGated = []gated{
	{regexp.MustCompile(`\bclipboard_copy\s*\(`), "clipboard_copy", capability.ClipboardWrite},
	{regexp.MustCompile(`\bclipboard_read\s*\(`), "clipboard_read", capability.ClipboardRead},
	{regexp.MustCompile(`\bstorage_(get|set|remove)\s*\(`), "storage", capability.Storage},
}

var luaRequire = regexp.MustCompile(`\brequire\s*\(?\s*["']([^"']*)["']`)

// Screen checks code and never executes it.
func Screen(code string, opts Options) Result {
	var res Result
	if strings.TrimSpace(code) == "" {
		res.Errors = append(res.Errors, Issue{Rule: "empty", Message: "code is empty"})
		return res
	}

	if runtime.LangFor(opts.Entry) == runtime.LangLua {
		screenLua(code, opts, &res)
	} else {
		screenJS(code, opts, &res)
	}
	res.Valid = len(res.Errors) == 0
	return res
}

func screenJS(code string, opts Options, res *Result) {
	name := opts.Entry
	if name == "" {
		name = "index.js"
	}
	if _, err := goja.Compile(name, code, false); err != nil {
		res.Errors = append(res.Errors, Issue{Rule: "syntax", Message: "syntax error: " + firstLine(err.Error())})
		return
	}

	stripped := stripComments(code, false, jsComments)
	blanked := stripComments(code, true, jsComments)
	applyRules(jsRules, stripped, blanked, res)

	for _, m := range jsRequire.FindAllStringSubmatchIndex(stripped, -1) {
		mod := stripped[m[2]:m[3]]
		if !slices.Contains(runtime.APIModules, mod) {
			res.Errors = append(res.Errors, Issue{
				Rule:    "require",
				Message: fmt.Sprintf("require(%q) is not allowed; only %s resolve", mod, strings.Join(runtime.APIModules, " and ")),
				Line:    lineOf(stripped, m[0]),
			})
		}
	}
	for _, m := range jsDynamicRequire.FindAllStringIndex(stripped, -1) {
		res.Errors = append(res.Errors, Issue{Rule: "require", Message: "require with a computed module name is not allowed", Line: lineOf(stripped, m[0])})
	}

	applyGated(jsGated, blanked, opts.Permissions, res)
	b := jsBindings(stripped)
	for _, g := range gatedMembers {
		applyMember(g, b.findJSMemberCall(g.member, stripped, blanked), blanked, opts.Permissions, res)
	}
}

func screenLua(code string, opts Options, res *Result) {
	name := opts.Entry
	if name == "" {
		name = "main.lua"
	}
	if _, err := parse.Parse(strings.NewReader(code), name); err != nil {
		res.Errors = append(res.Errors, Issue{Rule: "syntax", Message: "syntax error: " + firstLine(err.Error())})
		return
	}

	stripped := stripComments(code, false, luaComments)
	blanked := stripComments(code, true, luaComments)
	applyRules(luaRules, stripped, blanked, res)

	for _, m := range luaRequire.FindAllStringSubmatchIndex(stripped, -1) {
		mod := stripped[m[2]:m[3]]
		if !slices.Contains(runtime.APIModules, mod) {
			res.Errors = append(res.Errors, Issue{
				Rule:    "require",
				Message: fmt.Sprintf("require(%q) is not allowed", mod),
				Line:    lineOf(stripped, m[0]),
			})
		}
	}

	applyGated(luaGated, blanked, opts.Permissions, res)
	b := luaBindings(stripped)
	for _, g := range gatedMembers {
		applyMember(g, b.findLuaMemberCall(g.member, blanked), blanked, opts.Permissions, res)
	}
}

func applyRules(rules []rule, stripped, blanked string, res *Result) {
	for _, r := range rules {
		text := stripped
		if r.blankStrings {
			text = blanked
		}
		loc := r.pattern.FindStringIndex(text)
		if loc == nil {
			continue
		}
		issue := Issue{Rule: r.name, Message: r.message, Line: lineOf(text, loc[0])}
		if r.warning {
			res.Warnings = append(res.Warnings, issue)
		} else {
			res.Errors = append(res.Errors, issue)
		}
	}
}

func applyGated(checks []gated, text string, permissions []string, res *Result) {
	for _, g := range checks {
		loc := g.pattern.FindStringIndex(text)
		if loc == nil || capability.Matches(permissions, g.permission) {
			continue
		}
		res.Errors = append(res.Errors, Issue{
			Rule:    "permission",
			Message: fmt.Sprintf("%s requires the %q permission", g.call, g.permission),
			Line:    lineOf(text, loc[0]),
		})
	}
}

func applyMember(g apiMember, offset int, text string, permissions []string, res *Result) {
	if offset < 0 || capability.Matches(permissions, g.permission) {
		return
	}
	res.Errors = append(res.Errors, Issue{
		Rule:    "permission",
		Message: fmt.Sprintf("%s requires the %q permission", g.member, g.permission),
		Line:    lineOf(text, offset),
	})
}

func lineOf(text string, offset int) int {
	return strings.Count(text[:offset], "\n") + 1
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i > 0 {
		return s[:i]
	}
	return s
}
