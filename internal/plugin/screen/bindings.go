// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package screen

import (
	"regexp"
	"slices"
	"strings"

	"github.com/fleetchat/fleet/internal/plugin/runtime"
)

// bindings are the local names code binds to the host API module.
type bindings struct {
	// modules hold the whole API table.
	modules []string
	// members maps a local name to the API member it was destructured from.
	members map[string]string
}

const jsQuote = `["'` + "`" + `]`

var (
	jsModuleBinding  = regexp.MustCompile(`\b(?:const|let|var)\s+([A-Za-z_$][\w$]*)\s*=\s*require\s*\(\s*` + jsQuote + `([^"'` + "`" + `]+)` + jsQuote + `\s*\)`)
	jsMemberBinding  = regexp.MustCompile(`\b(?:const|let|var)\s*\{([^}]*)\}\s*=\s*require\s*\(\s*` + jsQuote + `([^"'` + "`" + `]+)` + jsQuote + `\s*\)`)
	jsDirectMember   = regexp.MustCompile(`\brequire\s*\(\s*` + jsQuote + `([^"'` + "`" + `]+)` + jsQuote + `\s*\)\s*\.\s*([A-Za-z_$][\w$]*)\s*\(`)
	luaModuleBinding = regexp.MustCompile(`\blocal\s+([A-Za-z_]\w*)\s*=\s*require\s*\(?\s*["']([^"']+)["']`)
)

func jsBindings(stripped string) bindings {
	b := bindings{members: make(map[string]string)}
	for _, m := range jsModuleBinding.FindAllStringSubmatch(stripped, -1) {
		if slices.Contains(runtime.APIModules, m[2]) {
			b.modules = append(b.modules, m[1])
		}
	}
	for _, m := range jsMemberBinding.FindAllStringSubmatch(stripped, -1) {
		if !slices.Contains(runtime.APIModules, m[2]) {
			continue
		}
		for _, field := range strings.Split(m[1], ",") {
			member, local, aliased := strings.Cut(field, ":")
			member = strings.TrimSpace(member)
			if !aliased {
				local = member
			}
			local, _, _ = strings.Cut(local, "=")
			if local = strings.TrimSpace(local); local != "" && member != "" {
				b.members[local] = member
			}
		}
	}
	return b
}

func luaBindings(stripped string) bindings {
	b := bindings{modules: []string{"fleet"}, members: make(map[string]string)}
	for _, m := range luaModuleBinding.FindAllStringSubmatch(stripped, -1) {
		if slices.Contains(runtime.APIModules, m[2]) {
			b.modules = append(b.modules, m[1])
		}
	}
	return b
}

// findJSMemberCall returns the offset of the first call to the API member,
// or -1. blanked has string contents removed; stripped keeps them so direct
// require(...).member() calls can be recognised.
func (b bindings) findJSMemberCall(member, stripped, blanked string) int {
	first := -1
	keep := func(off int) {
		if off >= 0 && (first < 0 || off < first) {
			first = off
		}
	}
	for _, mod := range b.modules {
		keep(firstIndex(`(?:^|[^.\w$])`+regexp.QuoteMeta(mod)+`\s*\.\s*`+regexp.QuoteMeta(member)+`\s*\(`, blanked))
	}
	for local, m := range b.members {
		if m == member {
			keep(firstIndex(`(?:^|[^.\w$])`+regexp.QuoteMeta(local)+`\s*\(`, blanked))
		}
	}
	for _, m := range jsDirectMember.FindAllStringSubmatchIndex(stripped, -1) {
		if slices.Contains(runtime.APIModules, stripped[m[2]:m[3]]) && stripped[m[4]:m[5]] == member {
			keep(m[0])
		}
	}
	return first
}

// findLuaMemberCall returns the offset of the first call to the API member
// through a module binding, or -1.
func (b bindings) findLuaMemberCall(member, blanked string) int {
	first := -1
	for _, mod := range b.modules {
		off := firstIndex(`(?:^|[^.:\w])`+regexp.QuoteMeta(mod)+`\s*[.:]\s*`+regexp.QuoteMeta(member)+`\s*\(`, blanked)
		if off >= 0 && (first < 0 || off < first) {
			first = off
		}
	}
	return first
}

func firstIndex(pattern, text string) int {
	loc := regexp.MustCompile(pattern).FindStringIndex(text)
	if loc == nil {
		return -1
	}
	return loc[0]
}
