// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

// Package source resolves plugin manifests and code from directories, .fcp
// packages, remote URLs and inline strings.
//
// Resolution never returns a Go error: every failure is captured in
// LoadResult.Error with an oops code so callers can branch on the result.
// The manifest is always validated before any code is read or fetched, and
// any code obtained is screened before the result reports success.
package source

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"slices"
	"strings"

	"github.com/samber/oops"

	"github.com/fleetchat/fleet/internal/plugin/manifest"
	"github.com/fleetchat/fleet/internal/plugin/screen"
)

// Kind is the type of a plugin source.
type Kind string

// Source kinds.
const (
	KindDirectory Kind = "directory"
	KindPackage   Kind = "package"
	KindURL       Kind = "url"
	KindCode      Kind = "code"
)

// PackageExtensions are the file extensions treated as plugin packages.
var PackageExtensions = []string{".fcp", ".zip"}

// Descriptor identifies a plugin source.
type Descriptor struct {
	Kind     Kind            `json:"type"`
	Path     string          `json:"path,omitempty"`
	URL      string          `json:"url,omitempty"`
	Code     string          `json:"code,omitempty"`
	Manifest json.RawMessage `json:"manifest,omitempty"`
	// AllowedDomains overrides the resolver's allow-list for URL sources.
	AllowedDomains []string `json:"allowedDomains,omitempty"`
}

// Location returns the path or URL of the source. Inline code is identified
// by a digest of its manifest and code.
func (d Descriptor) Location() string {
	switch d.Kind {
	case KindURL:
		return d.URL
	case KindCode:
		sum := sha256.New()
		sum.Write(d.Manifest)
		sum.Write([]byte{0})
		sum.Write([]byte(d.Code))
		return "sha256:" + hex.EncodeToString(sum.Sum(nil))
	default:
		return d.Path
	}
}

// Key is the cache key of the source.
func (d Descriptor) Key() string {
	return string(d.Kind) + ":" + d.Location()
}

func (d Descriptor) String() string {
	if d.Kind == KindCode {
		return "inline code"
	}
	return fmt.Sprintf("%s %s", d.Kind, d.Location())
}

// Detect maps a string to a descriptor: http(s) URLs are remote sources,
// package extensions are packages and everything else is a directory.
func Detect(s string) Descriptor {
	lower := strings.ToLower(s)
	switch {
	case strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://"):
		return Descriptor{Kind: KindURL, URL: s}
	case slices.Contains(PackageExtensions, path.Ext(lower)):
		return Descriptor{Kind: KindPackage, Path: s}
	default:
		return Descriptor{Kind: KindDirectory, Path: s}
	}
}

// Metadata is the build information shipped in a package.
type Metadata struct {
	Checksum         string `json:"checksum,omitempty"`
	BuildTime        string `json:"buildTime,omitempty"`
	FleetChatVersion string `json:"fleetChatVersion,omitempty"`
	Files            int    `json:"files,omitempty"`
}

// LoadResult is the outcome of resolving a source.
type LoadResult struct {
	Manifest *manifest.Manifest `json:"manifest,omitempty"`
	Code     string             `json:"-"`
	Entry    string             `json:"entry,omitempty"`
	Success  bool               `json:"success"`
	Error    error              `json:"-"`
	Source   Descriptor         `json:"source"`
	Metadata *Metadata          `json:"metadata,omitempty"`
	Warnings []screen.Issue     `json:"warnings,omitempty"`
	Cached   bool               `json:"cached,omitempty"`
}

// HasCode reports whether the result carries a code payload.
func (r *LoadResult) HasCode() bool { return r.Code != "" }

// ErrorCode returns the oops code of the failure, or "".
func (r *LoadResult) ErrorCode() string {
	if r.Error == nil {
		return ""
	}
	if oe, ok := oops.AsOops(r.Error); ok {
		if code, ok := oe.Code().(string); ok {
			return code
		}
	}
	return CodeFailed
}

// MarshalJSON adds the error message.
func (r *LoadResult) MarshalJSON() ([]byte, error) {
	type plain LoadResult
	out := struct {
		*plain
		Error     string `json:"error,omitempty"`
		ErrorCode string `json:"errorCode,omitempty"`
	}{plain: (*plain)(r)}
	if r.Error != nil {
		out.Error = r.Error.Error()
		out.ErrorCode = r.ErrorCode()
	}
	return json.Marshal(out)
}

var (
	entryExtensions = []string{".js", ".cjs", ".mjs", ".lua"}
	defaultEntries  = []string{"dist/index.js", "index.js", "main.lua"}
	exportKeys      = []string{"require", "default", "import"}
)

// EntryCandidates lists the code files to try for a manifest, in order: the
// declared main, main with each alternate extension, the "." entry of the
// exports map and then the default entry files.
func EntryCandidates(m *manifest.Manifest) []string {
	var out []string
	add := func(p string) {
		if p = cleanEntry(p); p != "" && !slices.Contains(out, p) {
			out = append(out, p)
		}
	}

	if m.Main != "" {
		add(m.Main)
		base := strings.TrimSuffix(m.Main, path.Ext(m.Main))
		for _, ext := range entryExtensions {
			add(base + ext)
		}
	}
	for _, e := range exportEntries(m.Exports) {
		add(e)
	}
	for _, e := range defaultEntries {
		add(e)
	}
	return out
}

func exportEntries(exports any) []string {
	var dot any = exports
	if m, ok := exports.(map[string]any); ok {
		if d, ok := m["."]; ok {
			dot = d
		}
	}
	switch d := dot.(type) {
	case string:
		return []string{d}
	case map[string]any:
		var out []string
		for _, k := range exportKeys {
			if s, ok := d[k].(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// cleanEntry normalizes a relative entry path and rejects paths that escape
// the plugin root.
func cleanEntry(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || strings.HasPrefix(p, "/") {
		return ""
	}
	p = path.Clean(strings.TrimPrefix(p, "./"))
	if p == "." || p == ".." || strings.HasPrefix(p, "../") {
		return ""
	}
	return p
}
