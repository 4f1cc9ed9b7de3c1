// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

// Package manifest parses and validates plugin manifests.
package manifest

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// Mode describes how a command presents itself.
type Mode string

// Command modes supported by the launcher.
const (
	ModeView   Mode = "view"
	ModeNoView Mode = "no-view"
)

// PreferenceType is the input widget backing a preference.
type PreferenceType string

// Preference types.
const (
	PreferenceTextfield PreferenceType = "textfield"
	PreferenceCheckbox  PreferenceType = "checkbox"
	PreferenceDropdown  PreferenceType = "dropdown"
	PreferencePassword  PreferenceType = "password"
)

// DefaultVersion is assigned to manifests that omit a version.
const DefaultVersion = "0.0.0"

// MaxCommands is the upper bound on commands per manifest.
const MaxCommands = 100

// Manifest is the declared metadata of a plugin.
type Manifest struct {
	Name        string       `json:"name" validate:"required,max=64,pluginname" jsonschema:"minLength=1,maxLength=64"`
	Version     string       `json:"version,omitempty" validate:"omitempty,semver"`
	Title       string       `json:"title" validate:"required" jsonschema:"minLength=1"`
	Description string       `json:"description" validate:"required" jsonschema:"minLength=1"`
	Author      string       `json:"author,omitempty"`
	License     string       `json:"license,omitempty"`
	Icon        string       `json:"icon,omitempty"`
	Main        string       `json:"main,omitempty"`
	Exports     any          `json:"exports,omitempty"`
	Commands    []Command    `json:"commands" validate:"required,min=1,max=100,dive" jsonschema:"minItems=1,maxItems=100"`
	Preferences []Preference `json:"preferences,omitempty" validate:"omitempty,dive"`
	Permissions []string     `json:"permissions,omitempty" validate:"omitempty,dive,required"`
}

// Command is a named entry point within a plugin.
type Command struct {
	Name        string   `json:"name" validate:"required" jsonschema:"minLength=1"`
	Title       string   `json:"title" validate:"required" jsonschema:"minLength=1"`
	Description string   `json:"description,omitempty"`
	Mode        Mode     `json:"mode" validate:"required,oneof=view no-view" jsonschema:"enum=view,enum=no-view"`
	Keywords    []string `json:"keywords,omitempty"`
	Shortcut    string   `json:"shortcut,omitempty"`
}

// Preference declares a user-configurable value.
type Preference struct {
	Name        string         `json:"name" validate:"required" jsonschema:"minLength=1"`
	Type        PreferenceType `json:"type" validate:"required,oneof=textfield checkbox dropdown password" jsonschema:"enum=textfield,enum=checkbox,enum=dropdown,enum=password"`
	Title       string         `json:"title" validate:"required" jsonschema:"minLength=1"`
	Description string         `json:"description,omitempty"`
	Required    bool           `json:"required,omitempty"`
	Default     any            `json:"default,omitempty"`
	Data        []Option       `json:"data,omitempty"`
}

// Option is a dropdown choice.
type Option struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

// Format identifies the encoding of a manifest file.
type Format string

// Manifest encodings.
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FileNames lists the manifest file names looked up in a plugin root, in order.
var FileNames = []string{"manifest.json", "package.json", "plugin.yaml"}

// FormatFor returns the format implied by a manifest file name.
func FormatFor(name string) Format {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// ID returns the registry id of the plugin, name@version.
func (m *Manifest) ID() string {
	version := m.Version
	if version == "" {
		version = DefaultVersion
	}
	return m.Name + "@" + version
}

// Command returns the command with the given name.
func (m *Manifest) Command(name string) (Command, bool) {
	for _, c := range m.Commands {
		if c.Name == name {
			return c, true
		}
	}
	return Command{}, false
}

// PreferenceDefaults returns the declared default of every preference that has one.
func (m *Manifest) PreferenceDefaults() map[string]any {
	defaults := make(map[string]any, len(m.Preferences))
	for _, p := range m.Preferences {
		if p.Default != nil {
			defaults[p.Name] = p.Default
		}
	}
	return defaults
}

// Decode unmarshals manifest data without validating it.
func Decode(data []byte, format Format) (*Manifest, error) {
	if len(data) == 0 {
		return nil, oops.Code(CodeInvalid).In("manifest").Errorf("manifest data is empty")
	}

	if format == FormatYAML {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, oops.Code(CodeInvalid).In("manifest").Hint("invalid YAML").Wrap(err)
		}
		converted, err := json.Marshal(convertToJSONTypes(doc))
		if err != nil {
			return nil, oops.Code(CodeInvalid).In("manifest").Wrap(err)
		}
		data = converted
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, oops.Code(CodeInvalid).In("manifest").Hint("invalid JSON").Wrap(err)
	}
	return &m, nil
}

// Parse decodes and validates manifest data.
func Parse(data []byte, format Format) (*Manifest, error) {
	m, err := Decode(data, format)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if m.Version == "" {
		m.Version = DefaultVersion
	}
	return m, nil
}
