// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoManifest = `{
  "name": "echo",
  "version": "1.0.0",
  "title": "Echo",
  "description": "Echoes input",
  "commands": [
    {"name": "echo", "title": "Echo Text", "mode": "no-view"},
    {"name": "View", "title": "Show Detail", "mode": "view"}
  ]
}`

const echoCode = `
function echo(a, b) { return { a: a, b: b }; }
function View(props) { return { type: "Detail", markdown: props.text }; }
function boom() { throw new Error("kaboom"); }
`

func writePlugin(t *testing.T, root, name, manifest, code string) string {
	t.Helper()
	dir := filepath.Join(root, name)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(manifest), 0o600))
	if code != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "index.js"), []byte(code), 0o600))
	}
	return dir
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	configFile = ""

	cmd := NewRootCmd()
	out, errOut := new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	out, err := run(t, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"run", "validate", "exec", "commands"} {
		assert.Contains(t, out, sub, "help missing %q command", sub)
	}
	assert.Contains(t, out, "--max-workers")
}

func TestValidate(t *testing.T) {
	root := t.TempDir()
	good := writePlugin(t, root, "echo", echoManifest, echoCode)
	bad := writePlugin(t, root, "bad", `{"name":"bad","title":"Bad","commands":[{"name":"a","title":"A","mode":"view"}]}`, echoCode)

	out, err := run(t, "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "valid: echo@1.0.0")
	assert.Contains(t, out, "command: View (view)")

	out, err = run(t, "validate", "--json", good)
	require.NoError(t, err)
	var res map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, true, res["success"])

	out, err = run(t, "validate", bad)
	require.Error(t, err)
	assert.Contains(t, out, "invalid")
	assert.Contains(t, out, "description")
}

func TestExec(t *testing.T) {
	dir := writePlugin(t, t.TempDir(), "echo", echoManifest, echoCode)

	out, err := run(t, "exec", dir, "echo", "42", "hello")
	require.NoError(t, err)
	var res struct {
		Success bool            `json:"success"`
		Result  json.RawMessage `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Success)
	assert.JSONEq(t, `{"a":42,"b":"hello"}`, string(res.Result))

	out, err = run(t, "exec", dir, "View", "--render", "--props", `{"text":"# hi"}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"markdown": "# hi"`)

	out, err = run(t, "exec", dir, "boom")
	require.Error(t, err)
	assert.Contains(t, out, `"error": "kaboom"`)

	_, err = run(t, "exec", dir, "View", "--render", "--props", `not json`)
	assert.Error(t, err)
}

func TestCommands(t *testing.T) {
	root := t.TempDir()
	writePlugin(t, root, "echo", echoManifest, echoCode)

	out, err := run(t, "commands", "--plugins-dir", root)
	require.NoError(t, err)
	assert.Contains(t, out, "PLUGIN")
	assert.Contains(t, out, "echo@1.0.0")
	assert.Contains(t, out, "Show Detail")

	out, err = run(t, "commands", "--plugins-dir", root, "--json", "detail")
	require.NoError(t, err)
	var found []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &found))
	require.Len(t, found, 1)
	assert.Equal(t, "echo@1.0.0", found[0]["pluginId"])
}

func TestParseArgs(t *testing.T) {
	assert.Equal(t, []any{float64(1), "x", true, map[string]any{"k": "v"}}, parseArgs([]string{"1", "x", "true", `{"k":"v"}`}))
}
