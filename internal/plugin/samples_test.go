// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package plugin_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetchat/fleet/internal/plugin"
)

// The plugins shipped in the repository double as fixtures.
func TestSamplePlugins(t *testing.T) {
	m := newManager(t, plugin.Config{
		MaxWorkers:  2,
		Preferences: map[string]map[string]any{"echo": {"shout": true}},
	})
	ctx := context.Background()

	ids, err := m.LoadAll(ctx, filepath.Join("..", "..", "plugins"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"echo@1.0.0", "hello-lua@0.2.0"}, ids)

	t.Run("echo", func(t *testing.T) {
		res, err := m.Execute(ctx, "echo@1.0.0", "echo", []any{"hi"})
		require.NoError(t, err)
		require.True(t, res.Success, res.Error)
		assert.JSONEq(t, `"echo: HI"`, string(res.Result))

		res, err = m.Render(ctx, "echo@1.0.0", "history", nil)
		require.NoError(t, err)
		require.True(t, res.Success, res.Error)
		assert.JSONEq(t, `{"type":"Detail","markdown":"# echo: HI"}`, string(res.Result))
	})

	t.Run("hello-lua", func(t *testing.T) {
		res, err := m.Execute(ctx, "hello-lua@0.2.0", "hello", []any{})
		require.NoError(t, err)
		require.True(t, res.Success, res.Error)
		assert.JSONEq(t, `{"greeting":"Hello, world!","count":1}`, string(res.Result))

		res, err = m.Execute(ctx, "hello-lua@0.2.0", "hello", []any{"ada"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"greeting":"Hello, ada!","count":2}`, string(res.Result))
	})

	found := m.SearchCommands("greet")
	require.NotEmpty(t, found)
	assert.Equal(t, "hello-lua@0.2.0", found[0].PluginID)
}
