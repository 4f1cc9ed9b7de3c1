// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package plugin

import (
	"maps"
	"slices"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/fleetchat/fleet/internal/plugin/manifest"
)

// CommandInfo is a command together with the plugin that declares it.
type CommandInfo struct {
	PluginID    string           `json:"pluginId"`
	PluginTitle string           `json:"pluginTitle"`
	Status      Status           `json:"status"`
	Command     manifest.Command `json:"command"`
}

// Commands lists the commands of every registered plugin, ordered by plugin
// id and then declaration order.
func (m *Manager) Commands() []CommandInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []CommandInfo
	for _, id := range slices.Sorted(maps.Keys(m.records)) {
		rec := m.records[id]
		for _, c := range rec.manifest.Commands {
			out = append(out, CommandInfo{
				PluginID:    id,
				PluginTitle: rec.manifest.Title,
				Status:      rec.status,
				Command:     c,
			})
		}
	}
	return out
}

type commandSource []CommandInfo

func (s commandSource) Len() int { return len(s) }

// String is the text matched by search: the command title, name, keywords
// and the plugin title.
func (s commandSource) String(i int) string {
	c := s[i]
	parts := append([]string{c.Command.Title, c.Command.Name}, c.Command.Keywords...)
	parts = append(parts, c.PluginTitle)
	return strings.Join(parts, " ")
}

// SearchCommands fuzzy-matches query against every command, best match
// first. An empty query returns all commands.
func (m *Manager) SearchCommands(query string) []CommandInfo {
	all := m.Commands()
	query = strings.TrimSpace(query)
	if query == "" {
		return all
	}
	matches := fuzzy.FindFrom(query, commandSource(all))
	out := make([]CommandInfo, len(matches))
	for i, match := range matches {
		out[i] = all[match.Index]
	}
	return out
}
