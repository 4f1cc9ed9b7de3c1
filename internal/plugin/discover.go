// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package plugin

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/samber/oops"

	"github.com/fleetchat/fleet/internal/plugin/source"
)

// Discover lists the plugin sources in dir: subdirectories and package
// archives. A missing directory yields no sources.
func Discover(dir string) ([]source.Descriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, oops.In("plugin").With("dir", dir).Wrapf(err, "read plugins directory")
	}

	var out []source.Descriptor
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		switch {
		case e.IsDir():
			out = append(out, source.Descriptor{Kind: source.KindDirectory, Path: path})
		case slices.Contains(source.PackageExtensions, strings.ToLower(filepath.Ext(e.Name()))):
			out = append(out, source.Descriptor{Kind: source.KindPackage, Path: path})
		}
	}
	return out, nil
}

// LoadAll loads every plugin discovered in dir and returns the ids that
// loaded. Plugins that fail to load or start are logged and skipped.
func (m *Manager) LoadAll(ctx context.Context, dir string, opts ...LoadOption) ([]string, error) {
	found, err := Discover(dir)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, d := range found {
		id, err := m.LoadFrom(ctx, d, opts...)
		if err != nil {
			m.logger.Warn("skipping plugin", "source", d.String(), "error", err)
			if id == "" {
				continue
			}
		}
		ids = append(ids, id)
	}
	return ids, nil
}
