// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package source

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fleetchat/fleet/internal/plugin/manifest"
)

// LoadFromDirectory resolves a plugin directory. The manifest is the first
// of manifest.FileNames present; code is the first entry candidate present.
// A directory without code loads as manifest-only.
func (r *Resolver) LoadFromDirectory(ctx context.Context, dir string) *LoadResult {
	d := Descriptor{Kind: KindDirectory, Path: dir}
	if abs, err := filepath.Abs(dir); err == nil {
		d.Path = abs
	}
	return r.cached(ctx, d, func(ctx context.Context) *LoadResult {
		info, err := os.Stat(d.Path)
		if err != nil {
			return r.fail(d, failed(d).Wrapf(err, "open plugin directory"))
		}
		if !info.IsDir() {
			return r.fail(d, failed(d).Errorf("%s is not a directory", d.Path))
		}

		m, err := r.readDirectoryManifest(d)
		if err != nil {
			return r.fail(d, err)
		}
		code, entry, err := r.readDirectoryEntry(ctx, d, m)
		if err != nil {
			return r.fail(d, err)
		}
		return r.finish(d, m, code, entry, nil)
	})
}

func (r *Resolver) readDirectoryManifest(d Descriptor) (*manifest.Manifest, error) {
	for _, name := range manifest.FileNames {
		data, err := readLimited(filepath.Join(d.Path, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, failed(d).With("file", name).Wrapf(err, "read manifest")
		}
		m, err := manifest.Parse(data, manifest.FormatFor(name))
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, failed(d).
		Hint("add a manifest.json, package.json or plugin.yaml").
		Errorf("no manifest found in %s", d.Path)
}

// readDirectoryEntry returns the first entry candidate present, or empty
// code when there is none.
func (r *Resolver) readDirectoryEntry(ctx context.Context, d Descriptor, m *manifest.Manifest) (string, string, error) {
	for _, entry := range EntryCandidates(m) {
		if err := ctx.Err(); err != nil {
			return "", "", failed(d).Wrap(err)
		}
		data, err := readLimited(filepath.Join(d.Path, filepath.FromSlash(entry)))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return "", "", failed(d).With("entry", entry).Wrapf(err, "read entry")
		}
		return string(data), entry, nil
	}
	return "", "", nil
}

func readLimited(name string) ([]byte, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if info, err := f.Stat(); err == nil && info.IsDir() {
		return nil, fs.ErrNotExist
	}
	return readAllLimited(f)
}

func readAllLimited(rd io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(rd, maxPayload+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxPayload {
		return nil, errors.New("payload exceeds 8 MiB")
	}
	return data, nil
}
