// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package source

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/klauspost/compress/zip"

	"github.com/fleetchat/fleet/internal/plugin/manifest"
)

// Package layout.
const (
	PackageManifest = "manifest.json"
	PackageMetadata = "metadata.json"
)

// LoadFromPackage resolves a .fcp archive: a zip with manifest.json at the
// root, an optional metadata.json and the dist/ and asset tree.
func (r *Resolver) LoadFromPackage(ctx context.Context, archive string) *LoadResult {
	d := Descriptor{Kind: KindPackage, Path: archive}
	if abs, err := filepath.Abs(archive); err == nil {
		d.Path = abs
	}
	return r.cached(ctx, d, func(ctx context.Context) *LoadResult {
		zr, err := zip.OpenReader(d.Path)
		if err != nil {
			return r.fail(d, failed(d).Wrapf(err, "open package"))
		}
		defer zr.Close()
		files := indexArchive(zr.File)

		mf, ok := files[PackageManifest]
		if !ok {
			return r.fail(d, failed(d).Hint("packages must contain manifest.json at the root").Errorf("package has no %s", PackageManifest))
		}
		data, err := readZipFile(mf)
		if err != nil {
			return r.fail(d, failed(d).Wrapf(err, "read %s", PackageManifest))
		}
		m, err := manifest.Parse(data, manifest.FormatJSON)
		if err != nil {
			return r.fail(d, err)
		}

		meta := &Metadata{Files: len(files)}
		if f, ok := files[PackageMetadata]; ok {
			raw, err := readZipFile(f)
			if err == nil {
				err = json.Unmarshal(raw, meta)
			}
			if err != nil {
				return r.fail(d, failed(d).Wrapf(err, "read %s", PackageMetadata))
			}
			meta.Files = len(files)
		}
		if err := r.checkCompatible(d, meta); err != nil {
			return r.fail(d, err)
		}

		code, entry, err := entryFromArchive(ctx, d, files, m)
		if err != nil {
			return r.fail(d, err)
		}
		return r.finish(d, m, code, entry, meta)
	})
}

// checkCompatible requires the host version to satisfy ^fleetChatVersion.
func (r *Resolver) checkCompatible(d Descriptor, meta *Metadata) error {
	if meta.FleetChatVersion == "" || r.hostVersion == "" {
		return nil
	}
	c, err := semver.NewConstraint("^" + strings.TrimPrefix(meta.FleetChatVersion, "v"))
	if err != nil {
		return failed(d).With("fleet_chat_version", meta.FleetChatVersion).Wrapf(err, "invalid fleetChatVersion")
	}
	host, err := semver.NewVersion(r.hostVersion)
	if err != nil {
		return failed(d).With("host_version", r.hostVersion).Wrapf(err, "invalid host version")
	}
	if !c.Check(host) {
		return failed(d).
			With("fleet_chat_version", meta.FleetChatVersion).
			With("host_version", r.hostVersion).
			Hint("rebuild the package for this host version").
			Errorf("package requires Fleet Chat ^%s, host is %s", meta.FleetChatVersion, r.hostVersion)
	}
	return nil
}

func (r *Resolver) readPackageEntry(ctx context.Context, d Descriptor, m *manifest.Manifest) (string, string, error) {
	zr, err := zip.OpenReader(d.Path)
	if err != nil {
		return "", "", failed(d).Wrapf(err, "open package")
	}
	defer zr.Close()
	return entryFromArchive(ctx, d, indexArchive(zr.File), m)
}

func entryFromArchive(ctx context.Context, d Descriptor, files map[string]*zip.File, m *manifest.Manifest) (string, string, error) {
	for _, entry := range EntryCandidates(m) {
		if err := ctx.Err(); err != nil {
			return "", "", failed(d).Wrap(err)
		}
		f, ok := files[entry]
		if !ok {
			continue
		}
		data, err := readZipFile(f)
		if err != nil {
			return "", "", failed(d).With("entry", entry).Wrapf(err, "read entry")
		}
		return string(data), entry, nil
	}
	return "", "", nil
}

// indexArchive maps cleaned names of regular files to entries. Names that
// escape the archive root are skipped.
func indexArchive(files []*zip.File) map[string]*zip.File {
	out := make(map[string]*zip.File, len(files))
	for _, f := range files {
		if f.FileInfo().IsDir() {
			continue
		}
		if name := cleanEntry(f.Name); name != "" {
			out[name] = f
		}
	}
	return out
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return readAllLimited(rc)
}
