// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package plugin

import (
	"sync"
	"time"

	"github.com/fleetchat/fleet/internal/plugin/manifest"
	"github.com/fleetchat/fleet/internal/plugin/source"
	"github.com/fleetchat/fleet/internal/plugin/worker"
)

// record is the manager's entry for one plugin. op serializes lifecycle
// operations on the plugin; the remaining fields are guarded by Manager.mu.
type record struct {
	op sync.Mutex

	id       string
	manifest *manifest.Manifest
	source   source.Descriptor
	code     string
	entry    string
	metadata *source.Metadata

	status       Status
	lastErr      string
	loadedAt     time.Time
	lastActivity time.Time
	usage        int64
	handle       *worker.Handle
}

// Info is an immutable snapshot of a plugin record.
type Info struct {
	ID           string             `json:"id"`
	Manifest     *manifest.Manifest `json:"manifest"`
	Source       source.Descriptor  `json:"source"`
	Metadata     *source.Metadata   `json:"metadata,omitempty"`
	Status       Status             `json:"status"`
	Error        string             `json:"error,omitempty"`
	LoadedAt     time.Time          `json:"loadedAt"`
	LastActivity time.Time          `json:"lastActivity,omitzero"`
	Usage        int64              `json:"usage"`
	HostID       string             `json:"hostId,omitempty"`
	HasCode      bool               `json:"hasCode"`
}

func (r *record) info() Info {
	src := r.source
	src.Code = ""
	inf := Info{
		ID:           r.id,
		Manifest:     r.manifest,
		Source:       src,
		Metadata:     r.metadata,
		Status:       r.status,
		Error:        r.lastErr,
		LoadedAt:     r.loadedAt,
		LastActivity: r.lastActivity,
		Usage:        r.usage,
		HasCode:      r.code != "",
	}
	if r.handle != nil {
		inf.HostID = r.handle.ID()
	}
	return inf
}
