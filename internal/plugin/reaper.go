// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package plugin

import (
	"context"
	"time"
)

func (m *Manager) startReaper() {
	ctx, cancel := context.WithCancel(context.Background())
	m.stopReaper = cancel
	m.reaperDone = make(chan struct{})

	go func() {
		defer close(m.reaperDone)
		ticker := time.NewTicker(m.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CleanupStale(ctx)
			}
		}
	}()
}

// CleanupStale stops running plugins that have been idle for more than
// twice the cleanup interval and returns their ids. Plugins with an
// operation in flight are skipped.
func (m *Manager) CleanupStale(ctx context.Context) []string {
	limit := 2 * m.cfg.CleanupInterval
	if limit <= 0 {
		limit = 2 * DefaultCleanupInterval
	}
	now := m.now()

	m.mu.RLock()
	candidates := make([]*record, 0, len(m.records))
	for _, rec := range m.records {
		if rec.status == StatusRunning && now.Sub(rec.lastActivity) > limit {
			candidates = append(candidates, rec)
		}
	}
	m.mu.RUnlock()

	var stopped []string
	for _, rec := range candidates {
		if !rec.op.TryLock() {
			continue
		}
		m.mu.RLock()
		stale := rec.status == StatusRunning && now.Sub(rec.lastActivity) > limit
		m.mu.RUnlock()
		if stale {
			if err := m.stopLocked(ctx, rec); err != nil {
				m.logger.Warn("failed to stop stale plugin", "plugin", rec.id, "error", err)
			} else {
				m.logger.Info("stopped idle plugin", "plugin", rec.id, "idle", now.Sub(rec.lastActivity).String())
				stopped = append(stopped, rec.id)
			}
		}
		rec.op.Unlock()
	}
	return stopped
}
