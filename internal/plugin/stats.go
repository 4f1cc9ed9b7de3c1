// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package plugin

import (
	"os"
	goruntime "runtime"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/fleetchat/fleet/internal/plugin/worker"
)

// Stats summarizes the registry, the pool and the process.
type Stats struct {
	Plugins    int            `json:"plugins"`
	MaxPlugins int            `json:"maxPlugins"`
	ByStatus   map[Status]int `json:"byStatus"`
	Pool       worker.Stats   `json:"pool"`
	Goroutines int            `json:"goroutines"`
	// MemoryRSS is the resident set size in bytes, or 0 when unavailable.
	MemoryRSS uint64 `json:"memoryRss"`
}

// Stats returns current counts.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	st := Stats{
		Plugins:    len(m.records),
		MaxPlugins: m.cfg.MaxPlugins,
		ByStatus:   make(map[Status]int),
	}
	for _, rec := range m.records {
		st.ByStatus[rec.status]++
	}
	m.mu.RUnlock()

	st.Pool = m.pool.Stats()
	st.Goroutines = goruntime.NumGoroutine()
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil { //nolint:gosec // pids fit in int32
		if mem, err := proc.MemoryInfo(); err == nil {
			st.MemoryRSS = mem.RSS
		}
	}
	return st
}
