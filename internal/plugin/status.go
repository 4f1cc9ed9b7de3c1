// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package plugin

// Status is the lifecycle state of a loaded plugin.
type Status string

// Lifecycle states.
const (
	StatusLoading  Status = "loading"
	StatusLoaded   Status = "loaded"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
	StatusUnloaded Status = "unloaded"
)

// Statuses lists every state in lifecycle order.
var Statuses = []Status{
	StatusLoading, StatusLoaded, StatusStarting, StatusRunning,
	StatusStopped, StatusError, StatusUnloaded,
}

// transitions is the lifecycle state machine. Unloaded is terminal and
// reachable from every other state.
var transitions = map[Status][]Status{
	StatusLoading:  {StatusLoaded, StatusError, StatusUnloaded},
	StatusLoaded:   {StatusStarting, StatusUnloaded},
	StatusStarting: {StatusRunning, StatusError, StatusUnloaded},
	StatusRunning:  {StatusStopped, StatusError, StatusStarting, StatusUnloaded},
	StatusStopped:  {StatusStarting, StatusUnloaded},
	StatusError:    {StatusStarting, StatusUnloaded},
}

// CanTransition reports whether from -> to is a valid lifecycle step.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
