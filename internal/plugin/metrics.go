// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package plugin

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fleetchat/fleet/internal/plugin/source"
	"github.com/fleetchat/fleet/internal/plugin/worker"
)

// Status labels for operation metrics.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeError   = "error"
)

// Transitions counts lifecycle transitions.
// Use RegisterMetrics to register this with a Prometheus registry.
var Transitions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleet_plugin_transitions_total",
		Help: "Total number of plugin lifecycle transitions",
	},
	[]string{"from", "to"},
)

// Operations counts manager operations by outcome. A failure is a plugin
// exception reported as an unsuccessful result; an error is returned to the
// caller.
var Operations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleet_plugin_operations_total",
		Help: "Total number of plugin manager operations",
	},
	[]string{"operation", "outcome"},
)

// OperationDuration observes manager operation latency.
var OperationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "fleet_plugin_operation_duration_seconds",
		Help:    "Plugin manager operation duration in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation"},
)

// RegisterMetrics registers plugin, worker and source metrics with the given
// Prometheus registry. This must be called at startup to make metrics
// available on /metrics.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Transitions)
	reg.MustRegister(Operations)
	reg.MustRegister(OperationDuration)
	worker.RegisterMetrics(reg)
	source.RegisterMetrics(reg)
}

// RecordTransition increments the transition counter.
func RecordTransition(from, to Status) {
	Transitions.WithLabelValues(string(from), string(to)).Inc()
}

// RecordOperation records the outcome and duration of an operation.
func RecordOperation(op, outcome string, d time.Duration) {
	Operations.WithLabelValues(op, outcome).Inc()
	OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}
