// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Fleet Chat Contributors

package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Status labels for request metrics.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Requests counts requests sent to hosts.
// Use RegisterMetrics to register this with a Prometheus registry.
var Requests = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleet_worker_requests_total",
		Help: "Total number of requests sent to execution hosts",
	},
	[]string{"type", "status"},
)

// Timeouts counts requests abandoned after their deadline.
var Timeouts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleet_worker_timeouts_total",
		Help: "Total number of requests that timed out",
	},
	[]string{"type"},
)

// Hosts tracks live hosts by state.
var Hosts = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "fleet_worker_hosts",
		Help: "Number of execution hosts by state",
	},
	[]string{"state"},
)

// Dropped counts late responses and console messages that had no reader.
var Dropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleet_worker_dropped_messages_total",
		Help: "Total number of host messages dropped",
	},
	[]string{"kind"},
)

// RegisterMetrics registers worker metrics with the given Prometheus registry.
// Panics if registration fails (following prometheus convention).
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Requests)
	reg.MustRegister(Timeouts)
	reg.MustRegister(Hosts)
	reg.MustRegister(Dropped)
}

// RecordRequest increments the request counter.
func RecordRequest(typ MessageType, status string) {
	Requests.WithLabelValues(string(typ), status).Inc()
	if status == StatusTimeout {
		Timeouts.WithLabelValues(string(typ)).Inc()
	}
}

func recordHosts(idle, busy int) {
	Hosts.WithLabelValues("idle").Set(float64(idle))
	Hosts.WithLabelValues("busy").Set(float64(busy))
}

func recordDropped(kind string) {
	Dropped.WithLabelValues(kind).Inc()
}
