package source

import "github.com/prometheus/client_golang/prometheus"

// Status labels for load metrics.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusCached  = "cached"
)

// Loads counts source resolutions by kind and outcome.
// Use RegisterMetrics to register this with a Prometheus registry.
var Loads = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "fleet_source_loads_total",
		Help: "Total number of plugin source loads",
	},
	[]string{"kind", "status"},
)

// RegisterMetrics registers source metrics with the given Prometheus registry.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(Loads)
}

// RecordLoad increments the load counter.
func RecordLoad(kind Kind, status string) {
	Loads.WithLabelValues(string(kind), status).Inc()
}
