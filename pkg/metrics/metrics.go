// Package metrics exposes gateway-wide and per-node telemetry through
// Prometheus. Process-global gauges are static package vars, kept in
// the teacher's style; per-node/per-group metrics are dynamic, since
// the node set changes at runtime as adapters are added and removed —
// see Registry in registry.go.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CoreDumped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldbus_core_dumped",
			Help: "Whether the gateway process has recovered from a fatal panic (1) or not (0)",
		},
	)

	UptimeSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldbus_uptime_seconds",
			Help: "Seconds since the gateway process started",
		},
	)

	NorthNodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldbus_north_nodes_total",
			Help: "Total number of app (north-bound) adapters",
		},
	)

	NorthRunningNodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldbus_north_running_nodes_total",
			Help: "Number of app adapters in the RUNNING state",
		},
	)

	NorthDisconnectedNodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldbus_north_disconnected_nodes_total",
			Help: "Number of app adapters reporting a disconnected upstream link",
		},
	)

	SouthNodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldbus_south_nodes_total",
			Help: "Total number of driver (south-bound) adapters",
		},
	)

	SouthRunningNodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldbus_south_running_nodes_total",
			Help: "Number of driver adapters in the RUNNING state",
		},
	)

	SouthDisconnectedNodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fieldbus_south_disconnected_nodes_total",
			Help: "Number of driver adapters reporting a disconnected device link",
		},
	)
)

func init() {
	prometheus.MustRegister(CoreDumped)
	prometheus.MustRegister(UptimeSeconds)
	prometheus.MustRegister(NorthNodesTotal)
	prometheus.MustRegister(NorthRunningNodesTotal)
	prometheus.MustRegister(NorthDisconnectedNodesTotal)
	prometheus.MustRegister(SouthNodesTotal)
	prometheus.MustRegister(SouthRunningNodesTotal)
	prometheus.MustRegister(SouthDisconnectedNodesTotal)
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for a single operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to one observer of a
// histogram vec, selected by labelValues.
func (t *Timer) ObserveDurationVec(histogramVec *prometheus.HistogramVec, labelValues ...string) {
	histogramVec.WithLabelValues(labelValues...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
