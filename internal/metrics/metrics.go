// Package metrics exposes fleet counters and gauges in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector aggregates the fleet's operational metrics. A nil *Collector is
// valid and records nothing, so components can be wired without metrics in
// tests.
type Collector struct {
	registry *prometheus.Registry

	JobsDispatched prometheus.Counter
	JobsCompleted  prometheus.Counter
	JobsFailed     prometheus.Counter
	EmergencyStops *prometheus.CounterVec

	JobsInFlight   prometheus.Gauge
	PrintersOnline prometheus.Gauge

	TickDuration prometheus.Histogram
}

// New creates a collector with its own registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		JobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printfleet_jobs_dispatched_total",
			Help: "Print jobs handed to an adapter.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printfleet_jobs_completed_total",
			Help: "Print jobs that reached completion.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "printfleet_jobs_failed_total",
			Help: "Print jobs that failed.",
		}),
		EmergencyStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "printfleet_emergency_stops_total",
			Help: "Emergency stop attempts by outcome.",
		}, []string{"outcome"}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "printfleet_jobs_in_flight",
			Help: "Jobs currently assigned to a printer.",
		}),
		PrintersOnline: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "printfleet_printers_online",
			Help: "Registered printers reachable at the last tick.",
		}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "printfleet_scheduler_tick_duration_seconds",
			Help:    "Duration of one scheduler reconciliation pass.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		c.JobsDispatched, c.JobsCompleted, c.JobsFailed, c.EmergencyStops,
		c.JobsInFlight, c.PrintersOnline, c.TickDuration,
	)
	return c
}

// Handler returns the /metrics HTTP handler for this collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Dispatched increments the dispatch counter, nil-safe.
func (c *Collector) Dispatched() {
	if c != nil {
		c.JobsDispatched.Inc()
	}
}

// Completed increments the completion counter, nil-safe.
func (c *Collector) Completed() {
	if c != nil {
		c.JobsCompleted.Inc()
	}
}

// Failed increments the failure counter, nil-safe.
func (c *Collector) Failed() {
	if c != nil {
		c.JobsFailed.Inc()
	}
}

// Stop records an emergency stop outcome, nil-safe.
func (c *Collector) Stop(success bool) {
	if c == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.EmergencyStops.WithLabelValues(outcome).Inc()
}

// SetInFlight sets the in-flight gauge, nil-safe.
func (c *Collector) SetInFlight(n int) {
	if c != nil {
		c.JobsInFlight.Set(float64(n))
	}
}

// SetOnline sets the printers-online gauge, nil-safe.
func (c *Collector) SetOnline(n int) {
	if c != nil {
		c.PrintersOnline.Set(float64(n))
	}
}

// ObserveTick records one tick duration in seconds, nil-safe.
func (c *Collector) ObserveTick(seconds float64) {
	if c != nil {
		c.TickDuration.Observe(seconds)
	}
}
