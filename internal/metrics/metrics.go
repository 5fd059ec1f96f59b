// Package metrics exposes the Prometheus collectors the core updates
// as it processes protocol errors, sessions, commands, and schedule
// ticks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the core updates. Constructed once
// per process and passed by reference to the components that update
// it, never read from a package-level global.
type Metrics struct {
	InvalidPayloadTotal    *prometheus.CounterVec
	ConnectedNodes         prometheus.Gauge
	PendingCommands        prometheus.Gauge
	CommandResultTotal     *prometheus.CounterVec
	ScheduleTickDuration    prometheus.Histogram
	ScheduleDispatchedTotal prometheus.Counter
}

// New registers every collector against reg and returns the grouped
// handle.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		InvalidPayloadTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wolfleet",
			Name:      "invalid_payload_total",
			Help:      "Count of frames that failed protocol decode, by direction:type key.",
		}, []string{"key"}),
		ConnectedNodes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wolfleet",
			Name:      "connected_nodes",
			Help:      "Number of nodes with a live registered session.",
		}),
		PendingCommands: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "wolfleet",
			Name:      "pending_commands",
			Help:      "Number of commands awaiting a correlated result.",
		}),
		CommandResultTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wolfleet",
			Name:      "command_result_total",
			Help:      "Count of command resolutions by outcome.",
		}, []string{"outcome"}),
		ScheduleTickDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "wolfleet",
			Name:      "schedule_tick_duration_seconds",
			Help:      "Duration of a single schedule-worker poll tick.",
		}),
		ScheduleDispatchedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "wolfleet",
			Name:      "schedule_dispatched_total",
			Help:      "Count of wake commands dispatched by the schedule worker.",
		}),
	}
}
