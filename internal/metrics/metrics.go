// Package metrics defines the Prometheus metrics of the relay and the line.
// Each set is registered on a caller-supplied registry so tests stay isolated.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Relay holds collector and forwarder metrics
type Relay struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	PacketsReceived   *prometheus.CounterVec // by type
	FramesDropped     *prometheus.CounterVec // by reason
	Forwarded         *prometheus.CounterVec // by type, result
	ForwardRetries    prometheus.Counter
	ForwardLatency    *prometheus.HistogramVec // by type
}

// NewRelay creates and registers relay metrics on reg
func NewRelay(reg prometheus.Registerer) *Relay {
	m := &Relay{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "collector_connections_active",
			Help: "Number of station connections currently open",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_connections_total",
			Help: "Total station connections accepted",
		}),
		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_packets_received_total",
			Help: "Parsed telemetry packets by declared type",
		}, []string{"type"}),
		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_frames_dropped_total",
			Help: "Discarded frames by reason",
		}, []string{"reason"}),
		Forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "collector_forwarded_total",
			Help: "Backend deliveries by packet type and result",
		}, []string{"type", "result"}),
		ForwardRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "collector_forward_retries_total",
			Help: "Additional delivery attempts after a failed POST",
		}),
		ForwardLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "collector_forward_duration_seconds",
			Help:    "Time spent delivering one packet, including retries",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectionsActive,
			m.ConnectionsTotal,
			m.PacketsReceived,
			m.FramesDropped,
			m.Forwarded,
			m.ForwardRetries,
			m.ForwardLatency,
		)
	}
	return m
}

// Line holds station production metrics
type Line struct {
	UnitsProduced     *prometheus.CounterVec // by station, result (good/bad)
	StatusTransitions *prometheus.CounterVec // by station, status
	QueueDepth        *prometheus.GaugeVec   // by queue
	WorkOrders        *prometheus.CounterVec // by station, outcome
}

// NewLine creates and registers line metrics on reg
func NewLine(reg prometheus.Registerer) *Line {
	m := &Line{
		UnitsProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "station_units_total",
			Help: "Units attempted by station and result",
		}, []string{"station", "result"}),
		StatusTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "station_status_transitions_total",
			Help: "Reported status changes by station and new status",
		}, []string{"station", "status"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "line_queue_depth",
			Help: "Tokens waiting in each hand-off queue",
		}, []string{"queue"}),
		WorkOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "station_work_orders_total",
			Help: "Finished work orders by station and outcome (completed/timeout)",
		}, []string{"station", "outcome"}),
	}

	if reg != nil {
		reg.MustRegister(m.UnitsProduced, m.StatusTransitions, m.QueueDepth, m.WorkOrders)
	}
	return m
}
