// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FramesTotal counts link-layer frames taken from the frame source
	FramesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cilab_uplink_frames_total",
			Help: "Total number of uplink frames received",
		},
	)

	// FrameBytesTotal counts payload bytes of received frames
	FrameBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cilab_uplink_frame_bytes_total",
			Help: "Total number of uplink frame payload bytes received",
		},
	)

	// IngestPacketsTotal counts successfully decoded messages
	IngestPacketsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cilab_ingest_packets_total",
			Help: "Total number of uplink messages decoded",
		},
	)

	// IngestErrorsTotal counts ingest failures by kind
	IngestErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cilab_ingest_errors_total",
			Help: "Total number of uplink ingest errors",
		},
		[]string{"kind"},
	)

	// MessagesPublishedTotal counts messages accepted by the software bus
	MessagesPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cilab_uplink_messages_published_total",
			Help: "Total number of uplink messages published to the bus",
		},
	)

	// ReassemblyBufferedBytes tracks the content length of the reassembly buffer
	ReassemblyBufferedBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cilab_reassembly_buffered_bytes",
			Help: "Bytes currently held in the uplink reassembly buffer",
		},
	)

	// PollDurationSeconds measures one pump invocation
	PollDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cilab_uplink_poll_duration_seconds",
			Help:    "Duration of one uplink poll cycle in seconds",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
	)

	// LinkRSSI tracks the last signal strength seen per sender
	LinkRSSI = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cilab_link_rssi",
			Help: "Last received signal strength per sender node",
		},
		[]string{"sender"},
	)

	// SourceDropsTotal counts frames dropped before reaching the pump
	SourceDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cilab_source_drops_total",
			Help: "Total number of frames dropped by a frame source",
		},
		[]string{"source", "reason"},
	)

	// BusDeliveredTotal counts packets delivered by the bus per message id
	BusDeliveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cilab_bus_delivered_total",
			Help: "Total number of packets delivered to bus subscribers",
		},
		[]string{"msg_id"},
	)

	// HousekeepingPublishedTotal counts housekeeping packets sent
	HousekeepingPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "cilab_housekeeping_published_total",
			Help: "Total number of housekeeping packets published",
		},
	)
)
