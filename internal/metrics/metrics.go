// Package metrics registers the prometheus collectors used for runtime
// observability across the mesh stack. None of these counters have any
// semantic effect on protocol behavior (spec.md 4.7: "hooks for
// observability, no semantic effect").
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// PacketsSent counts packets handed to an Interface's outbox, by
	// schema id.
	PacketsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "micropycelium_packets_sent_total",
		Help: "Packets handed to an interface outbox, by schema id.",
	}, []string{"schema_id"})

	// PacketsDropped counts packets dropped at decode or forwarding time,
	// tagged with the reason (bad_version, checksum, no_route, ttl, ...).
	PacketsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "micropycelium_packets_dropped_total",
		Help: "Packets dropped, by reason.",
	}, []string{"reason"})

	// PacketsForwarded counts packets relayed toward a tree-addressed
	// destination rather than delivered locally.
	PacketsForwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "micropycelium_packets_forwarded_total",
		Help: "Packets forwarded toward a routed destination.",
	})

	// SequencesCompleted counts reassembled sequences delivered to an
	// application.
	SequencesCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "micropycelium_sequences_completed_total",
		Help: "Sequences that reassembled successfully.",
	})

	// SequencesAbandoned counts reassembly contexts dropped after
	// exhausting their RTX retry budget.
	SequencesAbandoned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "micropycelium_sequences_abandoned_total",
		Help: "Sequences abandoned after exhausting RTX retries.",
	})

	// PeersKnown is a gauge of currently tracked peers.
	PeersKnown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "micropycelium_peers_known",
		Help: "Number of peers currently tracked by the Packager.",
	})

	// InterfaceQueueDepth tracks inbox/outbox/castbox depth per interface.
	InterfaceQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "micropycelium_interface_queue_depth",
		Help: "Depth of an interface's bounded deques.",
	}, []string{"interface_id", "queue"})
)

// MustRegister registers all collectors against reg. Call once at
// process startup with a prometheus.Registry (or prometheus.DefaultRegisterer).
func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		PacketsSent,
		PacketsDropped,
		PacketsForwarded,
		SequencesCompleted,
		SequencesAbandoned,
		PeersKnown,
		InterfaceQueueDepth,
	)
}
