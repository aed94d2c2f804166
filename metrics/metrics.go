// Package metrics defines the prometheus metric types exported across
// the pipeline and gives each stage a ready-made counter or gauge to
// call into, rather than rolling its own bookkeeping, the Go
// counterpart of the read/write handlers Click elements like
// SFMaker and NICScheduler expose for runtime introspection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReordererDroppedPackets counts packets tcpreorder discards
	// because they overlap data already delivered downstream after a
	// gap, rather than being retained for redelivery.
	ReordererDroppedPackets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "middlebox_reorderer_dropped_packets_total",
			Help: "packets discarded by the TCP reorderer because a retransmission split them differently than expected",
		},
	)

	// ReordererPending tracks how many packets are buffered waiting
	// for a sequence gap to close, sampled per flow.
	ReordererPending = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "middlebox_reorderer_pending_packets",
			Help:    "packets held by the TCP reorderer waiting on a gap, sampled per flow",
			Buckets: prometheus.LinearBuckets(0, 2, 10),
		},
	)

	// RetransmitterFires counts retransmission timer expirations.
	RetransmitterFires = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "middlebox_retransmitter_timer_fires_total",
			Help: "number of times the retransmission timer fired and resent unacknowledged data",
		},
	)

	// SFMakerActiveFlows tracks how many flows currently hold a
	// buffered, undrained burst in SFMaker.
	SFMakerActiveFlows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "middlebox_sfmaker_active_flows",
			Help: "flows with a currently buffered superframe burst",
		},
	)

	// SFMakerPacketsSent counts packets SFMaker has released downstream.
	SFMakerPacketsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "middlebox_sfmaker_packets_sent_total",
			Help: "packets released by SFMaker, across all flows",
		},
	)

	// SFMakerSuperframes counts how many drain passes produced at
	// least one merged burst.
	SFMakerSuperframes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "middlebox_sfmaker_superframes_total",
			Help: "drain passes that emitted at least one merged burst",
		},
	)

	// SFMakerAcksCompressed counts redundant pure-ACK packets dropped
	// by SFMaker's optional protocol compressor.
	SFMakerAcksCompressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "middlebox_sfmaker_acks_compressed_total",
			Help: "redundant pure ACK packets dropped by SFMaker's TCP protocol compressor",
		},
	)

	// NICSchedulerRebalances counts how many times the NIC scheduler
	// reprogrammed the RSS indirection table to rebalance load.
	NICSchedulerRebalances = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "middlebox_nicscheduler_rebalances_total",
			Help: "RSS indirection table reprogramming events triggered by the NIC scheduler's control loop",
		},
	)

	// NICSchedulerImbalance tracks the sum of squared per-core load
	// imbalances against target that the NIC scheduler's RSS++ control
	// loop computed on its last tick.
	NICSchedulerImbalance = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "middlebox_nicscheduler_imbalance_ratio",
			Help: "sum of squared per-core load imbalances against target, as last computed by the NIC scheduler",
		},
	)
)
