// Package metrics exposes Prometheus instrumentation for a peer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Role = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ordercluster",
		Subsystem: "peer",
		Name:      "is_leader",
		Help:      "Whether this node currently holds the Leader role (1=leader, 0=follower).",
	})

	Epoch = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ordercluster",
		Subsystem: "peer",
		Name:      "epoch",
		Help:      "Current epoch.",
	})

	ExpectedSeq = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ordercluster",
		Subsystem: "replica",
		Name:      "expected_seq",
		Help:      "Next sequence number this replica expects to deliver.",
	})

	DeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ordercluster",
		Subsystem: "replica",
		Name:      "delivered_total",
		Help:      "Total payload records delivered to the application sink.",
	})

	OutOfOrderBufferSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ordercluster",
		Subsystem: "replica",
		Name:      "out_of_order_buffer_size",
		Help:      "Current size of the out-of-order buffer.",
	})

	ResendRequestsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ordercluster",
		Subsystem: "replica",
		Name:      "resend_requests_sent_total",
		Help:      "Total RESEND_REQUEST messages sent by this peer as a follower.",
	})

	SequencedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ordercluster",
		Subsystem: "sequencer",
		Name:      "sequenced_total",
		Help:      "Total payloads assigned a sequence number by this peer as Leader.",
	})

	DuplicatePayloadsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ordercluster",
		Subsystem: "sequencer",
		Name:      "duplicate_payloads_dropped_total",
		Help:      "Total NEW_ORDER submissions dropped as duplicates by payload_id.",
	})

	ConnectedFollowers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ordercluster",
		Subsystem: "sequencer",
		Name:      "connected_followers",
		Help:      "Number of followers currently connected to this Leader's stream transport.",
	})

	ElectionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ordercluster",
		Subsystem: "election",
		Name:      "started_total",
		Help:      "Total Bully elections this peer has initiated.",
	})

	ElectionsWon = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ordercluster",
		Subsystem: "election",
		Name:      "won_total",
		Help:      "Total elections this peer won (became Leader).",
	})

	HeartbeatsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ordercluster",
		Subsystem: "detector",
		Name:      "heartbeats_sent_total",
		Help:      "Total LEADER_ALIVE packets sent.",
	})

	LeaderTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ordercluster",
		Subsystem: "detector",
		Name:      "leader_timeouts_total",
		Help:      "Total times this peer declared its bound Leader dead.",
	})

	WALWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ordercluster",
		Subsystem: "wal",
		Name:      "writes_total",
		Help:      "Total WAL record appends.",
	})

	WALRecordsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ordercluster",
		Subsystem: "wal",
		Name:      "records_total",
		Help:      "Total records currently in the WAL.",
	})

	DatagramsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ordercluster",
		Subsystem: "datagram",
		Name:      "sent_total",
		Help:      "Total datagram bus messages sent, by type.",
	}, []string{"type"})

	DatagramsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ordercluster",
		Subsystem: "datagram",
		Name:      "received_total",
		Help:      "Total datagram bus messages received, by type.",
	}, []string{"type"})
)
