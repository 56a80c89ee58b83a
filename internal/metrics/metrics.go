// Package metrics exposes the Prometheus instruments for the command path,
// redirect handling and the gossip bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CommandsTotal counts processed commands by name and outcome.
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aikv",
		Name:      "commands_total",
		Help:      "Commands processed, labelled by command name and status.",
	}, []string{"cmd", "status"})

	// CommandDuration observes per-command handling latency.
	CommandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aikv",
		Name:      "command_duration_seconds",
		Help:      "Command handling latency.",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
	}, []string{"cmd"})

	// RedirectsTotal counts cluster redirects served to clients.
	RedirectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aikv",
		Name:      "redirects_total",
		Help:      "Cluster redirects, labelled moved, ask, crossslot or clusterdown.",
	}, []string{"kind"})

	// GossipMessagesSent counts outbound cluster bus frames by kind.
	GossipMessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aikv",
		Subsystem: "gossip",
		Name:      "messages_sent_total",
		Help:      "Gossip frames written to the cluster bus.",
	}, []string{"kind"})

	// GossipMessagesReceived counts inbound cluster bus frames by kind.
	GossipMessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aikv",
		Subsystem: "gossip",
		Name:      "messages_received_total",
		Help:      "Gossip frames read from the cluster bus.",
	}, []string{"kind"})

	// GossipFramesDropped counts malformed or truncated frames.
	GossipFramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "aikv",
		Subsystem: "gossip",
		Name:      "frames_dropped_total",
		Help:      "Cluster bus frames dropped as malformed.",
	})

	// NodesKnown tracks the size of the local membership view.
	NodesKnown = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aikv",
		Subsystem: "cluster",
		Name:      "nodes_known",
		Help:      "Nodes in the local membership view, self included.",
	})

	// SlotsAssigned tracks how many of the 16384 slots have an owner in
	// the local view.
	SlotsAssigned = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aikv",
		Subsystem: "cluster",
		Name:      "slots_assigned",
		Help:      "Hash slots with a known owner.",
	})

	// SlotsOwned tracks how many slots this node serves.
	SlotsOwned = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aikv",
		Subsystem: "cluster",
		Name:      "slots_owned",
		Help:      "Hash slots owned by this node.",
	})

	// MigratedKeysTotal counts keys moved between nodes during slot
	// migration, labelled by result.
	MigratedKeysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aikv",
		Subsystem: "migrate",
		Name:      "keys_total",
		Help:      "Keys processed by the migration worker.",
	}, []string{"result"})

	// KeysStored tracks the number of keys in the local engine.
	KeysStored = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aikv",
		Name:      "keys_stored",
		Help:      "Keys held by the local storage engine.",
	})
)
