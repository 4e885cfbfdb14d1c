// Package telemetry registers the node's Prometheus metrics. The node
// increments them from its hook points; exporters scrape the registry
// supplied by the embedding process.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the node's metric set.
type Metrics struct {
	WritesTotal       prometheus.Counter
	MergesTotal       prometheus.Counter
	BroadcastsTotal   prometheus.Counter
	SessionsTotal     prometheus.Counter
	SessionFailures   prometheus.Counter
	ProofFailures     prometheus.Counter
	TombstonesDropped prometheus.Counter
	Entries           prometheus.Gauge
	ActivePeers       prometheus.Gauge
	AliveMembers      prometheus.Gauge
}

// New builds and registers the metric set. A nil registerer leaves the
// metrics unregistered, which tests use.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		WritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merkleflow", Name: "writes_total",
			Help: "Local writes accepted by the store.",
		}),
		MergesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merkleflow", Name: "merges_total",
			Help: "Remote merges applied by the store.",
		}),
		BroadcastsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merkleflow", Name: "broadcasts_total",
			Help: "Hot-key push deltas originated.",
		}),
		SessionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merkleflow", Name: "ae_sessions_total",
			Help: "Anti-entropy sessions initiated.",
		}),
		SessionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merkleflow", Name: "ae_session_failures_total",
			Help: "Anti-entropy sessions that failed or were refused.",
		}),
		ProofFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merkleflow", Name: "proof_failures_total",
			Help: "Range proofs that failed verification.",
		}),
		TombstonesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "merkleflow", Name: "tombstones_dropped_total",
			Help: "Tombstones physically removed by compaction.",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "merkleflow", Name: "entries",
			Help: "Entries currently indexed, tombstoned included.",
		}),
		ActivePeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "merkleflow", Name: "active_peers",
			Help: "Peers in the overlay's active view.",
		}),
		AliveMembers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "merkleflow", Name: "alive_members",
			Help: "Members currently believed Alive.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.WritesTotal, m.MergesTotal, m.BroadcastsTotal,
			m.SessionsTotal, m.SessionFailures, m.ProofFailures,
			m.TombstonesDropped, m.Entries, m.ActivePeers, m.AliveMembers,
		)
	}
	return m
}
