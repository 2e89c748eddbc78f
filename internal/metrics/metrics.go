// Package metrics holds the Prometheus instrumentation for the sync core:
// operations applied, merge conflicts resolved, pairing challenge
// lifecycle, peer liveness, and the sliding-window sync-health score.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector exposed by the sync core.
type Metrics struct {
	// oplog / merge engine
	OpsAppliedTotal        *prometheus.CounterVec // by op_type
	OpsRejectedStale       prometheus.Counter     // dropped by LWW/tombstone guard
	MergeConflictsDetected prometheus.Counter
	MergeConflictsResolved prometheus.Counter
	MergeBatchSize         prometheus.Histogram
	MergeLatency           prometheus.Histogram

	// pairing subsystem
	PairingChallengesIssued   prometheus.Counter
	PairingChallengesConsumed prometheus.Counter
	PairingChallengesExpired  prometheus.Counter
	PairingFailuresTotal      *prometheus.CounterVec // by reason

	// peer table / transport
	PeersKnown  prometheus.Gauge
	PeersStale  prometheus.Gauge
	HeartbeatRTT *prometheus.GaugeVec // per peer, seconds
	SendErrors  *prometheus.CounterVec

	// hlc
	ClockDrift *prometheus.GaugeVec // per peer, seconds

	// sync-health scorer (internal/health.Scorer)
	SyncHealthRaw           prometheus.Gauge
	SyncHealthSmoothed      prometheus.Gauge
	SyncHealthComponentRTT  prometheus.Gauge
	SyncHealthComponentAvail prometheus.Gauge
	SyncHealthComponentVar  prometheus.Gauge
	SyncHealthComponentErr  prometheus.Gauge
	SyncHealthComponentClock prometheus.Gauge

	// healing
	PartitionHealingEvents prometheus.Counter
}

// NewMetrics registers and returns the full metric set under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		OpsAppliedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_applied_total",
			Help:      "Total operations applied to the oplog and dispatched to a resolver, by op_type",
		}, []string{"op_type"}),

		OpsRejectedStale: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ops_rejected_stale_total",
			Help:      "Operations dropped by the LWW or tombstone guard because a newer write already won",
		}),

		MergeConflictsDetected: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_conflicts_detected_total",
			Help:      "Total conflicting writes observed on the same row",
		}),

		MergeConflictsResolved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_conflicts_resolved_total",
			Help:      "Total conflicts resolved via last-writer-wins",
		}),

		MergeBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_batch_size",
			Help:      "Size of operation batches passed to merge()",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),

		MergeLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "merge_latency_seconds",
			Help:      "Latency of merge() transactions",
			Buckets:   prometheus.DefBuckets,
		}),

		PairingChallengesIssued: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_challenges_issued_total",
			Help:      "Total pairing challenges created",
		}),

		PairingChallengesConsumed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_challenges_consumed_total",
			Help:      "Total pairing challenges successfully consumed",
		}),

		PairingChallengesExpired: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_challenges_expired_total",
			Help:      "Total pairing challenges that hit their TTL unconsumed",
		}),

		PairingFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pairing_failures_total",
			Help:      "Total pairing validation failures, by reason",
		}, []string{"reason"}),

		PeersKnown: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_known",
			Help:      "Number of peers currently in the peer table",
		}),

		PeersStale: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_stale",
			Help:      "Number of peers not seen within 3x the heartbeat interval",
		}),

		HeartbeatRTT: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeat_rtt_seconds",
			Help:      "Last observed heartbeat round-trip time per peer",
		}, []string{"peer"}),

		SendErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Transport send failures by peer",
		}, []string{"peer"}),

		ClockDrift: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "clock_drift_seconds",
			Help:      "Observed HLC physical-time drift against a peer",
		}, []string{"peer"}),

		SyncHealthRaw: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_health_raw",
			Help:      "Unsmoothed sync-health score in [0,1]",
		}),
		SyncHealthSmoothed: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_health_smoothed",
			Help:      "Moving-average sync-health score in [0,1]",
		}),
		SyncHealthComponentRTT: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_health_component_rtt",
			Help:      "RTT health component of the sync-health score",
		}),
		SyncHealthComponentAvail: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_health_component_availability",
			Help:      "Availability health component of the sync-health score",
		}),
		SyncHealthComponentVar: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_health_component_variance",
			Help:      "RTT variance health component of the sync-health score",
		}),
		SyncHealthComponentErr: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_health_component_error",
			Help:      "Send-error health component of the sync-health score",
		}),
		SyncHealthComponentClock: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_health_component_clock",
			Help:      "Clock-drift health component of the sync-health score",
		}),

		PartitionHealingEvents: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partition_healing_events_total",
			Help:      "Total times a previously-stale peer was observed live again",
		}),
	}
}

// SyncHealthComponents mirrors health.ScoreComponents without importing the
// health package, which itself imports metrics (avoiding a cycle).
type SyncHealthComponents struct {
	RTT, Avail, Var, Error, Clock float64
}

// SetSyncHealth updates the sync-health gauges after a Scorer.Score() call.
func (m *Metrics) SetSyncHealth(raw, smoothed float64, c SyncHealthComponents) {
	m.SyncHealthRaw.Set(raw)
	m.SyncHealthSmoothed.Set(smoothed)
	m.SyncHealthComponentRTT.Set(c.RTT)
	m.SyncHealthComponentAvail.Set(c.Avail)
	m.SyncHealthComponentVar.Set(c.Var)
	m.SyncHealthComponentErr.Set(c.Error)
	m.SyncHealthComponentClock.Set(c.Clock)
}
