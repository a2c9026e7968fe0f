package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Entry outcome labels.
const (
	OutcomeProcessed  = "processed"
	OutcomeDuplicate  = "duplicate"
	OutcomeDeadLetter = "dead_letter"
)

var (
	// StreamLag tracks delivered-but-unacknowledged entries per consumer
	// group, sampled once per poll cycle.
	StreamLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "eventcore_stream_lag",
			Help: "Pending (delivered, unacknowledged) entries for a consumer group",
		},
		[]string{"stream", "group"},
	)

	EntriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "eventcore_entries_total",
			Help: "Stream entries handled, by terminal outcome",
		},
		[]string{"stream", "outcome"},
	)

	// Snapshot metrics
	SnapshotsTakenTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "eventcore_snapshots_taken_total",
			Help: "Total number of aggregate snapshots written",
		},
	)

	SnapshotLastTakenTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "eventcore_snapshot_last_taken_timestamp_seconds",
			Help: "Unix time of the most recent snapshot",
		},
	)

	SnapshotDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "eventcore_snapshot_duration_seconds",
			Help:    "Time spent folding and writing a snapshot",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
)
