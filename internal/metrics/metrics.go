// Package metrics exposes the prometheus instruments the audit engine
// reports through /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsRecorded counts successfully appended audit events.
	EventsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trailkeep_events_recorded_total",
		Help: "Audit events appended to the chain.",
	}, []string{"action"})

	// RecordFailures counts appends that could not be persisted and went
	// to the dead-letter buffer instead.
	RecordFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trailkeep_record_failures_total",
		Help: "Audit appends deferred to the retry buffer.",
	})

	// DeadLetterDepth is the current number of entries waiting for retry.
	DeadLetterDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trailkeep_dead_letter_depth",
		Help: "Entries currently parked in the dead-letter buffer.",
	})

	// DeadLetterDropped counts entries evicted from a full buffer.
	DeadLetterDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trailkeep_dead_letter_dropped_total",
		Help: "Entries dropped because the dead-letter buffer was full.",
	})

	// SequenceConflicts counts append retries caused by tip races.
	SequenceConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trailkeep_sequence_conflicts_total",
		Help: "Appends retried after a sequence collision.",
	})

	// VerificationRuns counts integrity scans, partitioned by outcome.
	VerificationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trailkeep_verification_runs_total",
		Help: "Chain verification scans.",
	}, []string{"result"})

	// EventsPruned counts events removed by the retention manager.
	EventsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trailkeep_events_pruned_total",
		Help: "Audit events archived and deleted under retention.",
	})
)
