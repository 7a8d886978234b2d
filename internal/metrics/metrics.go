// Package metrics holds the control plane's own Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchTotal counts collector fetches by source and outcome.
	FetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "collector",
		Name:      "fetch_total",
		Help:      "Collector fetches by source and outcome",
	}, []string{"source", "status"})

	// ReconcileCycles counts applied reconciliation batches by source.
	ReconcileCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "reconciler",
		Name:      "cycles_total",
		Help:      "Reconciliation batches applied by source",
	}, []string{"source"})

	// ReconcileChanges counts entity changes produced by reconciliation.
	ReconcileChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "reconciler",
		Name:      "changes_total",
		Help:      "Entity changes by source and kind (create, tombstone, revive)",
	}, []string{"source", "kind"})

	// MappingDecisions counts mapping engine outcomes.
	MappingDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fleetd",
		Subsystem: "mapping",
		Name:      "decisions_total",
		Help:      "Mapping engine outcomes (mapped, skipped_ambiguous, skipped_manual, skipped_sticky, unmapped)",
	}, []string{"outcome"})

	// TasksByStatus tracks the current task counts per status.
	TasksByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fleetd",
		Subsystem: "orchestrator",
		Name:      "tasks",
		Help:      "Tasks currently in each status",
	}, []string{"status"})

	// TaskDuration measures wall time of finished tasks by kind and outcome.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fleetd",
		Subsystem: "orchestrator",
		Name:      "task_duration_seconds",
		Help:      "Task wall time by kind and final status",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"kind", "status"})

	// DrainWait measures how long the drain phase held before proceeding.
	DrainWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fleetd",
		Subsystem: "orchestrator",
		Name:      "drain_wait_seconds",
		Help:      "Seconds spent waiting for HAProxy sessions to drain",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})
)
