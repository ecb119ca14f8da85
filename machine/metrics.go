package machine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric definitions with appropriate labels.
var (
	// TransitionsTotal tracks transitions by machine, edge, and outcome (success/error).
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowstate_transitions_total",
		Help: "Total number of state transitions by machine, from_state, to_state, and outcome",
	}, []string{"machine", "from_state", "to_state", "outcome"})

	// TransitionDuration tracks end-to-end transition time, exit dispatch to entry completion.
	transitionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowstate_transition_duration_seconds",
		Help:    "Duration of state transitions by machine",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"machine"})

	// SnapshotsObserved tracks mutations by how the machine received them.
	snapshotsObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowstate_snapshots_observed_total",
		Help: "Total number of store snapshots observed by machine and disposition (immediate or queued behind lifecycle work)",
	}, []string{"machine", "disposition"})

	// QueueDepth tracks the pending snapshot queue size.
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "flowstate_pending_snapshots",
		Help: "Current depth of the pending snapshot queue by machine",
	}, []string{"machine"})

	// RunsCancelled tracks entry runs cancelled by the stop strategy.
	runsCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowstate_entry_runs_cancelled_total",
		Help: "Total number of entry runs cancelled by the stop strategy, by machine and state",
	}, []string{"machine", "state"})
)

const (
	dispositionImmediate = "immediate"
	dispositionQueued    = "queued"
)
