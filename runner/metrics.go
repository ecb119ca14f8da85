package runner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric definitions with appropriate labels.
var (
	// RunsStarted tracks lifecycle runs launched by engine and label.
	runsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowstate_runner_runs_started_total",
		Help: "Total number of lifecycle runs started by engine and label",
	}, []string{"engine", "label"})

	// RunsFinished tracks run completions by outcome (success, error, stopped, panic).
	runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowstate_runner_runs_finished_total",
		Help: "Total number of lifecycle runs finished by engine, label, and outcome",
	}, []string{"engine", "label", "outcome"})

	// RunDuration tracks end-to-end run execution time.
	runDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowstate_runner_run_duration_seconds",
		Help:    "Duration of lifecycle run execution by engine and label",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"engine", "label"})

	// ActionDuration tracks individual action execution time.
	actionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowstate_runner_action_duration_seconds",
		Help:    "Duration of action execution by engine, label, and action",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"engine", "label", "action"})

	// ActionPanics tracks recovered action panics.
	actionPanics = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flowstate_runner_action_panics_total",
		Help: "Total number of recovered action panics by engine, label, and action",
	}, []string{"engine", "label", "action"})
)

func sanitizeLabel(label string) string {
	if label == "" {
		return "unknown"
	}

	return label
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case isStopped(err):
		return "stopped"
	case isPanic(err):
		return "panic"
	default:
		return "error"
	}
}
