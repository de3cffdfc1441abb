package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	plansSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deployd",
		Subsystem: "orchestrator",
		Name:      "plans_submitted_total",
		Help:      "Deployment intents accepted by Submit.",
	})

	planTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployd",
		Subsystem: "orchestrator",
		Name:      "plan_transitions_total",
		Help:      "Plan status transitions applied.",
	}, []string{"to"})

	stepOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployd",
		Subsystem: "orchestrator",
		Name:      "step_outcomes_total",
		Help:      "Step attempts by action and result.",
	}, []string{"action", "result"})

	stepRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deployd",
		Subsystem: "orchestrator",
		Name:      "step_retries_total",
		Help:      "Step retries scheduled after transient or semantic failures.",
	})

	replansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deployd",
		Subsystem: "orchestrator",
		Name:      "replans_total",
		Help:      "Execution plan revisions.",
	})

	activeRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "deployd",
		Subsystem: "orchestrator",
		Name:      "active_runs",
		Help:      "Plan executions currently holding a worker slot.",
	})

	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "deployd",
		Subsystem: "orchestrator",
		Name:      "step_duration_seconds",
		Help:      "Wall time per step attempt.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
	}, []string{"agent"})
)
