package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ContextsByLevel tracks live contexts per health level after each pass.
	// Labels: level (excellent, good, warning, critical)
	ContextsByLevel = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ctxvault",
			Subsystem: "health",
			Name:      "contexts",
			Help:      "Live contexts by health level at the last evaluation",
		},
		[]string{"level"},
	)

	// EvaluationDuration tracks how long a full evaluation pass takes.
	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ctxvault",
			Subsystem: "health",
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of background health evaluation passes in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// EvaluationsTotal counts evaluation passes.
	// Labels: result (success, error)
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ctxvault",
			Subsystem: "health",
			Name:      "evaluations_total",
			Help:      "Total number of background health evaluation passes",
		},
		[]string{"result"},
	)

	// MaintenanceActions counts maintenance actions taken.
	// Labels: action
	MaintenanceActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ctxvault",
			Subsystem: "health",
			Name:      "maintenance_actions_total",
			Help:      "Total number of maintenance actions by kind",
		},
		[]string{"action"},
	)

	// ArchiveChecks counts archive integrity checks.
	// Labels: result (ok, corrupt, error)
	ArchiveChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ctxvault",
			Subsystem: "health",
			Name:      "archive_checks_total",
			Help:      "Total number of archive integrity checks",
		},
		[]string{"result"},
	)

	// SchedulerRunning is 1 while the background scheduler runs.
	SchedulerRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ctxvault",
			Subsystem: "health",
			Name:      "scheduler_running",
			Help:      "Whether the background health scheduler is running (1) or not (0)",
		},
	)
)

func updateLevelGauges(byLevel map[Level]int) {
	for _, l := range Levels {
		ContextsByLevel.WithLabelValues(string(l)).Set(float64(byLevel[l]))
	}
}
