package cleanup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SweepsTotal counts cleanup sweeps.
	// Labels: result (success, partial, error)
	SweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ctxvault",
			Subsystem: "cleanup",
			Name:      "sweeps_total",
			Help:      "Total number of retention sweeps",
		},
		[]string{"result"},
	)

	// DeletedTotal counts archives removed by retention.
	DeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ctxvault",
			Subsystem: "cleanup",
			Name:      "deleted_total",
			Help:      "Total number of expired archives deleted",
		},
	)

	// FreedBytesTotal counts compressed bytes released by retention.
	FreedBytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ctxvault",
			Subsystem: "cleanup",
			Name:      "freed_bytes_total",
			Help:      "Total compressed bytes freed by retention sweeps",
		},
	)

	// ItemErrorsTotal counts per-archive failures captured during sweeps.
	ItemErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ctxvault",
			Subsystem: "cleanup",
			Name:      "item_errors_total",
			Help:      "Total number of per-archive failures during retention sweeps",
		},
	)
)

func recordSweep(res *Result) {
	switch {
	case len(res.Errors) > 0:
		SweepsTotal.WithLabelValues("partial").Inc()
	default:
		SweepsTotal.WithLabelValues("success").Inc()
	}
	ItemErrorsTotal.Add(float64(len(res.Errors)))
	if res.DryRun {
		return
	}
	DeletedTotal.Add(float64(res.ProcessedCount))
	FreedBytesTotal.Add(float64(res.FreedBytes))
}
