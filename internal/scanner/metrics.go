package scanner

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "scanner",
		Name:      "scans_total",
		Help:      "Completed health-scan passes.",
	})

	SignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "scanner",
		Name:      "signals_total",
		Help:      "Health signals gathered, by kind.",
	}, []string{"kind"})

	GoalsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "scanner",
		Name:      "goals_created_total",
		Help:      "Goals proposed from signals, by kind.",
	}, []string{"kind"})

	DuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "scanner",
		Name:      "duplicates_total",
		Help:      "Signals skipped because an open goal already covers them.",
	})

	SourceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "scanner",
		Name:      "source_errors_total",
		Help:      "Signal source failures, by tool.",
	}, []string{"tool"})
)
