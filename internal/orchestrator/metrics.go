package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IterationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "orchestrator",
		Name:      "iterations_total",
		Help:      "Loop beats by outcome.",
	}, []string{"outcome"})

	PromotionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "orchestrator",
		Name:      "promotions_total",
		Help:      "Proposed goals promoted to active.",
	})

	CompletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "orchestrator",
		Name:      "completions_total",
		Help:      "Goals completed.",
	})

	PermanentFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "orchestrator",
		Name:      "permanent_failures_total",
		Help:      "Permanent tool failures charged against goal budgets.",
	})

	PermanentBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "orchestrator",
		Name:      "permanent_blocks_total",
		Help:      "Goals blocked on an exhausted permanent-failure budget.",
	})

	RestartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "orchestrator",
		Name:      "restarts_total",
		Help:      "Engine rebuilds after an operator restart request.",
	})
)
