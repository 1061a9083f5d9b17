package gate

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BranchesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "gate",
		Name:      "branches_created_total",
		Help:      "Branches created and pushed for goals.",
	})

	PRsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "gate",
		Name:      "prs_opened_total",
		Help:      "Pull requests opened for goals.",
	})

	PollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "gate",
		Name:      "polls_total",
		Help:      "Gate polls by check (ci, pr) and observed verdict.",
	}, []string{"check", "verdict"})

	MergeRequestsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "gate",
		Name:      "merge_requests_total",
		Help:      "Merge requests sent after the green debounce.",
	})

	MergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "gate",
		Name:      "merges_total",
		Help:      "Pull requests observed merged.",
	})

	RedBudgetExhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "gate",
		Name:      "red_budget_exhausted_total",
		Help:      "Goals blocked after exhausting the CI red retry budget.",
	})
)
