package goals

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GoalsByStatus tracks the number of goals per status.
	// Labels: status (proposed, active, blocked, completed, abandoned)
	GoalsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "conveyor",
			Subsystem: "goals",
			Name:      "total",
			Help:      "Number of goals by status",
		},
		[]string{"status"},
	)

	// TransitionsTotal counts status transitions.
	// Labels: from, to
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "goals",
			Name:      "transitions_total",
			Help:      "Total number of goal status transitions",
		},
		[]string{"from", "to"},
	)

	// CreatedTotal counts goal creations by source.
	CreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "goals",
			Name:      "created_total",
			Help:      "Total number of goals created",
		},
		[]string{"source"},
	)

	// DuplicatesTotal counts creations rejected as duplicates.
	DuplicatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "goals",
			Name:      "duplicates_total",
			Help:      "Total number of goal creations rejected as duplicates",
		},
	)

	// QuarantinedTotal counts records quarantined on load.
	QuarantinedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "goals",
			Name:      "quarantined_total",
			Help:      "Total number of persisted goal records quarantined on load",
		},
	)

	// SavesTotal counts store writes.
	// Labels: result (success, error)
	SavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "goals",
			Name:      "saves_total",
			Help:      "Total number of goal store writes",
		},
		[]string{"result"},
	)
)

// updateStatusGauges resets GoalsByStatus from the full goal map so
// the gauge never drifts from the store.
func updateStatusGauges(goals map[string]*Goal) {
	counts := make(map[Status]int, len(allStatuses))
	for _, g := range goals {
		counts[g.Status]++
	}
	for _, st := range allStatuses {
		GoalsByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
