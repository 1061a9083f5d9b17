package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordingsTotal counts recorded invocation outcomes.
	// Labels: tool, result (success, failure)
	RecordingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "ledger",
			Name:      "recordings_total",
			Help:      "Total number of invocation outcomes recorded",
		},
		[]string{"tool", "result"},
	)

	// ScoreGauge exposes the current unblended global score per tool.
	ScoreGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "conveyor",
			Subsystem: "ledger",
			Name:      "tool_score",
			Help:      "Current global reliability score per tool",
		},
		[]string{"tool"},
	)

	// ResetsTotal counts operator resets of tool history.
	ResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "ledger",
			Name:      "resets_total",
			Help:      "Total number of tool reliability resets",
		},
	)

	// SavesTotal counts ledger writes.
	// Labels: result (success, error)
	SavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "conveyor",
			Subsystem: "ledger",
			Name:      "saves_total",
			Help:      "Total number of ledger writes",
		},
		[]string{"result"},
	)
)
