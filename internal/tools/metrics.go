package tools

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// InvocationsTotal counts external calls by tool, operation, and
	// outcome.
	InvocationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "tools",
		Name:      "invocations_total",
		Help:      "External tool invocations by tool, operation, and result.",
	}, []string{"tool", "op", "result"})

	// InvokeDuration observes wall time of external calls in seconds.
	InvokeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conveyor",
		Subsystem: "tools",
		Name:      "invoke_duration_seconds",
		Help:      "External tool invocation latency in seconds.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"tool", "op"})

	// PersistFailuresTotal counts ledger or audit writes that failed
	// after an invocation already completed.
	PersistFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "tools",
		Name:      "persist_failures_total",
		Help:      "Reliability or audit records that could not be written.",
	})
)
