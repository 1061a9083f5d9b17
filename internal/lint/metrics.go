package lint

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ScansTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "lint",
		Name:      "scans_total",
		Help:      "Completed secret scans.",
	})

	FindingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "lint",
		Name:      "findings_total",
		Help:      "Secret findings by rule (first per file per scan).",
	}, []string{"rule"})
)
