package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ForeignWritesTotal counts state-file modifications made outside
// this process, by file name.
var ForeignWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "conveyor",
	Subsystem: "monitor",
	Name:      "foreign_writes_total",
	Help:      "State files modified by something other than this process.",
}, []string{"file"})
