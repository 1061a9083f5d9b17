package events

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PublishedTotal counts lifecycle events by type.
	PublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Lifecycle events published to the bus by type.",
	}, []string{"type"})

	// PublishErrorsTotal counts events that could not be published.
	PublishErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "events",
		Name:      "publish_errors_total",
		Help:      "Lifecycle events that failed to publish.",
	})
)
