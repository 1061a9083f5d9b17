package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conveyor",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Admin API requests, by method, route and status.",
	}, []string{"method", "path", "status"})

	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conveyor",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Admin API request latency, by method and route.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
	}, []string{"method", "path"})

	EventStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conveyor",
		Subsystem: "http",
		Name:      "event_streams_active",
		Help:      "Currently connected SSE subscribers.",
	})
)
