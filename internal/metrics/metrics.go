// Package metrics provides Prometheus metrics for the campaign engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EnrollmentsTotal counts enrollments created by trigger kind.
	EnrollmentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaycrm",
			Subsystem: "campaign",
			Name:      "enrollments_total",
			Help:      "Total number of enrollments created, by trigger kind",
		},
		[]string{"trigger"},
	)

	// EnrollmentsFinished counts enrollments reaching a terminal status.
	EnrollmentsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaycrm",
			Subsystem: "campaign",
			Name:      "enrollments_finished_total",
			Help:      "Total number of enrollments reaching a terminal status",
		},
		[]string{"status"}, // "completed", "failed", "cancelled"
	)

	// StepAttemptsTotal counts node evaluations by node kind and outcome.
	StepAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaycrm",
			Subsystem: "campaign",
			Name:      "step_attempts_total",
			Help:      "Total number of node evaluations by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// SendsTotal counts outbound channel sends by result class.
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaycrm",
			Subsystem: "campaign",
			Name:      "sends_total",
			Help:      "Total outbound message sends by result",
		},
		[]string{"result"}, // "ok", "transient", "permanent"
	)

	// TickDuration tracks scheduler tick duration.
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relaycrm",
			Subsystem: "campaign",
			Name:      "tick_duration_seconds",
			Help:      "Scheduler tick duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		},
	)

	// ClaimConflicts counts claims lost to a concurrent scheduler instance.
	ClaimConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relaycrm",
			Subsystem: "campaign",
			Name:      "claim_conflicts_total",
			Help:      "Enrollment claims skipped because another worker holds the lease",
		},
	)

	// DueBacklog tracks the number of due enrollments seen at tick start.
	DueBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relaycrm",
			Subsystem: "campaign",
			Name:      "due_backlog",
			Help:      "Due enrollments selected at the start of the last tick",
		},
	)

	// SSEActiveConnections tracks active attempt-stream connections.
	SSEActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "relaycrm",
			Subsystem: "campaign",
			Name:      "sse_active_connections",
			Help:      "Number of active SSE attempt-stream connections",
		},
	)

	// HTTPRequestsTotal counts HTTP requests.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaycrm",
			Subsystem: "campaign",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request latency.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relaycrm",
			Subsystem: "campaign",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"method", "path"},
	)
)
