// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts finished requests by outcome.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netconverge_requests_total",
		Help: "Finished remediation requests by outcome",
	}, []string{"outcome"})

	// StateTransitions counts orchestrator transitions.
	StateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netconverge_state_transitions_total",
		Help: "Orchestrator state transitions",
	}, []string{"from", "to"})

	// TasksTotal counts dispatched tasks by kind and result.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netconverge_tasks_total",
		Help: "Dispatched device tasks by kind and result",
	}, []string{"kind", "result"})

	// TaskDuration tracks device task latency.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "netconverge_task_duration_seconds",
		Help:    "Device task duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
	}, []string{"kind"})

	// DriftRecords counts check verdicts by classification.
	DriftRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netconverge_drift_records_total",
		Help: "Convergence check verdicts by classification",
	}, []string{"classification"})

	// RemediationAttempts tracks how many remediation passes a drifted request needed.
	RemediationAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "netconverge_remediation_attempts",
		Help:    "Remediation passes per drifted request",
		Buckets: []float64{1, 2, 3, 4, 5, 8},
	})

	// Notifications counts report deliveries by backend and result.
	Notifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netconverge_notifications_total",
		Help: "Report notifications by backend and result",
	}, []string{"backend", "result"})

	// RetriesTotal counts transport retries at the device boundary.
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "netconverge_transport_retries_total",
		Help: "Transport retries against devices",
	}, []string{"device"})
)

// Result maps an error to the result label.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ObserveTask records one finished task.
func ObserveTask(kind string, d time.Duration, err error) {
	TasksTotal.WithLabelValues(kind, Result(err)).Inc()
	TaskDuration.WithLabelValues(kind).Observe(d.Seconds())
}
