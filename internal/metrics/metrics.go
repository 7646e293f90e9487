package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quiz_sessions_active",
			Help: "Number of live sessions held by the registry",
		},
	)

	sessionsCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quiz_sessions_created_total",
			Help: "Total number of sessions created",
		},
	)

	sessionsReapedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiz_sessions_reaped_total",
			Help: "Total number of sessions removed by the idle reaper",
		},
		[]string{"reason"},
	)

	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiz_state_transitions_total",
			Help: "State machine transitions by target status",
		},
		[]string{"status"},
	)

	submissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiz_submissions_total",
			Help: "Answer submissions by outcome",
		},
		[]string{"outcome"},
	)

	resultsPersistTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quiz_results_persist_total",
			Help: "Result persistence attempts by outcome",
		},
		[]string{"status"},
	)

	finalizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quiz_finalize_duration_seconds",
			Help:    "Time spent persisting final results",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
	)
)

// SessionCreated records a new live session.
func SessionCreated() {
	sessionsCreatedTotal.Inc()
	sessionsActive.Inc()
}

// SessionRemoved records an eviction from the registry.
func SessionRemoved() {
	sessionsActive.Dec()
}

// SessionReaped records a reaper eviction.
func SessionReaped(reason string) {
	sessionsReapedTotal.WithLabelValues(reason).Inc()
}

// RecordTransition counts a move into status.
func RecordTransition(status string) {
	transitionsTotal.WithLabelValues(status).Inc()
}

// RecordSubmission counts a submission by outcome (correct, incorrect, late, or a rejection reason).
func RecordSubmission(outcome string) {
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// RecordPersist records the outcome of finalize persistence.
func RecordPersist(success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	resultsPersistTotal.WithLabelValues(status).Inc()
	finalizeDuration.Observe(duration.Seconds())
}
