package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for zkelect.
// Using promauto for automatic registration with default registry.
var (
	// --- Election Metrics ---

	// LeadershipStatus is 0 for candidate, 1 for watching, 2 for leader.
	LeadershipStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zkelect",
			Subsystem: "election",
			Name:      "status",
			Help:      "Current leadership status of the participant (0 candidate, 1 watching, 2 leader)",
		},
		[]string{"namespace"},
	)

	// Evaluations counts completed re-election rounds by outcome.
	Evaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zkelect",
			Subsystem: "election",
			Name:      "evaluations_total",
			Help:      "Total number of election evaluations by result",
		},
		[]string{"result"},
	)

	// EvaluationRetries counts list/exists races that forced a re-list.
	EvaluationRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zkelect",
			Subsystem: "election",
			Name:      "retries_total",
			Help:      "Total number of evaluation retries caused by a vanished predecessor",
		},
	)

	// EvaluationDuration tracks how long a full evaluation takes.
	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "zkelect",
			Subsystem: "election",
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of election evaluations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~2s
		},
	)

	// LeadershipAcquired counts transitions into the leader state.
	LeadershipAcquired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zkelect",
			Subsystem: "election",
			Name:      "leadership_acquired_total",
			Help:      "Total number of times this participant became leader",
		},
	)

	// --- Watch Metrics ---

	// WatchesArmed counts watch registrations by kind.
	WatchesArmed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zkelect",
			Subsystem: "watch",
			Name:      "armed_total",
			Help:      "Total number of watch registrations by kind",
		},
		[]string{"kind"},
	)

	// WatchesFired counts delivered watch notifications by event type.
	WatchesFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zkelect",
			Subsystem: "watch",
			Name:      "fired_total",
			Help:      "Total number of watch notifications by event type",
		},
		[]string{"type"},
	)

	// --- Session Metrics ---

	// SessionEvents counts session lifecycle events by state.
	SessionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zkelect",
			Subsystem: "session",
			Name:      "events_total",
			Help:      "Total number of session events by state",
		},
		[]string{"state"},
	)

	// --- Event Metrics ---

	// EventsEmitted counts structured events by kind.
	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "zkelect",
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Total number of structured events emitted by kind",
		},
		[]string{"kind"},
	)

	// EventSinkErrors counts failed deliveries to an event log.
	EventSinkErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "zkelect",
			Subsystem: "events",
			Name:      "sink_errors_total",
			Help:      "Total number of events that could not be stored",
		},
	)

	// SinkCircuitState is 0 closed, 1 open, 2 half-open per event sink.
	SinkCircuitState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "zkelect",
			Subsystem: "events",
			Name:      "sink_circuit_state",
			Help:      "Circuit breaker state of each event sink (0 closed, 1 open, 2 half-open)",
		},
		[]string{"sink"},
	)
)

// RecordEvaluation records the outcome and duration of an evaluation.
func RecordEvaluation(result string, durationSeconds float64) {
	Evaluations.WithLabelValues(result).Inc()
	EvaluationDuration.Observe(durationSeconds)
}

// RecordStatus publishes the participant's current status.
func RecordStatus(namespace string, status int) {
	LeadershipStatus.WithLabelValues(namespace).Set(float64(status))
}
