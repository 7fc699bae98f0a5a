package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are registered with the default registry via promauto and served
// on /metrics by the status API.
var (
	// --- Election Metrics ---

	// IsLeader is 1 while this instance holds leadership.
	IsLeader = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dbreader",
			Subsystem: "election",
			Name:      "is_leader",
			Help:      "1 if this instance currently holds leadership",
		},
	)

	// ElectionTransitions counts engine state transitions.
	ElectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbreader",
			Subsystem: "election",
			Name:      "transitions_total",
			Help:      "Leader election state transitions",
		},
		[]string{"from", "to"},
	)

	// Registrations counts candidacy registrations (initial join and requeues).
	Registrations = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dbreader",
			Subsystem: "election",
			Name:      "registrations_total",
			Help:      "Candidacy registrations created",
		},
	)

	// --- Coordination Metrics ---

	// SessionState is the last observed coordination session state.
	SessionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dbreader",
			Subsystem: "coordination",
			Name:      "session_state",
			Help:      "Coordination session state (0 disconnected, 1 connected, 2 suspended, 3 lost, 4 reconnected)",
		},
	)

	// SessionEvents counts session transitions by state.
	SessionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbreader",
			Subsystem: "coordination",
			Name:      "session_events_total",
			Help:      "Coordination session transitions",
		},
		[]string{"state"},
	)

	// --- Processor Metrics ---

	// Ticks counts job runner ticks by outcome.
	Ticks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dbreader",
			Subsystem: "processor",
			Name:      "ticks_total",
			Help:      "Job runner ticks by outcome (standby, empty, processed, query_error)",
		},
		[]string{"outcome"},
	)

	// RecordsProcessed counts records marked processed by this instance.
	RecordsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dbreader",
			Subsystem: "processor",
			Name:      "records_processed_total",
			Help:      "Records marked processed by this instance",
		},
	)

	// PersistFailures counts records that failed to persist.
	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dbreader",
			Subsystem: "processor",
			Name:      "persist_failures_total",
			Help:      "Records whose processed state failed to persist",
		},
	)

	// TickDuration tracks leader tick duration.
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dbreader",
			Subsystem: "processor",
			Name:      "tick_duration_seconds",
			Help:      "Duration of leader ticks in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
		},
	)

	// StoreBreakerState is the store circuit breaker state (0 closed, 1 open, 2 half-open).
	StoreBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dbreader",
			Subsystem: "store",
			Name:      "breaker_state",
			Help:      "Record store circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
	)
)

// SetLeader records the leadership flag.
func SetLeader(leader bool) {
	if leader {
		IsLeader.Set(1)
		return
	}
	IsLeader.Set(0)
}
