package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// CasesSubmittedTotal counts accepted submissions by origin.
	CasesSubmittedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emergency",
		Subsystem: "orchestrator",
		Name:      "cases_submitted_total",
		Help:      "Total number of incidents accepted as new cases, labeled by origin.",
	}, []string{"origin"})

	// TransitionsTotal counts persisted lifecycle transitions by target state.
	TransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emergency",
		Subsystem: "orchestrator",
		Name:      "transitions_total",
		Help:      "Total number of persisted case transitions, labeled by the state entered.",
	}, []string{"state"})

	DecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emergency",
		Subsystem: "orchestrator",
		Name:      "decisions_total",
		Help:      "Total number of escalation decisions, labeled by decision.",
	}, []string{"decision"})

	VersionConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "emergency",
		Subsystem: "orchestrator",
		Name:      "version_conflicts_total",
		Help:      "Total number of conditional writes rejected because the case version moved.",
	})

	RecoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "emergency",
		Subsystem: "orchestrator",
		Name:      "recovered_total",
		Help:      "Total number of stale cases resumed by the recovery sweep.",
	})

	// CaseDurationSeconds is the time from ingestion to a terminal state.
	CaseDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "emergency",
		Subsystem: "orchestrator",
		Name:      "case_duration_seconds",
		Help:      "Time from case creation to a terminal state.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"state"})

	ScoringAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emergency",
		Subsystem: "scoring",
		Name:      "attempts_total",
		Help:      "Total number of scoring oracle attempts, labeled by result.",
	}, []string{"result"})

	ScoringDurationSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "emergency",
		Subsystem: "scoring",
		Name:      "duration_seconds",
		Help:      "Time spent obtaining an assessment, retries included.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
	})

	// DispatchLegTotal counts settled corridor and hospital legs.
	DispatchLegTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emergency",
		Subsystem: "dispatch",
		Name:      "legs_total",
		Help:      "Total number of dispatch legs settled, labeled by leg and result.",
	}, []string{"leg", "result"})

	DispatchAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emergency",
		Subsystem: "dispatch",
		Name:      "attempts_total",
		Help:      "Total number of sink requests issued, labeled by leg and result.",
	}, []string{"leg", "result"})

	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emergency",
		Subsystem: "notify",
		Name:      "deliveries_total",
		Help:      "Total number of notification deliveries, labeled by channel and result.",
	}, []string{"channel", "result"})

	NotificationsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "emergency",
		Subsystem: "notify",
		Name:      "dropped_total",
		Help:      "Total number of events dropped because the notification queue was full.",
	})

	// IngestedTotal counts ingestion outcomes by path.
	IngestedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "emergency",
		Subsystem: "ingest",
		Name:      "reports_total",
		Help:      "Total number of incoming reports, labeled by origin and outcome.",
	}, []string{"origin", "outcome"})
)

// Register registers all collectors with the default Prometheus registry.
// Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			CasesSubmittedTotal,
			TransitionsTotal,
			DecisionsTotal,
			VersionConflictsTotal,
			RecoveredTotal,
			CaseDurationSeconds,
			ScoringAttemptsTotal,
			ScoringDurationSeconds,
			DispatchLegTotal,
			DispatchAttemptsTotal,
			NotificationsTotal,
			NotificationsDroppedTotal,
			IngestedTotal,
		)
	})
}
