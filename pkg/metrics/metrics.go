package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sync metrics
	SyncRoundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wardsync_sync_rounds_total",
			Help: "Total number of sync rounds by outcome",
		},
		[]string{"outcome"},
	)

	SyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wardsync_sync_duration_seconds",
			Help:    "Duration of a full sync round in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	SyncOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wardsync_sync_operations_total",
			Help: "Task operations exchanged during sync by direction",
		},
		[]string{"direction"},
	)

	SyncState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wardsync_sync_state",
			Help: "Current orchestrator state (0=idle 1=syncing 2=offline 3=retrying 4=failed)",
		},
	)

	// Merge metrics
	ConflictsResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wardsync_conflicts_resolved_total",
			Help: "Field conflicts resolved during merges by kind",
		},
		[]string{"kind"},
	)

	MergeChunkDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wardsync_merge_chunk_duration_seconds",
			Help:    "Duration of one conflict-resolution chunk in seconds",
			Buckets: []float64{.005, .01, .05, .1, .25, .5, 1},
		},
	)

	MergeTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wardsync_merge_timeouts_total",
			Help: "Merge batches that hit the per-chunk deadline",
		},
	)

	VectorClockPrunes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wardsync_vector_clock_prunes_total",
			Help: "Vector clocks pruned past the entry threshold",
		},
	)

	// EMR metrics
	EMRRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wardsync_emr_requests_total",
			Help: "Outbound EMR requests by system, protocol and status",
		},
		[]string{"system", "protocol", "status"},
	)

	EMRRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wardsync_emr_request_duration_seconds",
			Help:    "EMR request duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"system", "protocol"},
	)

	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wardsync_verifications_total",
			Help: "Task verification decisions by result",
		},
		[]string{"result"},
	)

	VerificationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wardsync_verification_duration_seconds",
			Help:    "End-to-end verify_task duration in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2, 5},
		},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wardsync_circuit_state",
			Help: "Circuit breaker state per endpoint (0=closed 1=half-open 2=open)",
		},
		[]string{"endpoint"},
	)

	TokenRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wardsync_token_refreshes_total",
			Help: "OAuth2 token acquisitions by outcome",
		},
		[]string{"outcome"},
	)

	// Dispatcher metrics
	EventsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wardsync_events_consumed_total",
			Help: "Event bus messages consumed by topic",
		},
		[]string{"topic"},
	)

	EventsDeduplicatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wardsync_events_deduplicated_total",
			Help: "Event bus messages dropped as duplicates",
		},
	)

	DispatcherBuffer = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wardsync_dispatcher_buffer",
			Help: "Messages waiting in the dispatcher's bounded buffer",
		},
	)

	// Storage metrics
	StorageBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wardsync_storage_bytes",
			Help: "On-device storage used by the replica store",
		},
	)

	AuditEntriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wardsync_audit_entries_total",
			Help: "Audit entries appended",
		},
	)
)

func init() {
	prometheus.MustRegister(
		SyncRoundsTotal,
		SyncDuration,
		SyncOperationsTotal,
		SyncState,
		ConflictsResolved,
		MergeChunkDuration,
		MergeTimeouts,
		VectorClockPrunes,
		EMRRequestsTotal,
		EMRRequestDuration,
		VerificationsTotal,
		VerificationDuration,
		CircuitState,
		TokenRefreshesTotal,
		EventsConsumedTotal,
		EventsDeduplicatedTotal,
		DispatcherBuffer,
		StorageBytes,
		AuditEntriesTotal,
	)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
