package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label value constants to prevent typos
const (
	// Queue types
	QueueTypeSyncJob = "sync_job"

	// Queue results
	ResultSuccess = "success"
	ResultRetry   = "retry"
	ResultDropped = "dropped"
	ResultFailure = "failure"

	// Worker outcomes
	OutcomeJobFound = "job_found"
	OutcomeIdle     = "idle"

	// HTTP endpoints
	EndpointWebhook      = "webhook"
	EndpointConnection   = "connection"
	EndpointActivities   = "activities"
	EndpointBadges       = "badges"
	EndpointSyncDay      = "sync_day"
	EndpointParticipants = "participants"
	EndpointJoin         = "join"
	EndpointProgress     = "progress"
	EndpointSyncActive   = "sync_active"
	EndpointWebhookLog   = "webhook_log"
	EndpointHealth       = "health"

	// Provider API operations
	OpPhysicalSummary = "physical_summary"
	OpSleepSummary    = "sleep_summary"

	// Provider call outcomes that never reach the network
	StatusFutureDate = "future_date"
	StatusCached     = "cached"
	StatusTransport  = "transport_error"

	// Sync outcomes
	SyncCreated  = "created"
	SyncExisting = "existing"
	SyncFailed   = "failed"

	// Webhook log outcomes
	LogRecorded = "recorded"
	LogFailed   = "store_failed"

	// Database operations
	DBOpGetConnection            = "get_connection"
	DBOpGetConnectionBySubject   = "get_connection_by_subject"
	DBOpMutateConnection         = "mutate_connection"
	DBOpTouchConnection          = "touch_connection"
	DBOpGetLegacyConnection      = "get_legacy_connection"
	DBOpGetDailyActivity         = "get_daily_activity"
	DBOpInsertDailyActivity      = "insert_daily_activity"
	DBOpUpsertDailyActivity      = "upsert_daily_activity"
	DBOpListDailyActivities      = "list_daily_activities"
	DBOpUpsertWebhookLog         = "upsert_webhook_log"
	DBOpGetWebhookLog            = "get_webhook_log"
	DBOpCountWebhookLog          = "count_webhook_log"
	DBOpGetChallenge             = "get_challenge"
	DBOpCreateChallenge          = "create_challenge"
	DBOpListActiveChallenges     = "list_active_challenges"
	DBOpListUserChallenges       = "list_user_challenges"
	DBOpJoinChallenge            = "join_challenge"
	DBOpGetParticipant           = "get_participant"
	DBOpListParticipants         = "list_participants"
	DBOpUpdateParticipant        = "update_participant_progress"
	DBOpAwardBadge               = "award_badge"
	DBOpListBadgeAwards          = "list_badge_awards"
	DBOpEnqueueSyncJob           = "enqueue_sync_job"
	DBOpClaimSyncJob             = "claim_sync_job"
	DBOpDeleteSyncJob            = "delete_sync_job"
	DBOpReleaseSyncJob           = "release_sync_job"
	DBOpDeferSyncJob             = "defer_sync_job"
	DBOpGetSyncJobQueueLength    = "get_sync_job_queue_length"
	DBOpGetReadySyncJobQueueLen  = "get_ready_sync_job_queue_length"
	DBOpGetProcessingSyncJobsLen = "get_processing_sync_job_queue_length"
)

// HTTP Metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"endpoint", "status_code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"endpoint", "status_code"},
	)
)

// Queue Metrics
var (
	QueueDepthTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_total",
			Help: "Total number of items in queue (all states)",
		},
		[]string{"queue_type"},
	)

	QueueDepthReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_ready",
			Help: "Number of items ready for processing",
		},
		[]string{"queue_type"},
	)

	QueueDepthProcessing = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth_processing",
			Help: "Number of items currently being processed",
		},
		[]string{"queue_type"},
	)

	QueueEnqueueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_enqueue_total",
			Help: "Total number of items enqueued",
		},
		[]string{"queue_type"},
	)

	QueueDequeueTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_dequeue_total",
			Help: "Total number of items dequeued with outcome",
		},
		[]string{"queue_type", "result"},
	)

	QueueProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_processing_duration_seconds",
			Help:    "Time spent processing queue items",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"queue_type", "result"},
	)

	QueueRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_retry_total",
			Help: "Total number of retry attempts",
		},
		[]string{"queue_type", "retry_count"},
	)
)

// Worker Metrics
var (
	WorkerPollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_poll_cycles_total",
			Help: "Total number of worker poll cycles by outcome",
		},
		[]string{"outcome"},
	)

	WorkerActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "worker_active",
			Help: "Whether the worker is currently active (1) or not (0)",
		},
	)

	BackfillJobsThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backfill_jobs_throttled_total",
			Help: "Total number of backfill jobs deferred because the provider quota was nearly used",
		},
	)
)

// Provider API Metrics
var (
	ProviderRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "provider_api_requests_total",
			Help: "Total number of provider API calls by outcome",
		},
		[]string{"operation", "status_code"},
	)

	ProviderRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "provider_api_request_duration_seconds",
			Help:    "Provider API request latency in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"operation", "status_code"},
	)

	ProviderQuotaRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "provider_quota_remaining",
			Help: "Requests remaining in the provider quota window as last reported",
		},
	)

	ProviderQuotaLimit = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "provider_quota_limit",
			Help: "Provider quota window size as last reported",
		},
	)
)

// Database Metrics
var (
	DBOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_operation_duration_seconds",
			Help:    "Database operation latency in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)

	DBOperationErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_operation_errors_total",
			Help: "Total number of database operation errors",
		},
		[]string{"operation"},
	)
)

// Business Metrics
var (
	DaySyncsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "day_syncs_total",
			Help: "Per-user day synchronizations by outcome",
		},
		[]string{"outcome"},
	)

	BatchRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sync_batch_duration_seconds",
			Help:    "Wall time of one active-challenge batch run",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	BatchParticipantErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sync_batch_participant_errors_total",
			Help: "Participants whose sync or progress update failed inside a batch run",
		},
	)

	ProgressCalculationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "progress_calculations_total",
			Help: "Participant progress recomputations by objective type",
		},
		[]string{"objective_type"},
	)

	ChallengeCompletionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "challenge_completions_total",
			Help: "Participants transitioning to completed",
		},
	)

	BadgesAwardedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "badges_awarded_total",
			Help: "Badge awards newly inserted",
		},
	)

	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound webhook events by type and log outcome",
		},
		[]string{"event_type", "outcome"},
	)
)
