package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"

	"activity-sync/internal/common"
	"activity-sync/internal/database"
	"activity-sync/internal/metrics"
	"activity-sync/internal/provider"
	"activity-sync/internal/syncer"
)

// Queue is the sync job queue
type Queue interface {
	ClaimSyncJob(ctx context.Context) (*database.SyncJob, error)
	DeleteSyncJob(ctx context.Context, id int64) error
	ReleaseSyncJob(ctx context.Context, id int64, retryCount int, errMsg string) (bool, error)
	DeferSyncJob(ctx context.Context, id int64, until time.Time) error
}

// Syncer runs the day and range synchronizations jobs ask for
type Syncer interface {
	RefreshDay(ctx context.Context, userID int64, date civil.Date) (*database.DailyActivity, error)
	SyncRange(ctx context.Context, userID, challengeID int64, start, end civil.Date) (syncer.RangeResult, error)
}

// Throttle reports how much of the provider quota is used
type Throttle interface {
	IsNearLimit(pct float64) bool
	GetRateLimitStatus() provider.RateLimitStatus
}

// ThrottleDelay is how long a held back backfill waits before it is claimable again
var ThrottleDelay = time.Minute

// Worker processes sync jobs from the queue
type Worker struct {
	queue        Queue
	syncer       Syncer
	throttle     Throttle
	throttlePct  float64
	logger       *slog.Logger
	pollInterval time.Duration
}

// NewWorker creates a new sync job worker
func NewWorker(queue Queue, s Syncer, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		queue:        queue,
		syncer:       s,
		logger:       logger,
		pollInterval: pollInterval,
	}
}

// SetThrottle holds back backfill jobs while t reports pct percent of the quota used.
// Day refreshes are never held back.
func (w *Worker) SetThrottle(t Throttle, pct float64) {
	w.throttle = t
	w.throttlePct = pct
}

// Start processes jobs until ctx is cancelled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker", "poll_interval", w.pollInterval)
	metrics.WorkerActive.Set(1)
	defer metrics.WorkerActive.Set(0)

	for {
		if ctx.Err() != nil {
			w.logger.Info("Stopping worker")
			return ctx.Err()
		}

		job, err := w.queue.ClaimSyncJob(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Error("Failed to claim sync job", "error", err)
			}
			w.sleep(ctx)
			continue
		}

		if job != nil {
			metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeJobFound).Inc()
			w.processSyncJob(ctx, job)
			continue
		}

		metrics.WorkerPollCyclesTotal.WithLabelValues(metrics.OutcomeIdle).Inc()
		w.sleep(ctx)
	}
}

// RunOnce claims and processes at most one job. Returns false if the queue had nothing ready.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimSyncJob(ctx)
	if err != nil || job == nil {
		return false, err
	}
	w.processSyncJob(ctx, job)
	return true, nil
}

func (w *Worker) sleep(ctx context.Context) {
	t := time.NewTimer(w.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// processSyncJob handles a single sync job
func (w *Worker) processSyncJob(ctx context.Context, job *database.SyncJob) {
	start := time.Now()
	logger := w.logger.With("id", job.ID, "user_id", job.UserID, "job_type", job.JobType)
	if job.JobType == database.JobBackfillRange && w.throttle != nil && w.throttle.IsNearLimit(w.throttlePct) {
		w.holdBack(ctx, logger, job)
		return
	}
	logger.Info("Processing sync job", "retry_count", job.RetryCount)

	var err error
	switch job.JobType {
	case database.JobRefreshDay:
		_, err = w.syncer.RefreshDay(ctx, job.UserID, job.StartDate)
	case database.JobBackfillRange:
		var res syncer.RangeResult
		res, err = w.syncer.SyncRange(ctx, job.UserID, job.ChallengeID, job.StartDate, job.EndDate)
		if err == nil {
			err = rangeFailure(res)
			logger.Info("Backfill finished", "synced", res.Synced, "skipped", res.Skipped, "errors", len(res.Errors))
		}
	default:
		logger.Warn("Unknown sync job type")
		w.drop(ctx, job, start)
		return
	}

	if err != nil {
		if permanent(err) {
			logger.Warn("Sync job failed permanently, dropping", "error", err)
			w.drop(ctx, job, start)
			return
		}
		logger.Error("Failed to process sync job", "error", err)
		metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultFailure).Observe(time.Since(start).Seconds())
		metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultRetry).Inc()
		w.releaseSyncJob(ctx, job.ID, job.RetryCount, err.Error())
		return
	}

	// Success - delete sync job from queue
	if err := w.queue.DeleteSyncJob(ctx, job.ID); err != nil {
		logger.Error("Failed to delete completed sync job", "error", err)
		return
	}
	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultSuccess).Observe(time.Since(start).Seconds())
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultSuccess).Inc()
	logger.Info("Sync job processed successfully")
}

// holdBack returns a backfill to the queue without spending one of its retries
func (w *Worker) holdBack(ctx context.Context, logger *slog.Logger, job *database.SyncJob) {
	status := w.throttle.GetRateLimitStatus()
	logger.Debug("Backfill throttled", "usage_pct", status.UsagePct, "remaining", status.Remaining)
	metrics.BackfillJobsThrottled.Inc()
	if err := w.queue.DeferSyncJob(ctx, job.ID, time.Now().Add(ThrottleDelay)); err != nil {
		logger.Error("Failed to defer throttled sync job", "error", err)
	}
}

func (w *Worker) drop(ctx context.Context, job *database.SyncJob, start time.Time) {
	if err := w.queue.DeleteSyncJob(ctx, job.ID); err != nil {
		w.logger.Error("Failed to delete dropped sync job", "id", job.ID, "error", err)
		return
	}
	metrics.QueueProcessingDuration.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultSuccess).Observe(time.Since(start).Seconds())
	metrics.QueueDequeueTotal.WithLabelValues(metrics.QueueTypeSyncJob, metrics.ResultDropped).Inc()
}

// releaseSyncJob releases a sync job back to the queue with exponential backoff
func (w *Worker) releaseSyncJob(ctx context.Context, jobID int64, currentRetryCount int, errorMsg string) {
	shouldRetry, err := w.queue.ReleaseSyncJob(ctx, jobID, currentRetryCount, errorMsg)
	if err != nil {
		w.logger.Error("Failed to release sync job", "id", jobID, "error", err)
		return
	}

	if !shouldRetry {
		w.logger.Warn("Sync job exceeded max retries, dropped",
			"id", jobID,
			"retry_count", currentRetryCount)
	} else {
		w.logger.Info("Sync job released for retry",
			"id", jobID,
			"retry_count", currentRetryCount+1)
	}
}

// rangeFailure turns a range with failed days into a job error. Days already
// stored are skipped on the retry, so only the failed ones are fetched again.
func rangeFailure(res syncer.RangeResult) error {
	if len(res.Errors) == 0 {
		return nil
	}
	errs := make([]error, 0, len(res.Errors))
	for _, e := range res.Errors {
		errs = append(errs, e.Err)
	}
	return errors.Join(errs...)
}

// permanent reports errors a retry cannot fix
func permanent(err error) bool {
	return provider.IsAuthError(err) || common.IsNotFound(err) || common.IsValidation(err)
}
