package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/prometheus/client_golang/prometheus"

	"activity-sync/internal/metrics"
)

const (
	// StaleLockTimeout is how long a claimed job may stay in processing before another worker may take it
	StaleLockTimeout = 5 * time.Minute

	// MaxRetries is the number of releases after which a job is dropped
	MaxRetries = 7
)

// Job types
const (
	JobRefreshDay    = "refresh_day"
	JobBackfillRange = "backfill_range"
)

var retryBackoff = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	30 * time.Minute,
	60 * time.Minute,
	120 * time.Minute,
	240 * time.Minute,
}

// SyncJob is a unit of background synchronization work
type SyncJob struct {
	ID                  int64
	UserID              int64
	JobType             string
	ChallengeID         int64
	StartDate           civil.Date
	EndDate             civil.Date
	RetryCount          int
	LastError           *string
	NextRetryAt         *time.Time
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
}

// EnqueueSyncJob adds a job to the queue and returns its ID. ChallengeID 0 means none.
func (d *DB) EnqueueSyncJob(ctx context.Context, job *SyncJob) (int64, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpEnqueueSyncJob))
	defer timer.ObserveDuration()

	var challengeID *int64
	if job.ChallengeID != 0 {
		challengeID = &job.ChallengeID
	}

	job.CreatedAt = time.Now()
	err := d.conn.QueryRowContext(ctx, d.rebind(`
		INSERT INTO sync_jobs (user_id, job_type, challenge_id, start_date, end_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id
	`), job.UserID, job.JobType, challengeID, job.StartDate.String(), job.EndDate.String(), job.CreatedAt.Unix()).Scan(&job.ID)
	if err != nil {
		return 0, fail(metrics.DBOpEnqueueSyncJob, fmt.Errorf("failed to enqueue sync job: %w", err))
	}

	metrics.QueueEnqueueTotal.WithLabelValues(metrics.QueueTypeSyncJob).Inc()
	return job.ID, nil
}

// ClaimSyncJob claims the oldest ready job and marks it processing. Returns nil if none is ready.
// A job is ready when its retry time has passed and it is not held by a live claim.
func (d *DB) ClaimSyncJob(ctx context.Context) (*SyncJob, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpClaimSyncJob))
	defer timer.ObserveDuration()

	now := time.Now()
	staleThreshold := now.Add(-StaleLockTimeout).Unix()

	// Single statement so concurrent workers cannot claim the same row
	var (
		job         SyncJob
		challengeID sql.NullInt64
		start, end  string
		nextRetryAt sql.NullInt64
		createdAt   int64
	)
	err := d.conn.QueryRowContext(ctx, d.rebind(`
		UPDATE sync_jobs
		SET processing_started_at = ?
		WHERE id = (
			SELECT id
			FROM sync_jobs
			WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
			  AND (processing_started_at IS NULL OR processing_started_at < ?)
			ORDER BY id ASC
			LIMIT 1
		)
		RETURNING id, user_id, job_type, challenge_id, start_date, end_date, retry_count, last_error, next_retry_at, created_at
	`), now.Unix(), now.Unix(), staleThreshold).Scan(
		&job.ID, &job.UserID, &job.JobType, &challengeID, &start, &end,
		&job.RetryCount, &job.LastError, &nextRetryAt, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fail(metrics.DBOpClaimSyncJob, fmt.Errorf("failed to claim sync job: %w", err))
	}

	if job.StartDate, err = civil.ParseDate(start); err != nil {
		return nil, fmt.Errorf("failed to parse job start date %q: %w", start, err)
	}
	if job.EndDate, err = civil.ParseDate(end); err != nil {
		return nil, fmt.Errorf("failed to parse job end date %q: %w", end, err)
	}
	job.ChallengeID = challengeID.Int64
	job.NextRetryAt = timePtr(nextRetryAt)
	job.ProcessingStartedAt = &now
	job.CreatedAt = time.Unix(createdAt, 0)
	return &job, nil
}

// DeleteSyncJob removes a finished job from the queue
func (d *DB) DeleteSyncJob(ctx context.Context, id int64) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeleteSyncJob))
	defer timer.ObserveDuration()

	if _, err := d.conn.ExecContext(ctx, d.rebind(`DELETE FROM sync_jobs WHERE id = ?`), id); err != nil {
		return fail(metrics.DBOpDeleteSyncJob, fmt.Errorf("failed to delete sync job: %w", err))
	}
	return nil
}

// ReleaseSyncJob returns a failed job to the queue with backoff: 1min, 5min, 15min, 30min, 1hr, 2hr, 4hr.
// Returns false if the job was dropped because it ran out of retries.
func (d *DB) ReleaseSyncJob(ctx context.Context, id int64, retryCount int, errMsg string) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpReleaseSyncJob))
	defer timer.ObserveDuration()

	newRetryCount := retryCount + 1
	if newRetryCount > MaxRetries {
		if err := d.DeleteSyncJob(ctx, id); err != nil {
			return false, fmt.Errorf("failed to drop sync job after max retries: %w", err)
		}
		return false, nil
	}

	idx := min(newRetryCount-1, len(retryBackoff)-1)
	nextRetryAt := time.Now().Add(retryBackoff[idx])

	_, err := d.conn.ExecContext(ctx, d.rebind(`
		UPDATE sync_jobs
		SET retry_count = ?,
		    last_error = ?,
		    next_retry_at = ?,
		    processing_started_at = NULL
		WHERE id = ?
	`), newRetryCount, errMsg, nextRetryAt.Unix(), id)
	if err != nil {
		return false, fail(metrics.DBOpReleaseSyncJob, fmt.Errorf("failed to release sync job: %w", err))
	}

	metrics.QueueRetryTotal.WithLabelValues(metrics.QueueTypeSyncJob, fmt.Sprint(newRetryCount)).Inc()
	return true, nil
}

// DeferSyncJob hands a claimed job back untouched until the given time. Unlike
// ReleaseSyncJob it does not count as a retry.
func (d *DB) DeferSyncJob(ctx context.Context, id int64, until time.Time) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpDeferSyncJob))
	defer timer.ObserveDuration()

	_, err := d.conn.ExecContext(ctx, d.rebind(`
		UPDATE sync_jobs
		SET next_retry_at = ?,
		    processing_started_at = NULL
		WHERE id = ?
	`), until.Unix(), id)
	if err != nil {
		return fail(metrics.DBOpDeferSyncJob, fmt.Errorf("failed to defer sync job: %w", err))
	}
	return nil
}

// GetSyncJobQueueLength returns the number of jobs in the queue in any state
func (d *DB) GetSyncJobQueueLength(ctx context.Context) (int, error) {
	return d.countSyncJobs(ctx, metrics.DBOpGetSyncJobQueueLength, `SELECT COUNT(*) FROM sync_jobs`)
}

// GetReadySyncJobQueueLength returns the number of jobs a worker could claim right now
func (d *DB) GetReadySyncJobQueueLength(ctx context.Context) (int, error) {
	now := time.Now()
	return d.countSyncJobs(ctx, metrics.DBOpGetReadySyncJobQueueLen, `
		SELECT COUNT(*)
		FROM sync_jobs
		WHERE (next_retry_at IS NULL OR next_retry_at <= ?)
		  AND (processing_started_at IS NULL OR processing_started_at < ?)
	`, now.Unix(), now.Add(-StaleLockTimeout).Unix())
}

// GetProcessingSyncJobQueueLength returns the number of jobs held by a live claim
func (d *DB) GetProcessingSyncJobQueueLength(ctx context.Context) (int, error) {
	return d.countSyncJobs(ctx, metrics.DBOpGetProcessingSyncJobsLen, `
		SELECT COUNT(*)
		FROM sync_jobs
		WHERE processing_started_at IS NOT NULL
		  AND processing_started_at >= ?
	`, time.Now().Add(-StaleLockTimeout).Unix())
}

func (d *DB) countSyncJobs(ctx context.Context, op, query string, args ...any) (int, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(op))
	defer timer.ObserveDuration()

	var count int
	if err := d.conn.QueryRowContext(ctx, d.rebind(query), args...).Scan(&count); err != nil {
		return 0, fail(op, fmt.Errorf("failed to count sync jobs: %w", err))
	}
	return count, nil
}
