package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"activity-sync/internal/common"
	"activity-sync/internal/database"
	"activity-sync/internal/provider"
	"activity-sync/internal/syncer"
)

var day = civil.Date{Year: 2024, Month: 3, Day: 5}

type refreshCall struct {
	userID int64
	date   civil.Date
}

type rangeCall struct {
	userID, challengeID int64
	start, end          civil.Date
}

type fakeSyncer struct {
	mu         sync.Mutex
	refreshes  []refreshCall
	ranges     []rangeCall
	refreshErr error
	rangeRes   syncer.RangeResult
	rangeErr   error
}

func (f *fakeSyncer) RefreshDay(ctx context.Context, userID int64, date civil.Date) (*database.DailyActivity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes = append(f.refreshes, refreshCall{userID, date})
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return &database.DailyActivity{UserID: userID, Date: date}, nil
}

func (f *fakeSyncer) SyncRange(ctx context.Context, userID, challengeID int64, start, end civil.Date) (syncer.RangeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ranges = append(f.ranges, rangeCall{userID, challengeID, start, end})
	return f.rangeRes, f.rangeErr
}

type fakeThrottle struct {
	near bool
	pct  float64
}

func (f *fakeThrottle) IsNearLimit(pct float64) bool {
	f.pct = pct
	return f.near
}

func (f *fakeThrottle) GetRateLimitStatus() provider.RateLimitStatus {
	return provider.RateLimitStatus{Limit: 100, Remaining: 5, UsagePct: 95}
}

func setupWorkerTest(t *testing.T) (*Worker, *database.DB, *fakeSyncer) {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, t.TempDir()+"/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := &fakeSyncer{}
	return NewWorker(db, s, 10*time.Millisecond, nil), db, s
}

func enqueue(t *testing.T, db *database.DB, job *database.SyncJob) int64 {
	t.Helper()
	id, err := db.EnqueueSyncJob(context.Background(), job)
	require.NoError(t, err)
	return id
}

func queueLength(t *testing.T, db *database.DB) int {
	t.Helper()
	n, err := db.GetSyncJobQueueLength(context.Background())
	require.NoError(t, err)
	return n
}

func TestRefreshDayJob(t *testing.T) {
	w, db, s := setupWorkerTest(t)
	enqueue(t, db, &database.SyncJob{UserID: 3, JobType: database.JobRefreshDay, StartDate: day, EndDate: day})

	ok, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	require.Len(t, s.refreshes, 1)
	assert.Equal(t, refreshCall{3, day}, s.refreshes[0])
	assert.Equal(t, 0, queueLength(t, db))
}

func TestBackfillRangeJob(t *testing.T) {
	w, db, s := setupWorkerTest(t)
	end := day.AddDays(4)
	enqueue(t, db, &database.SyncJob{UserID: 3, JobType: database.JobBackfillRange, ChallengeID: 8, StartDate: day, EndDate: end})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, s.ranges, 1)
	assert.Equal(t, rangeCall{3, 8, day, end}, s.ranges[0])
	assert.Equal(t, 0, queueLength(t, db))
}

func TestEmptyQueue(t *testing.T) {
	w, _, _ := setupWorkerTest(t)

	ok, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnknownJobTypeIsDropped(t *testing.T) {
	w, db, s := setupWorkerTest(t)
	enqueue(t, db, &database.SyncJob{UserID: 3, JobType: "list_everything", StartDate: day, EndDate: day})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Empty(t, s.refreshes)
	assert.Empty(t, s.ranges)
	assert.Equal(t, 0, queueLength(t, db))
}

func TestTransientFailureIsReleased(t *testing.T) {
	w, db, s := setupWorkerTest(t)
	s.refreshErr = &provider.UnavailableError{StatusCode: 503}
	enqueue(t, db, &database.SyncJob{UserID: 3, JobType: database.JobRefreshDay, StartDate: day, EndDate: day})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, queueLength(t, db))
	ready, err := db.GetReadySyncJobQueueLength(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, ready, "released job waits for its retry time")

	// Not claimable until the backoff elapses
	ok, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPermanentFailuresAreDropped(t *testing.T) {
	cases := map[string]error{
		"auth":       &provider.AuthError{StatusCode: 401},
		"not found":  common.NotFound("connection for user", 3),
		"validation": common.Invalid("date", "in the future"),
	}
	for name, failure := range cases {
		t.Run(name, func(t *testing.T) {
			w, db, s := setupWorkerTest(t)
			s.refreshErr = failure
			enqueue(t, db, &database.SyncJob{UserID: 3, JobType: database.JobRefreshDay, StartDate: day, EndDate: day})

			_, err := w.RunOnce(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 0, queueLength(t, db))
		})
	}
}

func TestBackfillWithFailedDaysIsReleased(t *testing.T) {
	w, db, s := setupWorkerTest(t)
	transient := &provider.UnavailableError{StatusCode: 500}
	s.rangeRes = syncer.RangeResult{Synced: 2, Errors: []syncer.DayError{{Date: day.String(), Message: transient.Error(), Err: transient}}}
	enqueue(t, db, &database.SyncJob{UserID: 3, JobType: database.JobBackfillRange, StartDate: day, EndDate: day.AddDays(2)})

	_, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, queueLength(t, db))
}

func TestRangeFailure(t *testing.T) {
	assert.NoError(t, rangeFailure(syncer.RangeResult{Synced: 3}))

	auth := &provider.AuthError{StatusCode: 403}
	err := rangeFailure(syncer.RangeResult{Errors: []syncer.DayError{{Err: errors.New("boom")}, {Err: auth}}})
	require.Error(t, err)
	assert.True(t, permanent(err))
}

func TestStart_Cancellation(t *testing.T) {
	w, db, s := setupWorkerTest(t)
	enqueue(t, db, &database.SyncJob{UserID: 1, JobType: database.JobRefreshDay, StartDate: day, EndDate: day})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.refreshes) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestNearLimitHoldsBackBackfill(t *testing.T) {
	w, db, s := setupWorkerTest(t)
	throttle := &fakeThrottle{near: true}
	w.SetThrottle(throttle, 90)
	ctx := context.Background()

	backfill := enqueue(t, db, &database.SyncJob{UserID: 3, JobType: database.JobBackfillRange, StartDate: day, EndDate: day.AddDays(2)})
	enqueue(t, db, &database.SyncJob{UserID: 4, JobType: database.JobRefreshDay, StartDate: day, EndDate: day})

	ok, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 90.0, throttle.pct)
	assert.Empty(t, s.ranges)

	// Refreshes still go through
	ok, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, s.refreshes, 1)
	assert.Equal(t, int64(4), s.refreshes[0].userID)

	ok, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, queueLength(t, db))

	// Once the quota recovers the backfill runs with its retries intact
	require.NoError(t, db.DeferSyncJob(ctx, backfill, time.Now().Add(-time.Second)))
	throttle.near = false
	job, err := db.ClaimSyncJob(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Zero(t, job.RetryCount)
	require.NoError(t, db.DeferSyncJob(ctx, job.ID, time.Now().Add(-time.Second)))

	ok, err = w.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Len(t, s.ranges, 1)
	assert.Equal(t, 0, queueLength(t, db))
}
