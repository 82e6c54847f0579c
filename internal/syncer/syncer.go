// Package syncer pulls daily metrics from the provider into the activity store
// and keeps challenge progress current.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"activity-sync/internal/cache"
	"activity-sync/internal/common"
	"activity-sync/internal/database"
	"activity-sync/internal/metrics"
	"activity-sync/internal/progress"
	"activity-sync/internal/provider"
)

// Provider fetches daily summaries for a provider subject
type Provider interface {
	FetchPhysicalSummary(ctx context.Context, subject string, date civil.Date) (provider.PhysicalSummary, error)
	FetchSleepSummary(ctx context.Context, subject string, date civil.Date) (provider.SleepSummary, error)
	// Forget drops any memoized summaries for subject on date
	Forget(subject string, date civil.Date)
}

// Connections resolves and maintains provider links
type Connections interface {
	GetActiveConnection(ctx context.Context, userID int64) (*database.Connection, error)
	RevokeSource(ctx context.Context, userID int64, source string) (*database.Connection, error)
	TouchSync(ctx context.Context, userID int64, at time.Time) error
}

// Store is the activity and challenge data the synchronizer touches
type Store interface {
	GetDailyActivity(ctx context.Context, userID int64, date civil.Date) (*database.DailyActivity, error)
	InsertDailyActivityIfAbsent(ctx context.Context, a *database.DailyActivity) (bool, error)
	UpsertDailyActivity(ctx context.Context, a *database.DailyActivity) error
	GetChallenge(ctx context.Context, id int64) (*database.Challenge, error)
	ListActiveChallenges(ctx context.Context, date civil.Date) ([]*database.Challenge, error)
	ListUserChallenges(ctx context.Context, userID int64) ([]*database.Challenge, error)
	ListParticipants(ctx context.Context, challengeID int64) ([]*database.Participant, error)
}

// ProgressCalculator recomputes challenge progress
type ProgressCalculator interface {
	Calculate(ctx context.Context, challengeID int64, userID *int64) ([]progress.Result, error)
}

// Subject is the cached part of a connection needed to call the provider
type Subject struct {
	ID       string
	Provider string
}

// Options configures a Synchronizer
type Options struct {
	// Concurrency bounds the participant pool of a batch run
	Concurrency int
	// Subjects caches user to subject lookups; nil disables caching
	Subjects *cache.Cache[int64, Subject]
	// Now is the clock used to recognize future days; nil means time.Now
	Now    func() time.Time
	Logger *slog.Logger
}

// Synchronizer is the daily synchronizer
type Synchronizer struct {
	store       Store
	connections Connections
	provider    Provider
	progress    ProgressCalculator
	subjects    *cache.Cache[int64, Subject]
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
}

// New creates a synchronizer
func New(store Store, connections Connections, p Provider, calc ProgressCalculator, opts Options) *Synchronizer {
	s := &Synchronizer{
		store:       store,
		connections: connections,
		provider:    p,
		progress:    calc,
		subjects:    opts.Subjects,
		concurrency: opts.Concurrency,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// SyncDay makes sure the user has a row for date. An existing row is returned
// untouched with created=false. Otherwise the provider is queried and the row
// inserted unless a concurrent writer got there first, in which case the
// winner's row is returned. Days after the provider's current day are never
// stored: a zero row is returned without a lookup or a write.
func (s *Synchronizer) SyncDay(ctx context.Context, userID int64, date civil.Date) (*database.DailyActivity, bool, error) {
	if !date.IsValid() {
		return nil, false, common.Invalid("date", "invalid calendar date")
	}
	if date.After(s.today()) {
		return &database.DailyActivity{UserID: userID, Date: date}, false, nil
	}

	existing, err := s.store.GetDailyActivity(ctx, userID, date)
	if err != nil {
		metrics.DaySyncsTotal.WithLabelValues(metrics.SyncFailed).Inc()
		return nil, false, fmt.Errorf("failed to read daily activity: %w", err)
	}
	if existing != nil {
		metrics.DaySyncsTotal.WithLabelValues(metrics.SyncExisting).Inc()
		return existing, false, nil
	}

	row, err := s.fetchDay(ctx, userID, date, false)
	if err != nil {
		metrics.DaySyncsTotal.WithLabelValues(metrics.SyncFailed).Inc()
		return nil, false, err
	}

	created, err := s.store.InsertDailyActivityIfAbsent(ctx, row)
	if err != nil {
		metrics.DaySyncsTotal.WithLabelValues(metrics.SyncFailed).Inc()
		return nil, false, fmt.Errorf("failed to store daily activity: %w", err)
	}
	if !created {
		metrics.DaySyncsTotal.WithLabelValues(metrics.SyncExisting).Inc()
		winner, err := s.store.GetDailyActivity(ctx, userID, date)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read daily activity: %w", err)
		}
		return winner, false, nil
	}

	metrics.DaySyncsTotal.WithLabelValues(metrics.SyncCreated).Inc()
	s.touch(ctx, userID)
	s.logger.Debug("Day synced", "user_id", userID, "date", date.String(), "steps", row.Steps)
	return row, true, nil
}

// RefreshDay overwrites the user's row for date with fresh provider data and
// recomputes every visible challenge of the user whose window contains date.
// Memoized provider responses for the day are skipped. The refreshed row is
// returned even when a recomputation fails.
func (s *Synchronizer) RefreshDay(ctx context.Context, userID int64, date civil.Date) (*database.DailyActivity, error) {
	if !date.IsValid() {
		return nil, common.Invalid("date", "invalid calendar date")
	}
	if date.After(s.today()) {
		return nil, common.Invalid("date", "%s is in the future", date)
	}

	row, err := s.fetchDay(ctx, userID, date, true)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpsertDailyActivity(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to store daily activity: %w", err)
	}
	s.touch(ctx, userID)

	challenges, err := s.store.ListUserChallenges(ctx, userID)
	if err != nil {
		return row, fmt.Errorf("failed to list user challenges: %w", err)
	}

	var errs []error
	for _, ch := range challenges {
		if !ch.Contains(date) {
			continue
		}
		if _, err := s.progress.Calculate(ctx, ch.ID, &userID); err != nil {
			errs = append(errs, fmt.Errorf("challenge %d: %w", ch.ID, err))
		}
	}
	return row, errors.Join(errs...)
}

// DayError is a failed day inside a range sync
type DayError struct {
	Date    string `json:"date"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

// RangeResult summarizes a range sync
type RangeResult struct {
	Synced   int              `json:"synced"`
	Skipped  int              `json:"skipped"`
	Errors   []DayError       `json:"errors,omitempty"`
	Progress *progress.Result `json:"progress,omitempty"`
}

// SyncRange runs SyncDay for every day from start to end inclusive in
// ascending order. Days already stored count as skipped. Per-day failures are
// collected without stopping the range, except failures that would repeat for
// every remaining day: a missing connection or a rejected authorization. When
// challengeID is non-zero the challenge must exist and the user's progress in
// it is recomputed afterwards.
func (s *Synchronizer) SyncRange(ctx context.Context, userID, challengeID int64, start, end civil.Date) (RangeResult, error) {
	var res RangeResult

	if !start.IsValid() || !end.IsValid() {
		return res, common.Invalid("range", "invalid calendar date")
	}
	if start.After(end) {
		return res, common.Invalid("range", "start %s is after end %s", start, end)
	}
	if challengeID != 0 {
		ch, err := s.store.GetChallenge(ctx, challengeID)
		if err != nil {
			return res, fmt.Errorf("failed to load challenge: %w", err)
		}
		if ch == nil {
			return res, common.NotFound("challenge", challengeID)
		}
	}

	for d := start; !d.After(end); d = d.AddDays(1) {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		_, created, err := s.SyncDay(ctx, userID, d)
		if err != nil {
			s.logger.Warn("Day sync failed", "user_id", userID, "date", d.String(), "error", err)
			res.Errors = append(res.Errors, DayError{Date: d.String(), Message: err.Error(), Err: err})
			if common.IsNotFound(err) || provider.IsAuthError(err) {
				break
			}
			continue
		}
		if created {
			res.Synced++
		} else {
			res.Skipped++
		}
	}

	if challengeID != 0 {
		results, err := s.progress.Calculate(ctx, challengeID, &userID)
		if err != nil {
			return res, fmt.Errorf("failed to recompute progress: %w", err)
		}
		if len(results) == 1 {
			res.Progress = &results[0]
		}
	}
	return res, nil
}

// UserError is one participant's failure inside a batch run
type UserError struct {
	UserID      int64  `json:"user_id"`
	ChallengeID int64  `json:"challenge_id"`
	Stage       string `json:"stage"`
	Message     string `json:"error"`
	Err         error  `json:"-"`
}

// Batch stages
const (
	StageSync     = "sync"
	StageProgress = "progress"
)

// BatchResult summarizes a batch run over active challenges
type BatchResult struct {
	RunID        string      `json:"run_id"`
	Date         string      `json:"date"`
	Challenges   int         `json:"challenges"`
	Participants int         `json:"participants"`
	Synced       int         `json:"synced"`
	Updated      int         `json:"updated"`
	Errors       []UserError `json:"errors,omitempty"`
}

type batchItem struct {
	challengeID int64
	userID      int64
}

// SyncActiveChallenges syncs targetDate for every participant (or only userID
// when non-nil) of every visible challenge running on that date, then
// recomputes their progress. Participants run on a bounded pool and fail
// independently; a participant whose sync failed still has progress recomputed
// from the rows already stored.
func (s *Synchronizer) SyncActiveChallenges(ctx context.Context, targetDate civil.Date, userID *int64) (BatchResult, error) {
	start := time.Now()
	res := BatchResult{RunID: uuid.NewString(), Date: targetDate.String()}
	logger := s.logger.With("run_id", res.RunID, "date", res.Date)

	if !targetDate.IsValid() {
		return res, common.Invalid("date", "invalid calendar date")
	}

	challenges, err := s.store.ListActiveChallenges(ctx, targetDate)
	if err != nil {
		return res, fmt.Errorf("failed to list active challenges: %w", err)
	}
	res.Challenges = len(challenges)

	var items []batchItem
	for _, ch := range challenges {
		participants, err := s.store.ListParticipants(ctx, ch.ID)
		if err != nil {
			return res, fmt.Errorf("failed to list participants of challenge %d: %w", ch.ID, err)
		}
		for _, p := range participants {
			if userID != nil && p.UserID != *userID {
				continue
			}
			items = append(items, batchItem{challengeID: ch.ID, userID: p.UserID})
		}
	}
	res.Participants = len(items)
	logger.Info("Batch sync starting", "challenges", res.Challenges, "participants", res.Participants)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.concurrency)

	record := func(item batchItem, stage string, err error) {
		metrics.BatchParticipantErrorsTotal.Inc()
		logger.Warn("Batch participant failed", "user_id", item.userID, "challenge_id", item.challengeID, "stage", stage, "error", err)
		mu.Lock()
		res.Errors = append(res.Errors, UserError{UserID: item.userID, ChallengeID: item.challengeID, Stage: stage, Message: err.Error(), Err: err})
		mu.Unlock()
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			_, created, err := s.SyncDay(ctx, item.userID, targetDate)
			if err != nil {
				record(item, StageSync, err)
			} else if created {
				mu.Lock()
				res.Synced++
				mu.Unlock()
			}

			uid := item.userID
			if _, err := s.progress.Calculate(ctx, item.challengeID, &uid); err != nil {
				record(item, StageProgress, err)
				return nil
			}
			mu.Lock()
			res.Updated++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(res.Errors, func(i, j int) bool {
		if res.Errors[i].UserID != res.Errors[j].UserID {
			return res.Errors[i].UserID < res.Errors[j].UserID
		}
		if res.Errors[i].ChallengeID != res.Errors[j].ChallengeID {
			return res.Errors[i].ChallengeID < res.Errors[j].ChallengeID
		}
		return res.Errors[i].Stage > res.Errors[j].Stage
	})

	metrics.BatchRunDuration.Observe(time.Since(start).Seconds())
	logger.Info("Batch sync finished",
		"synced", res.Synced,
		"updated", res.Updated,
		"errors", len(res.Errors),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, ctx.Err()
}

// fetchDay resolves the user's subject and builds a row from both summaries.
// fresh bypasses memoized responses. A rejected authorization revokes the
// provider source before returning.
func (s *Synchronizer) fetchDay(ctx context.Context, userID int64, date civil.Date, fresh bool) (*database.DailyActivity, error) {
	sub, err := s.resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if fresh {
		s.provider.Forget(sub.ID, date)
	}

	physical, err := s.provider.FetchPhysicalSummary(ctx, sub.ID, date)
	if err != nil {
		return nil, s.providerFailed(ctx, userID, sub, err)
	}
	sleep, err := s.provider.FetchSleepSummary(ctx, sub.ID, date)
	if err != nil {
		return nil, s.providerFailed(ctx, userID, sub, err)
	}

	return &database.DailyActivity{
		UserID:     userID,
		Date:       date,
		Steps:      physical.Steps,
		Calories:   physical.Calories,
		SleepHours: sleep.SleepHours,
		DataSource: sub.Provider,
	}, nil
}

func (s *Synchronizer) resolve(ctx context.Context, userID int64) (Subject, error) {
	if s.subjects != nil {
		if sub, ok := s.subjects.Get(userID); ok {
			return sub, nil
		}
	}

	conn, err := s.connections.GetActiveConnection(ctx, userID)
	if err != nil {
		return Subject{}, fmt.Errorf("failed to resolve subject: %w", err)
	}

	sub := Subject{ID: conn.ExternalSubjectID, Provider: conn.Provider}
	if s.subjects != nil {
		s.subjects.Set(userID, sub)
	}
	return sub, nil
}

func (s *Synchronizer) providerFailed(ctx context.Context, userID int64, sub Subject, err error) error {
	if !provider.IsAuthError(err) {
		return fmt.Errorf("failed to fetch summary: %w", err)
	}

	if s.subjects != nil {
		s.subjects.Invalidate(userID)
	}

	// The user may have re-linked since sub was resolved. Only the link the
	// provider actually rejected is revoked.
	conn, cerr := s.connections.GetActiveConnection(ctx, userID)
	switch {
	case cerr != nil && !common.IsNotFound(cerr):
		s.logger.Error("Failed to re-read rejected connection", "user_id", userID, "error", cerr)
	case conn != nil && (conn.ExternalSubjectID != sub.ID || conn.Provider != sub.Provider):
		s.logger.Info("Rejected subject is stale, keeping connection", "user_id", userID, "provider", sub.Provider)
		return &provider.UnavailableError{Err: fmt.Errorf("subject of user %d changed during sync", userID)}
	case conn != nil:
		if _, rerr := s.connections.RevokeSource(ctx, userID, sub.Provider); rerr != nil && !common.IsNotFound(rerr) {
			s.logger.Error("Failed to revoke rejected source", "user_id", userID, "provider", sub.Provider, "error", rerr)
		}
	}
	return fmt.Errorf("provider rejected user %d: %w", userID, err)
}

func (s *Synchronizer) touch(ctx context.Context, userID int64) {
	if err := s.connections.TouchSync(ctx, userID, s.now()); err != nil {
		s.logger.Warn("Failed to stamp last sync", "user_id", userID, "error", err)
	}
}

// today is the provider's current day; it reports dates in UTC
func (s *Synchronizer) today() civil.Date {
	return civil.DateOf(s.now().UTC())
}
