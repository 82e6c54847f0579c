// Package progress folds stored daily activity into challenge progress and
// completion, and issues the challenge badge on completion.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/civil"

	"activity-sync/internal/common"
	"activity-sync/internal/database"
	"activity-sync/internal/metrics"
)

// State of a participant within a challenge
type State string

const (
	StateNotStarted State = "not_started"
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
)

// StateOf derives the participant's state from its cached row
func StateOf(p *database.Participant) State {
	switch {
	case p.HasCompleted:
		return StateCompleted
	case p.CurrentProgress > 0:
		return StateInProgress
	default:
		return StateNotStarted
	}
}

// Store is the data the calculator reads and writes
type Store interface {
	GetChallenge(ctx context.Context, id int64) (*database.Challenge, error)
	GetParticipant(ctx context.Context, challengeID, userID int64) (*database.Participant, error)
	ListParticipants(ctx context.Context, challengeID int64) ([]*database.Participant, error)
	ListDailyActivities(ctx context.Context, userID int64, from, toExclusive civil.Date) ([]*database.DailyActivity, error)
	UpdateParticipantProgress(ctx context.Context, challengeID, userID int64, progress float64, completed bool, at time.Time) (*database.Participant, error)
}

// Awarder issues badges idempotently
type Awarder interface {
	AwardIfAbsent(ctx context.Context, userID, badgeID int64) (bool, error)
}

// Result is the outcome of one participant's recomputation
type Result struct {
	UserID      int64   `json:"user_id"`
	Progress    float64 `json:"progress"`
	GoalAmount  float64 `json:"goal_amount"`
	IsCompleted bool    `json:"is_completed"`
	State       State   `json:"state"`
	// JustCompleted is true when this run moved the participant to completed
	JustCompleted bool `json:"just_completed"`
	// BadgeAwarded is true when this run inserted the badge award
	BadgeAwarded bool `json:"badge_awarded"`
}

// Calculator is the challenge progress calculator
type Calculator struct {
	store   Store
	awarder Awarder
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a calculator. awarder may be nil when no challenge carries a badge.
func New(store Store, awarder Awarder, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{store: store, awarder: awarder, logger: logger, now: time.Now}
}

// Calculate recomputes progress for one participant when userID is non-nil, or
// for every participant otherwise. Failures for individual participants do not
// stop the others; they are joined into the returned error next to the
// successful results.
func (c *Calculator) Calculate(ctx context.Context, challengeID int64, userID *int64) ([]Result, error) {
	challenge, err := c.store.GetChallenge(ctx, challengeID)
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}
	if challenge == nil {
		return nil, common.NotFound("challenge", challengeID)
	}
	if err := validateTypes(challenge); err != nil {
		return nil, err
	}

	var participants []*database.Participant
	if userID != nil {
		p, err := c.store.GetParticipant(ctx, challengeID, *userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load participant: %w", err)
		}
		if p == nil {
			return nil, common.NotFound(fmt.Sprintf("participant of challenge %d", challengeID), *userID)
		}
		participants = []*database.Participant{p}
	} else {
		participants, err = c.store.ListParticipants(ctx, challengeID)
		if err != nil {
			return nil, fmt.Errorf("failed to list participants: %w", err)
		}
	}

	results := make([]Result, 0, len(participants))
	var errs []error
	for _, p := range participants {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		r, err := c.recompute(ctx, challenge, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", p.UserID, err))
			continue
		}
		results = append(results, r)
	}
	return results, errors.Join(errs...)
}

func (c *Calculator) recompute(ctx context.Context, ch *database.Challenge, p *database.Participant) (Result, error) {
	rows, err := c.store.ListDailyActivities(ctx, p.UserID, ch.StartDate, ch.EndExclusive())
	if err != nil {
		return Result{}, fmt.Errorf("failed to load activity: %w", err)
	}

	progress, err := Compute(ch, rows)
	if err != nil {
		return Result{}, err
	}
	metrics.ProgressCalculationsTotal.WithLabelValues(string(ch.ObjectiveType)).Inc()

	completed := p.HasCompleted || progress >= ch.GoalAmount

	// Progress first: a crash before the award is repaired by the next run
	persisted, err := c.store.UpdateParticipantProgress(ctx, ch.ID, p.UserID, progress, completed, c.now())
	if err != nil {
		return Result{}, fmt.Errorf("failed to persist progress: %w", err)
	}
	if persisted == nil {
		return Result{}, common.NotFound(fmt.Sprintf("participant of challenge %d", ch.ID), p.UserID)
	}

	r := Result{
		UserID:        p.UserID,
		Progress:      progress,
		GoalAmount:    ch.GoalAmount,
		IsCompleted:   persisted.HasCompleted,
		State:         StateOf(persisted),
		JustCompleted: !p.HasCompleted && persisted.HasCompleted,
	}
	if r.JustCompleted {
		metrics.ChallengeCompletionsTotal.Inc()
		c.logger.Info("Challenge completed", "challenge_id", ch.ID, "user_id", p.UserID, "progress", progress)
	}

	if r.IsCompleted && ch.BadgeID != nil && c.awarder != nil {
		awarded, err := c.awarder.AwardIfAbsent(ctx, p.UserID, *ch.BadgeID)
		if err != nil {
			return r, fmt.Errorf("progress saved but badge award failed: %w", err)
		}
		r.BadgeAwarded = awarded
	}

	return r, nil
}

// Compute folds the challenge window's daily rows into a progress value. It is
// pure: rows outside the window are ignored and nothing is written.
func Compute(ch *database.Challenge, rows []*database.DailyActivity) (float64, error) {
	if err := validateTypes(ch); err != nil {
		return 0, err
	}

	// Absent a dedicated per-day bar, daily_goal compares each day against the goal itself
	threshold := ch.GoalAmount
	if ch.DailyThreshold != nil {
		threshold = *ch.DailyThreshold
	}

	var progress float64
	for _, row := range rows {
		if !ch.Contains(row.Date) {
			continue
		}
		v := metricOf(ch.ActivityType, row)
		switch ch.ObjectiveType {
		case database.ObjectiveTotalAmount:
			progress += v
		case database.ObjectiveDailyGoal:
			if v >= threshold {
				progress++
			}
		}
	}
	return progress, nil
}

func metricOf(t database.ActivityType, row *database.DailyActivity) float64 {
	switch t {
	case database.ActivitySteps:
		return float64(row.Steps)
	case database.ActivityCalories:
		return row.Calories
	case database.ActivitySleep:
		return row.SleepHours
	}
	return 0
}

func validateTypes(ch *database.Challenge) error {
	if !ch.ActivityType.Valid() {
		return common.Invalid("activity_type", "unknown activity type %q", ch.ActivityType)
	}
	if !ch.ObjectiveType.Valid() {
		return common.Invalid("objective_type", "unknown objective type %q", ch.ObjectiveType)
	}
	return nil
}
