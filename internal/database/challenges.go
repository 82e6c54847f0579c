package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/prometheus/client_golang/prometheus"

	"activity-sync/internal/common"
	"activity-sync/internal/metrics"
)

// ActivityType selects which daily metric a challenge tracks
type ActivityType string

const (
	ActivitySteps    ActivityType = "steps"
	ActivityCalories ActivityType = "calories"
	ActivitySleep    ActivityType = "sleep"
)

// Valid reports whether t is a known activity type
func (t ActivityType) Valid() bool {
	switch t {
	case ActivitySteps, ActivityCalories, ActivitySleep:
		return true
	}
	return false
}

// ObjectiveType selects how daily metrics fold into progress
type ObjectiveType string

const (
	ObjectiveTotalAmount ObjectiveType = "total_amount"
	ObjectiveDailyGoal   ObjectiveType = "daily_goal"
)

// Valid reports whether t is a known objective type
func (t ObjectiveType) Valid() bool {
	return t == ObjectiveTotalAmount || t == ObjectiveDailyGoal
}

// Challenge is a time-boxed goal over one activity metric
type Challenge struct {
	ID            int64
	Name          string
	ActivityType  ActivityType
	ObjectiveType ObjectiveType
	GoalAmount    float64
	// DailyThreshold is the per-day bar for daily_goal challenges; nil falls back to GoalAmount
	DailyThreshold *float64
	StartDate      civil.Date
	DurationDays   int
	BadgeID        *int64
	Visible        bool
	CreatedAt      time.Time
}

// EndExclusive is the first day after the challenge window
func (c *Challenge) EndExclusive() civil.Date {
	return c.StartDate.AddDays(c.DurationDays)
}

// LastDay is the final day inside the challenge window
func (c *Challenge) LastDay() civil.Date {
	return c.StartDate.AddDays(c.DurationDays - 1)
}

// Contains reports whether date falls inside [start, start+duration)
func (c *Challenge) Contains(date civil.Date) bool {
	return !date.Before(c.StartDate) && date.Before(c.EndExclusive())
}

// Validate checks the challenge definition
func (c *Challenge) Validate() error {
	if c.Name == "" {
		return common.Invalid("name", "must not be empty")
	}
	if !c.ActivityType.Valid() {
		return common.Invalid("activity_type", "unknown activity type %q", c.ActivityType)
	}
	if !c.ObjectiveType.Valid() {
		return common.Invalid("objective_type", "unknown objective type %q", c.ObjectiveType)
	}
	if c.GoalAmount <= 0 {
		return common.Invalid("goal_amount", "must be positive, got %v", c.GoalAmount)
	}
	if c.DailyThreshold != nil && *c.DailyThreshold < 0 {
		return common.Invalid("daily_threshold", "must be non-negative, got %v", *c.DailyThreshold)
	}
	if !c.StartDate.IsValid() {
		return common.Invalid("start_date", "invalid calendar date")
	}
	if c.DurationDays <= 0 {
		return common.Invalid("duration_days", "must be positive, got %d", c.DurationDays)
	}
	return nil
}

const challengeColumns = `id, name, activity_type, objective_type, goal_amount, daily_threshold, start_date, duration_days, badge_id, visible, created_at`

func scanChallenge(row interface{ Scan(...any) error }) (*Challenge, error) {
	var (
		c         Challenge
		threshold sql.NullFloat64
		start     string
		badgeID   sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&c.ID, &c.Name, &c.ActivityType, &c.ObjectiveType, &c.GoalAmount, &threshold,
		&start, &c.DurationDays, &badgeID, &c.Visible, &createdAt)
	if err != nil {
		return nil, err
	}

	if c.StartDate, err = civil.ParseDate(start); err != nil {
		return nil, fmt.Errorf("failed to parse challenge start date %q: %w", start, err)
	}
	if threshold.Valid {
		c.DailyThreshold = &threshold.Float64
	}
	if badgeID.Valid {
		c.BadgeID = &badgeID.Int64
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	return &c, nil
}

// CreateChallenge inserts a challenge and sets its ID
func (d *DB) CreateChallenge(ctx context.Context, c *Challenge) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCreateChallenge))
	defer timer.ObserveDuration()

	if err := c.Validate(); err != nil {
		return err
	}

	c.CreatedAt = time.Now()
	err := d.conn.QueryRowContext(ctx, d.rebind(`
		INSERT INTO challenges (name, activity_type, objective_type, goal_amount, daily_threshold, start_date, duration_days, badge_id, visible, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), c.Name, string(c.ActivityType), string(c.ObjectiveType), c.GoalAmount, c.DailyThreshold,
		c.StartDate.String(), c.DurationDays, c.BadgeID, c.Visible, c.CreatedAt.Unix()).Scan(&c.ID)
	if err != nil {
		return fail(metrics.DBOpCreateChallenge, fmt.Errorf("failed to create challenge: %w", err))
	}
	return nil
}

// GetChallenge retrieves a challenge by ID. Returns nil if none exists.
func (d *DB) GetChallenge(ctx context.Context, id int64) (*Challenge, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetChallenge))
	defer timer.ObserveDuration()

	c, err := scanChallenge(d.conn.QueryRowContext(ctx, d.rebind(`SELECT `+challengeColumns+` FROM challenges WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fail(metrics.DBOpGetChallenge, fmt.Errorf("failed to get challenge: %w", err))
	}
	return c, nil
}

// ListActiveChallenges returns visible challenges whose window contains date
func (d *DB) ListActiveChallenges(ctx context.Context, date civil.Date) ([]*Challenge, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListActiveChallenges))
	defer timer.ObserveDuration()

	// The end bound needs date arithmetic, which differs per dialect; filter it here instead
	all, err := d.queryChallenges(ctx, `
		SELECT `+challengeColumns+`
		FROM challenges
		WHERE visible = ? AND start_date <= ?
		ORDER BY id ASC
	`, true, date.String())
	if err != nil {
		return nil, fail(metrics.DBOpListActiveChallenges, fmt.Errorf("failed to list active challenges: %w", err))
	}

	active := all[:0]
	for _, c := range all {
		if c.Contains(date) {
			active = append(active, c)
		}
	}
	return active, nil
}

// ListUserChallenges returns the visible challenges a user participates in
func (d *DB) ListUserChallenges(ctx context.Context, userID int64) ([]*Challenge, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListUserChallenges))
	defer timer.ObserveDuration()

	out, err := d.queryChallenges(ctx, `
		SELECT c.id, c.name, c.activity_type, c.objective_type, c.goal_amount, c.daily_threshold,
		       c.start_date, c.duration_days, c.badge_id, c.visible, c.created_at
		FROM challenges c
		JOIN challenge_participants p ON p.challenge_id = c.id
		WHERE p.user_id = ? AND c.visible = ?
		ORDER BY c.id ASC
	`, userID, true)
	if err != nil {
		return nil, fail(metrics.DBOpListUserChallenges, fmt.Errorf("failed to list user challenges: %w", err))
	}
	return out, nil
}

func (d *DB) queryChallenges(ctx context.Context, query string, args ...any) ([]*Challenge, error) {
	rows, err := d.conn.QueryContext(ctx, d.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Challenge
	for rows.Next() {
		c, err := scanChallenge(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
