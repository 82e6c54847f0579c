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

// DailyActivity is the canonical metric row for one user and one calendar day
type DailyActivity struct {
	ID         int64
	UserID     int64
	Date       civil.Date
	Steps      int64
	Calories   float64
	SleepHours float64
	DataSource string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Validate rejects negative metrics and malformed dates
func (a *DailyActivity) Validate() error {
	if !a.Date.IsValid() {
		return common.Invalid("date", "invalid calendar date %q", a.Date.String())
	}
	if a.Steps < 0 {
		return common.Invalid("steps", "must be non-negative, got %d", a.Steps)
	}
	if a.Calories < 0 {
		return common.Invalid("calories", "must be non-negative, got %v", a.Calories)
	}
	if a.SleepHours < 0 {
		return common.Invalid("sleep_hours", "must be non-negative, got %v", a.SleepHours)
	}
	return nil
}

const activityColumns = `id, user_id, activity_date, steps, calories, sleep_hours, data_source, created_at, updated_at`

func scanActivity(row interface{ Scan(...any) error }) (*DailyActivity, error) {
	var (
		a         DailyActivity
		date      string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&a.ID, &a.UserID, &date, &a.Steps, &a.Calories, &a.SleepHours, &a.DataSource, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	d, err := civil.ParseDate(date)
	if err != nil {
		return nil, fmt.Errorf("failed to parse activity date %q: %w", date, err)
	}
	a.Date = d
	a.CreatedAt = time.Unix(createdAt, 0)
	a.UpdatedAt = time.Unix(updatedAt, 0)
	return &a, nil
}

// GetDailyActivity retrieves the row for a user and day. Returns nil if none exists.
func (d *DB) GetDailyActivity(ctx context.Context, userID int64, date civil.Date) (*DailyActivity, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetDailyActivity))
	defer timer.ObserveDuration()

	row := d.conn.QueryRowContext(ctx, d.rebind(`
		SELECT `+activityColumns+` FROM daily_activities WHERE user_id = ? AND activity_date = ?
	`), userID, date.String())
	a, err := scanActivity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fail(metrics.DBOpGetDailyActivity, fmt.Errorf("failed to get daily activity: %w", err))
	}
	return a, nil
}

// InsertDailyActivityIfAbsent writes the row unless one already exists for the same user and day.
// Returns true if this call created the row.
func (d *DB) InsertDailyActivityIfAbsent(ctx context.Context, a *DailyActivity) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpInsertDailyActivity))
	defer timer.ObserveDuration()

	if err := a.Validate(); err != nil {
		return false, err
	}

	now := time.Now()
	result, err := d.conn.ExecContext(ctx, d.rebind(`
		INSERT INTO daily_activities (user_id, activity_date, steps, calories, sleep_hours, data_source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, activity_date) DO NOTHING
	`), a.UserID, a.Date.String(), a.Steps, a.Calories, a.SleepHours, a.DataSource, now.Unix(), now.Unix())
	if err != nil {
		return false, fail(metrics.DBOpInsertDailyActivity, fmt.Errorf("failed to insert daily activity: %w", err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fail(metrics.DBOpInsertDailyActivity, fmt.Errorf("failed to get rows affected: %w", err))
	}
	if rows == 1 {
		a.CreatedAt = now
		a.UpdatedAt = now
	}
	return rows == 1, nil
}

// UpsertDailyActivity writes the row, replacing the metrics of an existing one
func (d *DB) UpsertDailyActivity(ctx context.Context, a *DailyActivity) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertDailyActivity))
	defer timer.ObserveDuration()

	if err := a.Validate(); err != nil {
		return err
	}

	now := time.Now()
	_, err := d.conn.ExecContext(ctx, d.rebind(`
		INSERT INTO daily_activities (user_id, activity_date, steps, calories, sleep_hours, data_source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, activity_date) DO UPDATE SET
			steps = excluded.steps,
			calories = excluded.calories,
			sleep_hours = excluded.sleep_hours,
			data_source = excluded.data_source,
			updated_at = excluded.updated_at
	`), a.UserID, a.Date.String(), a.Steps, a.Calories, a.SleepHours, a.DataSource, now.Unix(), now.Unix())
	if err != nil {
		return fail(metrics.DBOpUpsertDailyActivity, fmt.Errorf("failed to upsert daily activity: %w", err))
	}
	a.UpdatedAt = now
	return nil
}

// ListDailyActivities returns the user's rows with from <= date < toExclusive, ascending by date
func (d *DB) ListDailyActivities(ctx context.Context, userID int64, from, toExclusive civil.Date) ([]*DailyActivity, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListDailyActivities))
	defer timer.ObserveDuration()

	// ISO dates compare correctly as text
	rows, err := d.conn.QueryContext(ctx, d.rebind(`
		SELECT `+activityColumns+`
		FROM daily_activities
		WHERE user_id = ? AND activity_date >= ? AND activity_date < ?
		ORDER BY activity_date ASC
	`), userID, from.String(), toExclusive.String())
	if err != nil {
		return nil, fail(metrics.DBOpListDailyActivities, fmt.Errorf("failed to list daily activities: %w", err))
	}
	defer rows.Close()

	var out []*DailyActivity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, fail(metrics.DBOpListDailyActivities, fmt.Errorf("failed to scan daily activity: %w", err))
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(metrics.DBOpListDailyActivities, fmt.Errorf("failed to iterate daily activities: %w", err))
	}
	return out, nil
}
