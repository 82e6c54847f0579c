package database

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"activity-sync/internal/metrics"
)

// BadgeAward is one badge issued to one user
type BadgeAward struct {
	ID       int64
	UserID   int64
	BadgeID  int64
	EarnedAt time.Time
}

// AwardBadgeIfAbsent inserts the award unless the user already holds the badge.
// The unique index decides races: exactly one concurrent caller sees true.
func (d *DB) AwardBadgeIfAbsent(ctx context.Context, userID, badgeID int64, at time.Time) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpAwardBadge))
	defer timer.ObserveDuration()

	result, err := d.conn.ExecContext(ctx, d.rebind(`
		INSERT INTO badge_awards (user_id, badge_id, earned_at)
		VALUES (?, ?, ?)
		ON CONFLICT (user_id, badge_id) DO NOTHING
	`), userID, badgeID, at.Unix())
	if err != nil {
		return false, fail(metrics.DBOpAwardBadge, fmt.Errorf("failed to award badge: %w", err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fail(metrics.DBOpAwardBadge, fmt.Errorf("failed to get rows affected: %w", err))
	}
	return rows == 1, nil
}

// ListBadgeAwards returns a user's awards, oldest first
func (d *DB) ListBadgeAwards(ctx context.Context, userID int64) ([]*BadgeAward, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListBadgeAwards))
	defer timer.ObserveDuration()

	rows, err := d.conn.QueryContext(ctx, d.rebind(`
		SELECT id, user_id, badge_id, earned_at FROM badge_awards WHERE user_id = ? ORDER BY earned_at ASC, id ASC
	`), userID)
	if err != nil {
		return nil, fail(metrics.DBOpListBadgeAwards, fmt.Errorf("failed to list badge awards: %w", err))
	}
	defer rows.Close()

	var out []*BadgeAward
	for rows.Next() {
		var (
			a        BadgeAward
			earnedAt int64
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.BadgeID, &earnedAt); err != nil {
			return nil, fail(metrics.DBOpListBadgeAwards, fmt.Errorf("failed to scan badge award: %w", err))
		}
		a.EarnedAt = time.Unix(earnedAt, 0)
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(metrics.DBOpListBadgeAwards, fmt.Errorf("failed to iterate badge awards: %w", err))
	}
	return out, nil
}
