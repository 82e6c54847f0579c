// Package badges issues rewards exactly once per user and badge.
package badges

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"activity-sync/internal/database"
	"activity-sync/internal/metrics"
)

// Store persists awards. AwardBadgeIfAbsent must be atomic with respect to
// concurrent callers for the same user and badge.
type Store interface {
	AwardBadgeIfAbsent(ctx context.Context, userID, badgeID int64, at time.Time) (bool, error)
	ListBadgeAwards(ctx context.Context, userID int64) ([]*database.BadgeAward, error)
}

// Ledger is the badge ledger
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger
func New(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// AwardIfAbsent issues badgeID to userID unless already held. Among any number
// of concurrent calls for the same pair exactly one returns true.
func (l *Ledger) AwardIfAbsent(ctx context.Context, userID, badgeID int64) (bool, error) {
	awarded, err := l.store.AwardBadgeIfAbsent(ctx, userID, badgeID, l.now())
	if err != nil {
		return false, fmt.Errorf("failed to award badge %d to user %d: %w", badgeID, userID, err)
	}
	if awarded {
		metrics.BadgesAwardedTotal.Inc()
		l.logger.Info("Badge awarded", "user_id", userID, "badge_id", badgeID)
	}
	return awarded, nil
}

// ListAwards returns the badges a user holds, oldest first
func (l *Ledger) ListAwards(ctx context.Context, userID int64) ([]*database.BadgeAward, error) {
	awards, err := l.store.ListBadgeAwards(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list badges: %w", err)
	}
	return awards, nil
}
