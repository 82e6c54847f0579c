package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"activity-sync/internal/metrics"
)

// Participant is a user's cached progress in one challenge
type Participant struct {
	ChallengeID     int64
	UserID          int64
	CurrentProgress float64
	HasCompleted    bool
	CompletedAt     *time.Time
	JoinedAt        time.Time
	UpdatedAt       time.Time
}

const participantColumns = `challenge_id, user_id, current_progress, has_completed, completed_at, joined_at, updated_at`

func scanParticipant(row interface{ Scan(...any) error }) (*Participant, error) {
	var (
		p           Participant
		completedAt sql.NullInt64
		joinedAt    int64
		updatedAt   int64
	)
	err := row.Scan(&p.ChallengeID, &p.UserID, &p.CurrentProgress, &p.HasCompleted, &completedAt, &joinedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.CompletedAt = timePtr(completedAt)
	p.JoinedAt = time.Unix(joinedAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

// JoinChallenge enrolls a user. Returns false if the user was already a participant.
func (d *DB) JoinChallenge(ctx context.Context, challengeID, userID int64) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpJoinChallenge))
	defer timer.ObserveDuration()

	now := time.Now().Unix()
	result, err := d.conn.ExecContext(ctx, d.rebind(`
		INSERT INTO challenge_participants (challenge_id, user_id, current_progress, has_completed, joined_at, updated_at)
		VALUES (?, ?, 0, ?, ?, ?)
		ON CONFLICT (challenge_id, user_id) DO NOTHING
	`), challengeID, userID, false, now, now)
	if err != nil {
		return false, fail(metrics.DBOpJoinChallenge, fmt.Errorf("failed to join challenge: %w", err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fail(metrics.DBOpJoinChallenge, fmt.Errorf("failed to get rows affected: %w", err))
	}
	return rows == 1, nil
}

// GetParticipant retrieves a participant row. Returns nil if the user has not joined.
func (d *DB) GetParticipant(ctx context.Context, challengeID, userID int64) (*Participant, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetParticipant))
	defer timer.ObserveDuration()

	p, err := scanParticipant(d.conn.QueryRowContext(ctx, d.rebind(`
		SELECT `+participantColumns+` FROM challenge_participants WHERE challenge_id = ? AND user_id = ?
	`), challengeID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fail(metrics.DBOpGetParticipant, fmt.Errorf("failed to get participant: %w", err))
	}
	return p, nil
}

// ListParticipants returns every participant of a challenge ordered by user id
func (d *DB) ListParticipants(ctx context.Context, challengeID int64) ([]*Participant, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpListParticipants))
	defer timer.ObserveDuration()

	rows, err := d.conn.QueryContext(ctx, d.rebind(`
		SELECT `+participantColumns+` FROM challenge_participants WHERE challenge_id = ? ORDER BY user_id ASC
	`), challengeID)
	if err != nil {
		return nil, fail(metrics.DBOpListParticipants, fmt.Errorf("failed to list participants: %w", err))
	}
	defer rows.Close()

	var out []*Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, fail(metrics.DBOpListParticipants, fmt.Errorf("failed to scan participant: %w", err))
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(metrics.DBOpListParticipants, fmt.Errorf("failed to iterate participants: %w", err))
	}
	return out, nil
}

// UpdateParticipantProgress stores the recomputed progress and returns the row as persisted.
// Completion is sticky: once has_completed is true it stays true and completed_at keeps
// its first value, whatever later calls pass.
func (d *DB) UpdateParticipantProgress(ctx context.Context, challengeID, userID int64, progress float64, completed bool, at time.Time) (*Participant, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpdateParticipant))
	defer timer.ObserveDuration()

	var completedAt *int64
	if completed {
		v := at.Unix()
		completedAt = &v
	}

	p, err := scanParticipant(d.conn.QueryRowContext(ctx, d.rebind(`
		UPDATE challenge_participants
		SET current_progress = ?,
		    has_completed = has_completed OR ?,
		    completed_at = COALESCE(completed_at, ?),
		    updated_at = ?
		WHERE challenge_id = ? AND user_id = ?
		RETURNING `+participantColumns), progress, completed, completedAt, at.Unix(), challengeID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fail(metrics.DBOpUpdateParticipant, fmt.Errorf("failed to update participant progress: %w", err))
	}
	return p, nil
}
