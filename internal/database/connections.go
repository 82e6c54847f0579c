package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"activity-sync/internal/metrics"
)

// ConnectionStatus is the overall state of a user's provider link
type ConnectionStatus string

const (
	StatusActive   ConnectionStatus = "active"
	StatusPartial  ConnectionStatus = "partial"
	StatusInactive ConnectionStatus = "inactive"
)

// rank orders statuses from worst to best
func (s ConnectionStatus) rank() int {
	switch s {
	case StatusActive:
		return 2
	case StatusPartial:
		return 1
	default:
		return 0
	}
}

// Worse returns whichever of s and other is lower
func (s ConnectionStatus) Worse(other ConnectionStatus) ConnectionStatus {
	if other.rank() < s.rank() {
		return other
	}
	return s
}

// Connection links an internal user to a provider account
type Connection struct {
	UserID            int64
	Provider          string
	ExternalSubjectID string
	Status            ConnectionStatus
	AuthorizedSources map[string]bool
	LastSyncAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time

	// Legacy is set on connections served from the legacy table
	Legacy bool
}

const connectionColumns = `user_id, provider, external_subject_id, status, authorized_sources, last_sync_at, created_at, updated_at`

func scanConnection(row interface{ Scan(...any) error }) (*Connection, error) {
	var (
		c          Connection
		sources    string
		lastSyncAt sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)

	err := row.Scan(&c.UserID, &c.Provider, &c.ExternalSubjectID, &c.Status, &sources, &lastSyncAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	c.AuthorizedSources = map[string]bool{}
	if sources != "" {
		if err := json.Unmarshal([]byte(sources), &c.AuthorizedSources); err != nil {
			return nil, fmt.Errorf("failed to decode authorized sources: %w", err)
		}
	}
	c.LastSyncAt = timePtr(lastSyncAt)
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = time.Unix(updatedAt, 0)
	return &c, nil
}

// GetConnection retrieves the primary connection for a user. Returns nil if none exists.
func (d *DB) GetConnection(ctx context.Context, userID int64) (*Connection, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetConnection))
	defer timer.ObserveDuration()

	row := d.conn.QueryRowContext(ctx, d.rebind(`SELECT `+connectionColumns+` FROM provider_connections WHERE user_id = ?`), userID)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fail(metrics.DBOpGetConnection, fmt.Errorf("failed to get connection: %w", err))
	}
	return c, nil
}

// GetConnectionBySubject retrieves the primary connection for a provider subject id.
// When several users share a subject the most recently updated one wins.
func (d *DB) GetConnectionBySubject(ctx context.Context, subject string) (*Connection, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetConnectionBySubject))
	defer timer.ObserveDuration()

	row := d.conn.QueryRowContext(ctx, d.rebind(`
		SELECT `+connectionColumns+`
		FROM provider_connections
		WHERE external_subject_id = ?
		ORDER BY updated_at DESC
		LIMIT 1
	`), subject)
	c, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fail(metrics.DBOpGetConnectionBySubject, fmt.Errorf("failed to get connection by subject: %w", err))
	}
	return c, nil
}

// MutateConnection runs a read-modify-write of a user's connection in one transaction.
// fn receives the current row (nil if absent) and returns the row to store.
// Returning a nil connection leaves the table untouched.
func (d *DB) MutateConnection(ctx context.Context, userID int64, fn func(existing *Connection) (*Connection, error)) (*Connection, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpMutateConnection))
	defer timer.ObserveDuration()

	var result *Connection
	err := d.withTx(ctx, func(tx queryer) error {
		row := tx.QueryRowContext(ctx, d.rebind(`SELECT `+connectionColumns+` FROM provider_connections WHERE user_id = ?`+d.forUpdate()), userID)
		existing, err := scanConnection(row)
		if errors.Is(err, sql.ErrNoRows) {
			existing = nil
		} else if err != nil {
			return fmt.Errorf("failed to read connection: %w", err)
		}

		next, err := fn(existing)
		if err != nil || next == nil {
			return err
		}

		now := time.Now()
		next.UserID = userID
		next.UpdatedAt = now
		if existing != nil {
			next.CreatedAt = existing.CreatedAt
		} else {
			next.CreatedAt = now
		}

		sources, err := json.Marshal(next.AuthorizedSources)
		if err != nil {
			return fmt.Errorf("failed to encode authorized sources: %w", err)
		}

		_, err = tx.ExecContext(ctx, d.rebind(`
			INSERT INTO provider_connections (`+connectionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				provider = excluded.provider,
				external_subject_id = excluded.external_subject_id,
				status = excluded.status,
				authorized_sources = excluded.authorized_sources,
				last_sync_at = excluded.last_sync_at,
				updated_at = excluded.updated_at
		`), userID, next.Provider, next.ExternalSubjectID, string(next.Status), string(sources),
			unixPtr(next.LastSyncAt), next.CreatedAt.Unix(), next.UpdatedAt.Unix())
		if err != nil {
			return fmt.Errorf("failed to write connection: %w", err)
		}

		result = next
		return nil
	})
	if err != nil {
		return nil, fail(metrics.DBOpMutateConnection, err)
	}
	return result, nil
}

// TouchConnectionSync stamps last_sync_at. Returns false if the user has no primary connection.
func (d *DB) TouchConnectionSync(ctx context.Context, userID int64, at time.Time) (bool, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpTouchConnection))
	defer timer.ObserveDuration()

	result, err := d.conn.ExecContext(ctx, d.rebind(`UPDATE provider_connections SET last_sync_at = ? WHERE user_id = ?`), at.Unix(), userID)
	if err != nil {
		return false, fail(metrics.DBOpTouchConnection, fmt.Errorf("failed to touch connection: %w", err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fail(metrics.DBOpTouchConnection, fmt.Errorf("failed to get rows affected: %w", err))
	}
	return rows > 0, nil
}

// GetLegacyConnection looks a user up in the legacy link table. Returns nil if none exists.
func (d *DB) GetLegacyConnection(ctx context.Context, userID int64) (*Connection, error) {
	return d.getLegacy(ctx, `user_id = ?`, userID)
}

// GetLegacyConnectionBySubject is the reverse lookup on the legacy link table
func (d *DB) GetLegacyConnectionBySubject(ctx context.Context, subject string) (*Connection, error) {
	return d.getLegacy(ctx, `external_subject_id = ? ORDER BY created_at DESC LIMIT 1`, subject)
}

func (d *DB) getLegacy(ctx context.Context, where string, arg any) (*Connection, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetLegacyConnection))
	defer timer.ObserveDuration()

	var (
		c         Connection
		active    bool
		createdAt int64
	)
	err := d.conn.QueryRowContext(ctx, d.rebind(`
		SELECT user_id, provider, external_subject_id, active, created_at
		FROM legacy_connections WHERE `+where), arg).Scan(&c.UserID, &c.Provider, &c.ExternalSubjectID, &active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fail(metrics.DBOpGetLegacyConnection, fmt.Errorf("failed to get legacy connection: %w", err))
	}

	// Legacy links predate per-source authorization; the whole provider is one source
	c.Status = StatusInactive
	c.AuthorizedSources = map[string]bool{c.Provider: active}
	if active {
		c.Status = StatusActive
	}
	c.CreatedAt = time.Unix(createdAt, 0)
	c.UpdatedAt = c.CreatedAt
	c.Legacy = true
	return &c, nil
}

// InsertLegacyConnection seeds the legacy table. Only migrations and tests write here.
func (d *DB) InsertLegacyConnection(ctx context.Context, userID int64, provider, subject string, active bool) error {
	_, err := d.conn.ExecContext(ctx, d.rebind(`
		INSERT INTO legacy_connections (user_id, provider, external_subject_id, active, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), userID, provider, subject, active, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert legacy connection: %w", err)
	}
	return nil
}
