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

// Webhook log statuses
const (
	WebhookStatusSuccess = "success"
	WebhookStatusError   = "error"
)

// WebhookLogEntry records the outcome of one inbound push document
type WebhookLogEntry struct {
	ID                int64
	ExternalSubjectID string
	EventType         string
	DocumentVersion   string
	DataDate          *string
	Status            string
	ErrorMessage      *string
	RawPayload        string
	ProcessedAt       time.Time
}

// UpsertWebhookLogEntry stores the entry keyed by (subject, type, version).
// A replayed document overwrites the previous outcome rather than adding a row.
func (d *DB) UpsertWebhookLogEntry(ctx context.Context, e *WebhookLogEntry) error {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpUpsertWebhookLog))
	defer timer.ObserveDuration()

	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = time.Now()
	}

	_, err := d.conn.ExecContext(ctx, d.rebind(`
		INSERT INTO webhook_log (external_subject_id, event_type, document_version, data_date, status, error_message, raw_payload, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (external_subject_id, event_type, document_version) DO UPDATE SET
			data_date = excluded.data_date,
			status = excluded.status,
			error_message = excluded.error_message,
			raw_payload = excluded.raw_payload,
			processed_at = excluded.processed_at
	`), e.ExternalSubjectID, e.EventType, e.DocumentVersion, e.DataDate, e.Status, e.ErrorMessage, e.RawPayload, e.ProcessedAt.Unix())
	if err != nil {
		return fail(metrics.DBOpUpsertWebhookLog, fmt.Errorf("failed to upsert webhook log entry: %w", err))
	}
	return nil
}

// GetWebhookLogEntry retrieves an entry by its dedup key. Returns nil if none exists.
func (d *DB) GetWebhookLogEntry(ctx context.Context, subject, eventType, version string) (*WebhookLogEntry, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpGetWebhookLog))
	defer timer.ObserveDuration()

	var (
		e           WebhookLogEntry
		processedAt int64
	)
	err := d.conn.QueryRowContext(ctx, d.rebind(`
		SELECT id, external_subject_id, event_type, document_version, data_date, status, error_message, raw_payload, processed_at
		FROM webhook_log
		WHERE external_subject_id = ? AND event_type = ? AND document_version = ?
	`), subject, eventType, version).Scan(
		&e.ID, &e.ExternalSubjectID, &e.EventType, &e.DocumentVersion, &e.DataDate,
		&e.Status, &e.ErrorMessage, &e.RawPayload, &processedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fail(metrics.DBOpGetWebhookLog, fmt.Errorf("failed to get webhook log entry: %w", err))
	}
	e.ProcessedAt = time.Unix(processedAt, 0)
	return &e, nil
}

// CountWebhookLogEntries returns the number of distinct documents recorded for a subject
func (d *DB) CountWebhookLogEntries(ctx context.Context, subject string) (int, error) {
	timer := prometheus.NewTimer(metrics.DBOperationDuration.WithLabelValues(metrics.DBOpCountWebhookLog))
	defer timer.ObserveDuration()

	var count int
	err := d.conn.QueryRowContext(ctx, d.rebind(`SELECT COUNT(*) FROM webhook_log WHERE external_subject_id = ?`), subject).Scan(&count)
	if err != nil {
		return 0, fail(metrics.DBOpCountWebhookLog, fmt.Errorf("failed to count webhook log entries: %w", err))
	}
	return count, nil
}
