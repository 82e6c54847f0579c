// Package webhooklog keeps the deduplicated record of inbound push events.
package webhooklog

import (
	"context"
	"log/slog"
	"time"

	"activity-sync/internal/database"
	"activity-sync/internal/metrics"
)

// Store persists log entries
type Store interface {
	UpsertWebhookLogEntry(ctx context.Context, e *database.WebhookLogEntry) error
}

// Event is one inbound push document and the outcome of handling it
type Event struct {
	Subject         string
	Type            string
	DocumentVersion string
	// Date is the data date the document refers to, if any
	Date    string
	Payload []byte
	// Err is the handling failure, nil on success
	Err error
}

// Recorder writes events to the log
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a recorder
func New(store Store, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// RecordEvent upserts the entry keyed by (subject, type, document version).
// Replays overwrite the earlier outcome. Store failures are logged and counted,
// never returned: ingestion acknowledges the push regardless.
func (r *Recorder) RecordEvent(ctx context.Context, ev Event) {
	entry := &database.WebhookLogEntry{
		ExternalSubjectID: ev.Subject,
		EventType:         ev.Type,
		DocumentVersion:   ev.DocumentVersion,
		Status:            database.WebhookStatusSuccess,
		RawPayload:        string(ev.Payload),
		ProcessedAt:       r.now(),
	}
	if ev.Date != "" {
		entry.DataDate = &ev.Date
	}
	if ev.Err != nil {
		msg := ev.Err.Error()
		entry.Status = database.WebhookStatusError
		entry.ErrorMessage = &msg
	}

	if err := r.store.UpsertWebhookLogEntry(ctx, entry); err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, metrics.LogFailed).Inc()
		r.logger.Error("Failed to record webhook event",
			"subject", ev.Subject,
			"event_type", ev.Type,
			"document_version", ev.DocumentVersion,
			"error", err,
		)
		return
	}

	metrics.WebhookEventsTotal.WithLabelValues(ev.Type, metrics.LogRecorded).Inc()
}
