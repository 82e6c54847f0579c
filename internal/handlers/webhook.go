package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"cloud.google.com/go/civil"
	"github.com/google/uuid"

	"activity-sync/internal/database"
	"activity-sync/internal/webhooklog"
)

// Push event types
const (
	EventAuth      = "auth"
	EventDeauth    = "deauth"
	EventDaily     = "daily"
	EventActivity  = "activity"
	EventSleep     = "sleep"
	EventBody      = "body"
	eventMalformed = "malformed"
)

// maxWebhookBody caps the payload kept in the log
const maxWebhookBody = 1 << 20

// WebhookConnections is the part of the connection registry ingestion needs
type WebhookConnections interface {
	GetConnectionBySubject(ctx context.Context, subject string) (*database.Connection, error)
	UpsertConnection(ctx context.Context, userID int64, source, subject string) (*database.Connection, error)
	RevokeSource(ctx context.Context, userID int64, source string) (*database.Connection, error)
}

// JobQueue accepts background sync work
type JobQueue interface {
	EnqueueSyncJob(ctx context.Context, job *database.SyncJob) (int64, error)
}

// EventRecorder is the webhook ingestion log
type EventRecorder interface {
	RecordEvent(ctx context.Context, ev webhooklog.Event)
}

// WebhookHandler handles provider push events
type WebhookHandler struct {
	connections     WebhookConnections
	queue           JobQueue
	recorder        EventRecorder
	defaultProvider string
	logger          *slog.Logger
}

// NewWebhookHandler creates a new webhook handler. defaultProvider names the
// source for events that do not carry one.
func NewWebhookHandler(connections WebhookConnections, queue JobQueue, recorder EventRecorder, defaultProvider string, logger *slog.Logger) *WebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookHandler{
		connections:     connections,
		queue:           queue,
		recorder:        recorder,
		defaultProvider: defaultProvider,
		logger:          logger,
	}
}

// flexString accepts a JSON string or number
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = flexString(n.String())
	return nil
}

type pushEvent struct {
	UserID          flexString `json:"user_id"`
	Type            string     `json:"type"`
	Version         flexString `json:"version"`
	DocumentVersion flexString `json:"document_version"`
	Date            string     `json:"date"`
	ReferenceID     flexString `json:"reference_id"`
	Provider        string     `json:"provider"`
}

func (p *pushEvent) version() string {
	if p.DocumentVersion != "" {
		return string(p.DocumentVersion)
	}
	return string(p.Version)
}

// HandleEvent handles POST /webhook. The response is 200 whatever the outcome,
// which is recorded in the ingestion log instead.
func (h *WebhookHandler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("Failed to read webhook body", "error", err)
	}

	ev := h.process(r.Context(), body, err)
	h.recorder.RecordEvent(r.Context(), ev)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]bool{"received": true}); err != nil {
		h.logger.Error("Failed to encode webhook response", "error", err)
	}
}

func (h *WebhookHandler) process(ctx context.Context, body []byte, readErr error) webhooklog.Event {
	ev := webhooklog.Event{Payload: body}
	if readErr != nil {
		ev.Type = eventMalformed
		ev.DocumentVersion = uuid.NewString()
		ev.Err = fmt.Errorf("failed to read body: %w", readErr)
		return ev
	}

	var push pushEvent
	if err := json.Unmarshal(body, &push); err != nil {
		h.logger.Warn("Invalid JSON in webhook body", "error", err)
		// Each malformed delivery keeps its own log row
		ev.Type = eventMalformed
		ev.DocumentVersion = uuid.NewString()
		ev.Err = fmt.Errorf("invalid JSON: %w", err)
		return ev
	}

	ev.Subject = string(push.UserID)
	ev.Type = push.Type
	ev.DocumentVersion = push.version()
	ev.Date = push.Date

	h.logger.Info("Received webhook event",
		"subject", ev.Subject,
		"type", ev.Type,
		"document_version", ev.DocumentVersion,
		"date", ev.Date,
	)

	if ev.Subject == "" {
		ev.Err = errors.New("missing user_id")
		return ev
	}

	switch push.Type {
	case EventAuth:
		ev.Err = h.handleAuth(ctx, &push)
	case EventDeauth:
		ev.Err = h.handleDeauth(ctx, &push)
	case EventDaily, EventActivity, EventSleep, EventBody:
		ev.Err = h.handleData(ctx, &push)
	default:
		ev.Err = fmt.Errorf("unsupported event type %q", push.Type)
	}

	if ev.Err != nil {
		h.logger.Warn("Webhook event failed", "subject", ev.Subject, "type", ev.Type, "error", ev.Err)
	}
	return ev
}

func (h *WebhookHandler) source(push *pushEvent) string {
	if push.Provider != "" {
		return push.Provider
	}
	return h.defaultProvider
}

// handleAuth links the subject to the internal user named by reference_id
func (h *WebhookHandler) handleAuth(ctx context.Context, push *pushEvent) error {
	if push.ReferenceID == "" {
		return errors.New("auth event without reference_id")
	}
	userID, err := strconv.ParseInt(string(push.ReferenceID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid reference_id %q", push.ReferenceID)
	}
	_, err = h.connections.UpsertConnection(ctx, userID, h.source(push), string(push.UserID))
	return err
}

func (h *WebhookHandler) handleDeauth(ctx context.Context, push *pushEvent) error {
	conn, err := h.connections.GetConnectionBySubject(ctx, string(push.UserID))
	if err != nil {
		return err
	}
	source := push.Provider
	if source == "" {
		source = conn.Provider
	}
	_, err = h.connections.RevokeSource(ctx, conn.UserID, source)
	return err
}

// handleData queues a refresh of the pushed day for the worker
func (h *WebhookHandler) handleData(ctx context.Context, push *pushEvent) error {
	if push.Date == "" {
		return errors.New("data event without date")
	}
	date, err := civil.ParseDate(push.Date)
	if err != nil {
		return fmt.Errorf("invalid date %q", push.Date)
	}

	conn, err := h.connections.GetConnectionBySubject(ctx, string(push.UserID))
	if err != nil {
		return err
	}
	if conn.Status == database.StatusInactive {
		return fmt.Errorf("connection for user %d is inactive", conn.UserID)
	}

	id, err := h.queue.EnqueueSyncJob(ctx, &database.SyncJob{
		UserID:    conn.UserID,
		JobType:   database.JobRefreshDay,
		StartDate: date,
		EndDate:   date,
	})
	if err != nil {
		return err
	}
	h.logger.Info("Refresh queued", "user_id", conn.UserID, "date", push.Date, "job_id", id)
	return nil
}
