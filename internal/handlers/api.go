package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/gorilla/mux"

	"activity-sync/internal/common"
	"activity-sync/internal/database"
	"activity-sync/internal/metrics"
	"activity-sync/internal/middleware"
	"activity-sync/internal/progress"
	"activity-sync/internal/provider"
	"activity-sync/internal/syncer"
)

// APIStore is the storage the internal API reads and writes directly
type APIStore interface {
	ListDailyActivities(ctx context.Context, userID int64, from, toExclusive civil.Date) ([]*database.DailyActivity, error)
	GetChallenge(ctx context.Context, id int64) (*database.Challenge, error)
	ListParticipants(ctx context.Context, challengeID int64) ([]*database.Participant, error)
	JoinChallenge(ctx context.Context, challengeID, userID int64) (bool, error)
	EnqueueSyncJob(ctx context.Context, job *database.SyncJob) (int64, error)
	GetWebhookLogEntry(ctx context.Context, subject, eventType, version string) (*database.WebhookLogEntry, error)
	CountWebhookLogEntries(ctx context.Context, subject string) (int, error)
	Health(ctx context.Context) error
}

// APIConnections resolves a user's connection
type APIConnections interface {
	GetActiveConnection(ctx context.Context, userID int64) (*database.Connection, error)
}

// BadgeLister lists a user's badges
type BadgeLister interface {
	ListAwards(ctx context.Context, userID int64) ([]*database.BadgeAward, error)
}

// Syncer runs on-demand synchronization
type Syncer interface {
	SyncDay(ctx context.Context, userID int64, date civil.Date) (*database.DailyActivity, bool, error)
	SyncActiveChallenges(ctx context.Context, targetDate civil.Date, userID *int64) (syncer.BatchResult, error)
}

// Calculator recomputes challenge progress
type Calculator interface {
	Calculate(ctx context.Context, challengeID int64, userID *int64) ([]progress.Result, error)
}

// APIHandler serves the internal API
type APIHandler struct {
	store       APIStore
	connections APIConnections
	badges      BadgeLister
	syncer      Syncer
	calculator  Calculator
	loc         *time.Location
	now         func() time.Time
	logger      *slog.Logger
}

// NewAPIHandler creates the internal API handler. loc is the time zone used
// to default a missing date to "today".
func NewAPIHandler(store APIStore, connections APIConnections, badges BadgeLister, s Syncer, calc Calculator, loc *time.Location, logger *slog.Logger) *APIHandler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandler{
		store:       store,
		connections: connections,
		badges:      badges,
		syncer:      s,
		calculator:  calc,
		loc:         loc,
		now:         time.Now,
		logger:      logger,
	}
}

// Register mounts the API routes on r. Everything under /api requires the bearer key.
func (h *APIHandler) Register(r *mux.Router, apiKey string) {
	r.Handle("/health", middleware.WrapHandler(metrics.EndpointHealth, h.handleHealth)).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.BearerAuth(apiKey))

	api.Handle("/users/{userID:[0-9]+}/connection", middleware.WrapHandler(metrics.EndpointConnection, h.handleConnection)).Methods(http.MethodGet)
	api.Handle("/users/{userID:[0-9]+}/activities", middleware.WrapHandler(metrics.EndpointActivities, h.handleActivities)).Methods(http.MethodGet)
	api.Handle("/users/{userID:[0-9]+}/badges", middleware.WrapHandler(metrics.EndpointBadges, h.handleBadges)).Methods(http.MethodGet)
	api.Handle("/users/{userID:[0-9]+}/sync", middleware.WrapHandler(metrics.EndpointSyncDay, h.handleSyncDay)).Methods(http.MethodPost)
	api.Handle("/challenges/{challengeID:[0-9]+}/participants", middleware.WrapHandler(metrics.EndpointParticipants, h.handleParticipants)).Methods(http.MethodGet)
	api.Handle("/challenges/{challengeID:[0-9]+}/join", middleware.WrapHandler(metrics.EndpointJoin, h.handleJoin)).Methods(http.MethodPost)
	api.Handle("/challenges/{challengeID:[0-9]+}/progress", middleware.WrapHandler(metrics.EndpointProgress, h.handleProgress)).Methods(http.MethodPost)
	api.Handle("/sync/active", middleware.WrapHandler(metrics.EndpointSyncActive, h.handleSyncActive)).Methods(http.MethodPost)
	api.Handle("/webhook-log/{subject}", middleware.WrapHandler(metrics.EndpointWebhookLog, h.handleWebhookLog)).Methods(http.MethodGet)
}

func (h *APIHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Health(r.Context()); err != nil {
		h.logger.Error("Health check failed", "error", err)
		http.Error(w, "Unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type connectionView struct {
	UserID            int64           `json:"user_id"`
	Provider          string          `json:"provider"`
	ExternalSubjectID string          `json:"external_subject_id"`
	Status            string          `json:"status"`
	AuthorizedSources map[string]bool `json:"authorized_sources"`
	LastSyncAt        *time.Time      `json:"last_sync_at,omitempty"`
	Legacy            bool            `json:"legacy,omitempty"`
}

func (h *APIHandler) handleConnection(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	c, err := h.connections.GetActiveConnection(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, connectionView{
		UserID:            c.UserID,
		Provider:          c.Provider,
		ExternalSubjectID: c.ExternalSubjectID,
		Status:            string(c.Status),
		AuthorizedSources: c.AuthorizedSources,
		LastSyncAt:        c.LastSyncAt,
		Legacy:            c.Legacy,
	})
}

type activityView struct {
	Date       string  `json:"date"`
	Steps      int64   `json:"steps"`
	Calories   float64 `json:"calories"`
	SleepHours float64 `json:"sleep_hours"`
	DataSource string  `json:"data_source"`
}

func toActivityView(a *database.DailyActivity) activityView {
	return activityView{
		Date:       a.Date.String(),
		Steps:      a.Steps,
		Calories:   a.Calories,
		SleepHours: a.SleepHours,
		DataSource: a.DataSource,
	}
}

// handleActivities lists stored days from..to inclusive; the default is the last seven days
func (h *APIHandler) handleActivities(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	to, err := h.dateParam(r, "to")
	if err != nil {
		h.writeError(w, err)
		return
	}
	from := to.AddDays(-6)
	if r.URL.Query().Get("from") != "" {
		if from, err = h.dateParam(r, "from"); err != nil {
			h.writeError(w, err)
			return
		}
	}
	if from.After(to) {
		h.writeError(w, common.Invalid("from", "must not be after to"))
		return
	}

	rows, err := h.store.ListDailyActivities(r.Context(), userID, from, to.AddDays(1))
	if err != nil {
		h.writeError(w, err)
		return
	}
	views := make([]activityView, 0, len(rows))
	for _, a := range rows {
		views = append(views, toActivityView(a))
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"activities": views})
}

type badgeView struct {
	BadgeID  int64     `json:"badge_id"`
	EarnedAt time.Time `json:"earned_at"`
}

func (h *APIHandler) handleBadges(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	awards, err := h.badges.ListAwards(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	views := make([]badgeView, 0, len(awards))
	for _, a := range awards {
		views = append(views, badgeView{BadgeID: a.BadgeID, EarnedAt: a.EarnedAt})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"badges": views})
}

func (h *APIHandler) handleSyncDay(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.pathID(w, r, "userID")
	if !ok {
		return
	}
	date, err := h.dateParam(r, "date")
	if err != nil {
		h.writeError(w, err)
		return
	}

	row, created, err := h.syncer.SyncDay(r.Context(), userID, date)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"activity": toActivityView(row),
		"created":  created,
	})
}

type participantView struct {
	UserID          int64          `json:"user_id"`
	CurrentProgress float64        `json:"current_progress"`
	HasCompleted    bool           `json:"has_completed"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	State           progress.State `json:"state"`
	JoinedAt        time.Time      `json:"joined_at"`
}

func (h *APIHandler) handleParticipants(w http.ResponseWriter, r *http.Request) {
	challengeID, ok := h.pathID(w, r, "challengeID")
	if !ok {
		return
	}
	if _, err := h.challenge(r.Context(), challengeID); err != nil {
		h.writeError(w, err)
		return
	}
	participants, err := h.store.ListParticipants(r.Context(), challengeID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	views := make([]participantView, 0, len(participants))
	for _, p := range participants {
		views = append(views, participantView{
			UserID:          p.UserID,
			CurrentProgress: p.CurrentProgress,
			HasCompleted:    p.HasCompleted,
			CompletedAt:     p.CompletedAt,
			State:           progress.StateOf(p),
			JoinedAt:        p.JoinedAt,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"participants": views})
}

// handleJoin adds a participant and queues a backfill of the days already elapsed
func (h *APIHandler) handleJoin(w http.ResponseWriter, r *http.Request) {
	challengeID, ok := h.pathID(w, r, "challengeID")
	if !ok {
		return
	}
	userID, err := h.userParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if userID == nil {
		h.writeError(w, common.Invalid("user_id", "required"))
		return
	}

	ch, err := h.challenge(r.Context(), challengeID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	joined, err := h.store.JoinChallenge(r.Context(), challengeID, *userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp := map[string]any{"joined": joined}
	today := h.today()
	if joined && !ch.StartDate.After(today) {
		end := ch.LastDay()
		if end.After(today) {
			end = today
		}
		jobID, err := h.store.EnqueueSyncJob(r.Context(), &database.SyncJob{
			UserID:      *userID,
			JobType:     database.JobBackfillRange,
			ChallengeID: challengeID,
			StartDate:   ch.StartDate,
			EndDate:     end,
		})
		if err != nil {
			// The participant row exists; the backfill can be requested again through sync
			h.logger.Error("Failed to queue backfill", "challenge_id", challengeID, "user_id", *userID, "error", err)
		} else {
			resp["backfill_job_id"] = jobID
		}
	}

	status := http.StatusOK
	if joined {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, resp)
}

func (h *APIHandler) handleProgress(w http.ResponseWriter, r *http.Request) {
	challengeID, ok := h.pathID(w, r, "challengeID")
	if !ok {
		return
	}
	userID, err := h.userParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	results, err := h.calculator.Calculate(r.Context(), challengeID, userID)
	if err != nil && len(results) == 0 {
		h.writeError(w, err)
		return
	}
	if results == nil {
		results = []progress.Result{}
	}
	resp := map[string]any{"results": results}
	if err != nil {
		resp["error"] = err.Error()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) handleSyncActive(w http.ResponseWriter, r *http.Request) {
	date, err := h.dateParam(r, "date")
	if err != nil {
		h.writeError(w, err)
		return
	}
	userID, err := h.userParam(r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	res, err := h.syncer.SyncActiveChallenges(r.Context(), date, userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

type webhookLogView struct {
	EventType       string    `json:"event_type"`
	DocumentVersion string    `json:"document_version"`
	DataDate        *string   `json:"data_date,omitempty"`
	Status          string    `json:"status"`
	Error           *string   `json:"error,omitempty"`
	ProcessedAt     time.Time `json:"processed_at"`
}

// handleWebhookLog reports how many push documents were recorded for a subject.
// With type and version it also returns that document's outcome.
func (h *APIHandler) handleWebhookLog(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["subject"]
	eventType, version := r.URL.Query().Get("type"), r.URL.Query().Get("version")
	if (eventType == "") != (version == "") {
		h.writeError(w, common.Invalid("version", "type and version go together"))
		return
	}

	count, err := h.store.CountWebhookLogEntries(r.Context(), subject)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp := map[string]any{"subject": subject, "documents": count}

	if eventType != "" {
		e, err := h.store.GetWebhookLogEntry(r.Context(), subject, eventType, version)
		if err != nil {
			h.writeError(w, err)
			return
		}
		if e == nil {
			h.writeError(w, common.NotFound("webhook document", subject+"/"+eventType+"/"+version))
			return
		}
		resp["entry"] = webhookLogView{
			EventType:       e.EventType,
			DocumentVersion: e.DocumentVersion,
			DataDate:        e.DataDate,
			Status:          e.Status,
			Error:           e.ErrorMessage,
			ProcessedAt:     e.ProcessedAt,
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *APIHandler) challenge(ctx context.Context, id int64) (*database.Challenge, error) {
	ch, err := h.store.GetChallenge(ctx, id)
	if err != nil {
		return nil, err
	}
	if ch == nil {
		return nil, common.NotFound("challenge", id)
	}
	return ch, nil
}

func (h *APIHandler) today() civil.Date {
	return civil.DateOf(h.now().In(h.loc))
}

func (h *APIHandler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)[name], 10, 64)
	if err != nil {
		h.writeError(w, common.Invalid(name, "must be an integer"))
		return 0, false
	}
	return id, true
}

// dateParam parses a YYYY-MM-DD query parameter, defaulting to today
func (h *APIHandler) dateParam(r *http.Request, name string) (civil.Date, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return h.today(), nil
	}
	d, err := civil.ParseDate(s)
	if err != nil {
		return civil.Date{}, common.Invalid(name, "must be a YYYY-MM-DD date")
	}
	return d, nil
}

func (h *APIHandler) userParam(r *http.Request) (*int64, error) {
	s := r.URL.Query().Get("user_id")
	if s == "" {
		return nil, nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, common.Invalid("user_id", "must be an integer")
	}
	return &id, nil
}

func (h *APIHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

// writeError maps typed errors to status codes
func (h *APIHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case common.IsValidation(err):
		status = http.StatusBadRequest
	case common.IsNotFound(err):
		status = http.StatusNotFound
	case provider.IsAuthError(err):
		status = http.StatusConflict
	case provider.IsUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("API request failed", "error", err)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
