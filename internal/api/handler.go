// Package api exposes the HTTP surface of the gateway: alert ingestion,
// subscription administration and the dispatch trigger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andresverguilla1987/ApagaNet/internal/db"
	"github.com/andresverguilla1987/ApagaNet/internal/metrics"
	"github.com/andresverguilla1987/ApagaNet/internal/notify"
	"github.com/andresverguilla1987/ApagaNet/internal/redis"
	"github.com/andresverguilla1987/ApagaNet/internal/worker"
)

// Repository defines the storage operations the handlers need.
type Repository interface {
	GetAlert(ctx context.Context, id uuid.UUID) (*db.Alert, error)
	ListAlerts(ctx context.Context, limit, offset int) ([]*db.Alert, error)
	MarkAlertRead(ctx context.Context, id uuid.UUID) error

	CreateSubscription(ctx context.Context, sub *db.Subscription) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*db.Subscription, error)
	ListSubscriptions(ctx context.Context, filter db.SubscriptionFilter, limit, offset int) ([]*db.Subscription, error)
	UpdateSubscription(ctx context.Context, sub *db.Subscription) error
	DeleteSubscription(ctx context.Context, id uuid.UUID) error

	ListOutbox(ctx context.Context, status string, limit, offset int) ([]*db.OutboxEntry, error)
}

// Ingester is the alert ingestion entry point (notify.Service).
type Ingester interface {
	IngestAlert(ctx context.Context, in notify.AlertInput) (*db.Alert, *notify.IngestResult, error)
}

// Dispatcher runs one round of the dispatch worker on demand.
type Dispatcher interface {
	DispatchBatch(ctx context.Context, limit int) (worker.Stats, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        Repository
	ingester    Ingester
	dispatcher  Dispatcher
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler. idempotency may be nil.
func NewHandler(logger *zap.Logger, repo Repository, ingester Ingester, dispatcher Dispatcher, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		repo:        repo,
		ingester:    ingester,
		dispatcher:  dispatcher,
		idempotency: idempotency,
	}
}

// --- alerts ---

// AlertRequest is the ingestion request body.
type AlertRequest struct {
	Level    string          `json:"level"`
	Title    string          `json:"title"`
	Message  string          `json:"message,omitempty"`
	HomeID   *uuid.UUID      `json:"home_id,omitempty"`
	DeviceID *string         `json:"device_id,omitempty"`
	UserID   *uuid.UUID      `json:"user_id,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// AlertResponse is returned after ingesting an alert.
type AlertResponse struct {
	Alert        *db.Alert `json:"alert"`
	Matched      int       `json:"matched"`
	Enqueued     int       `json:"enqueued"`
	Deduplicated int       `json:"deduplicated"`
}

// CreateAlert handles POST /v1/alerts. Producers never see delivery
// failures here: ingestion succeeds once the alert and outbox rows are
// durable. Supports replay via the Idempotency-Key header.
func (h *Handler) CreateAlert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req AlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Title == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "title is required")
		return
	}
	if req.Level != "" && !db.ValidLevel(req.Level) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid level", "level must be info, warn, or critical")
		return
	}
	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid metadata", "metadata must be valid JSON")
		return
	}

	scope := "global"
	if req.HomeID != nil {
		scope = req.HomeID.String()
	}

	reserved := false
	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, scope, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			metrics.RecordIdempotencyHit()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cached.StatusCode)
			_ = json.NewEncoder(w).Encode(map[string]string{"alert_id": cached.AlertID})
			return
		} else {
			reserved = true
		}
	}

	alert, result, err := h.ingester.IngestAlert(ctx, notify.AlertInput{
		Level:    req.Level,
		Title:    req.Title,
		Message:  req.Message,
		HomeID:   req.HomeID,
		DeviceID: req.DeviceID,
		UserID:   req.UserID,
		Metadata: req.Metadata,
	})
	if err != nil {
		if reserved {
			// Drop the in-flight marker so a retry with the same key is not
			// answered with 409 until the processing TTL lapses.
			if relErr := h.idempotency.Release(ctx, scope, idempotencyKey); relErr != nil {
				h.logger.Warn("failed to release idempotency reservation",
					zap.Error(relErr),
					zap.String("idempotency_key", idempotencyKey),
				)
			}
		}
		h.logger.Error("failed to ingest alert", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "ingest_error", "Failed to ingest alert", "")
		return
	}

	metrics.RecordAlertIngested(alert.Level)
	metrics.RecordOutboxEnqueued(result.Enqueued, result.Deduplicated)

	if idempotencyKey != "" && h.idempotency != nil {
		stored := &redis.IdempotencyResult{
			AlertID:    alert.ID.String(),
			StatusCode: http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, scope, idempotencyKey, stored); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(AlertResponse{
		Alert:        alert,
		Matched:      result.Matched,
		Enqueued:     result.Enqueued,
		Deduplicated: result.Deduplicated,
	})
}

// GetAlert handles GET /v1/alerts/{id}
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	alert, err := h.repo.GetAlert(r.Context(), id)
	if err != nil {
		h.notFoundOrError(w, err, "Alert not found")
		return
	}

	h.writeJSON(w, http.StatusOK, alert)
}

// ListAlerts handles GET /v1/alerts?limit=20&offset=0
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r.URL.Query())

	alerts, err := h.repo.ListAlerts(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list alerts", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list alerts", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   alerts,
		"limit":  limit,
		"offset": offset,
		"count":  len(alerts),
	})
}

// MarkAlertRead handles PATCH /v1/alerts/{id}/read
func (h *Handler) MarkAlertRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if err := h.repo.MarkAlertRead(r.Context(), id); err != nil {
		h.notFoundOrError(w, err, "Alert not found")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": "read"})
}

// --- subscriptions ---

// SubscriptionRequest is the create body; all PATCH fields are optional.
type SubscriptionRequest struct {
	Channel    string          `json:"channel"`
	Target     string          `json:"target"`
	Secret     string          `json:"secret,omitempty"`
	HomeID     *uuid.UUID      `json:"home_id,omitempty"`
	DeviceID   *string         `json:"device_id,omitempty"`
	UserID     *uuid.UUID      `json:"user_id,omitempty"`
	Levels     []string        `json:"levels,omitempty"`
	QuietHours *db.QuietHours  `json:"quiet_hours,omitempty"`
	Active     *bool           `json:"active,omitempty"`
}

func validLevels(levels []string) bool {
	for _, l := range levels {
		if !db.ValidLevel(l) {
			return false
		}
	}
	return true
}

// CreateSubscription handles POST /v1/subscriptions
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Channel != db.ChannelEmail && req.Channel != db.ChannelWebhook {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be email or webhook")
		return
	}
	if req.Target == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing target", "target is required")
		return
	}
	if req.Channel == db.ChannelWebhook {
		if u, err := url.Parse(req.Target); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid target", "webhook target must be an http(s) URL")
			return
		}
	}
	if !validLevels(req.Levels) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid levels", "levels must be a subset of info, warn, critical")
		return
	}
	if err := notify.ValidateQuietHours(req.QuietHours); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid quiet hours", err.Error())
		return
	}

	active := true
	if req.Active != nil {
		active = *req.Active
	}

	sub := &db.Subscription{
		ID:         uuid.New(),
		Channel:    req.Channel,
		Target:     req.Target,
		Secret:     req.Secret,
		HomeID:     req.HomeID,
		DeviceID:   req.DeviceID,
		UserID:     req.UserID,
		Levels:     req.Levels,
		QuietHours: req.QuietHours,
		Active:     active,
	}

	if err := h.repo.CreateSubscription(r.Context(), sub); err != nil {
		h.logger.Error("failed to create subscription", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create subscription", "")
		return
	}

	h.writeJSON(w, http.StatusCreated, sub)
}

// GetSubscription handles GET /v1/subscriptions/{id}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	sub, err := h.repo.GetSubscription(r.Context(), id)
	if err != nil {
		h.notFoundOrError(w, err, "Subscription not found")
		return
	}

	h.writeJSON(w, http.StatusOK, sub)
}

// ListSubscriptions handles GET /v1/subscriptions?channel=&active=&home_id=
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagination(q)

	var filter db.SubscriptionFilter
	if channel := q.Get("channel"); channel != "" {
		filter.Channel = &channel
	}
	if activeStr := q.Get("active"); activeStr != "" {
		active, err := strconv.ParseBool(activeStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid active", "active must be true or false")
			return
		}
		filter.Active = &active
	}
	if homeStr := q.Get("home_id"); homeStr != "" {
		homeID, err := uuid.Parse(homeStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid home_id", "home_id must be a valid UUID")
			return
		}
		filter.HomeID = &homeID
	}

	subs, err := h.repo.ListSubscriptions(r.Context(), filter, limit, offset)
	if err != nil {
		h.logger.Error("failed to list subscriptions", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list subscriptions", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   subs,
		"limit":  limit,
		"offset": offset,
		"count":  len(subs),
	})
}

// subscriptionPatch distinguishes absent fields from explicit nulls for
// quiet_hours, so quiet hours can be cleared with "quiet_hours": null.
type subscriptionPatch struct {
	Target     *string         `json:"target"`
	Secret     *string         `json:"secret"`
	Levels     *[]string       `json:"levels"`
	QuietHours json.RawMessage `json:"quiet_hours"`
	Active     *bool           `json:"active"`
}

// UpdateSubscription handles PATCH /v1/subscriptions/{id}
func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	var patch subscriptionPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	sub, err := h.repo.GetSubscription(r.Context(), id)
	if err != nil {
		h.notFoundOrError(w, err, "Subscription not found")
		return
	}

	if patch.Target != nil {
		if *patch.Target == "" {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid target", "target must not be empty")
			return
		}
		sub.Target = *patch.Target
	}
	if patch.Secret != nil {
		sub.Secret = *patch.Secret
	}
	if patch.Levels != nil {
		if !validLevels(*patch.Levels) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid levels", "levels must be a subset of info, warn, critical")
			return
		}
		sub.Levels = *patch.Levels
	}
	if len(patch.QuietHours) > 0 {
		if string(patch.QuietHours) == "null" {
			sub.QuietHours = nil
		} else {
			var qh db.QuietHours
			if err := json.Unmarshal(patch.QuietHours, &qh); err != nil {
				h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid quiet hours", err.Error())
				return
			}
			if err := notify.ValidateQuietHours(&qh); err != nil {
				h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid quiet hours", err.Error())
				return
			}
			sub.QuietHours = &qh
		}
	}
	if patch.Active != nil {
		sub.Active = *patch.Active
	}

	if err := h.repo.UpdateSubscription(r.Context(), sub); err != nil {
		h.notFoundOrError(w, err, "Subscription not found")
		return
	}

	h.writeJSON(w, http.StatusOK, sub)
}

// DeleteSubscription handles DELETE /v1/subscriptions/{id}
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if err := h.repo.DeleteSubscription(r.Context(), id); err != nil {
		h.notFoundOrError(w, err, "Subscription not found")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "status": "deleted"})
}

// --- dispatch & outbox ---

// Dispatch handles POST /v1/dispatch. External schedulers call this to run
// one round of the dispatch worker; concurrent calls are safe.
func (h *Handler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Limit int `json:"limit"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
			return
		}
	}

	stats, err := h.dispatcher.DispatchBatch(r.Context(), req.Limit)
	if err != nil {
		h.logger.Error("dispatch batch failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Failed to dispatch batch", "")
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// ListOutbox handles GET /v1/outbox?status=pending. Operators use it to
// triage entries with growing attempts/last_error.
func (h *Handler) ListOutbox(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset := pagination(q)

	status := q.Get("status")
	switch status {
	case "", db.StatusPending, db.StatusSending, db.StatusSent:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status", "status must be pending, sending, or sent")
		return
	}

	entries, err := h.repo.ListOutbox(r.Context(), status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list outbox", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list outbox", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   entries,
		"limit":  limit,
		"offset": offset,
		"count":  len(entries),
	})
}

// --- helpers ---

func (h *Handler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) notFoundOrError(w http.ResponseWriter, err error, title string) {
	if errors.Is(err, db.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", title, "")
		return
	}
	h.logger.Error("storage error", zap.Error(err))
	h.writeError(w, http.StatusInternalServerError, "database_error", "Storage operation failed", "")
}

func pagination(q url.Values) (limit, offset int) {
	limit = 20
	offset = 0
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}
	return limit, offset
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
