package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andresverguilla1987/ApagaNet/internal/db"
)

// EventAlertCreated is the envelope type for alert deliveries.
const EventAlertCreated = "alert.created"

// Envelope is the serialized delivery payload. It is captured once at
// enqueue time and stored on the outbox entry; webhook deliveries send
// these exact bytes, so the signature stays verifiable end to end.
type Envelope struct {
	Type string    `json:"type"`
	TS   string    `json:"ts"`
	Data *db.Alert `json:"data"`
}

// Store is the storage surface the ingestion path needs. *db.Repository
// implements it; tests use an in-memory fake.
type Store interface {
	CreateAlert(ctx context.Context, alert *db.Alert) error
	ListActiveSubscriptions(ctx context.Context) ([]*db.Subscription, error)
	EnqueueOutbox(ctx context.Context, entry *db.OutboxEntry) (bool, error)
}

// AlertInput is what producers supply to CreateAlert.
type AlertInput struct {
	Level    string
	Title    string
	Message  string
	HomeID   *uuid.UUID
	DeviceID *string
	UserID   *uuid.UUID
	Metadata json.RawMessage
}

// IngestResult summarizes the fan-out side effect of an ingestion.
type IngestResult struct {
	Matched      int `json:"matched"`
	Enqueued     int `json:"enqueued"`
	Deduplicated int `json:"deduplicated"`
}

// Service composes the dedupe key generator, subscription matcher and
// outbox enqueuer behind the producer-facing ingestion entry point.
type Service struct {
	store  Store
	logger *zap.Logger
}

// NewService creates the ingestion service.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{
		store:  store,
		logger: logger,
	}
}

// IngestAlert durably records the alert, fans it out across matching active
// subscriptions and enqueues one outbox entry per match. The whole call is
// idempotent at the outbox boundary: re-ingesting the same logical event
// dedupes on the (recipient, template, alert) key and enqueues nothing new.
//
// Delivery failures are never visible here; ingestion succeeds as soon as
// the alert and outbox rows are written.
func (s *Service) IngestAlert(ctx context.Context, in AlertInput) (*db.Alert, *IngestResult, error) {
	level := in.Level
	if level == "" {
		level = db.LevelInfo
	}
	if !db.ValidLevel(level) {
		return nil, nil, fmt.Errorf("invalid alert level: %q", in.Level)
	}

	alert := &db.Alert{
		ID:       uuid.New(),
		Level:    level,
		Title:    in.Title,
		Message:  in.Message,
		HomeID:   in.HomeID,
		DeviceID: in.DeviceID,
		UserID:   in.UserID,
		Metadata: in.Metadata,
	}

	if err := s.store.CreateAlert(ctx, alert); err != nil {
		return nil, nil, fmt.Errorf("create alert: %w", err)
	}

	result, err := s.EnqueueForAlert(ctx, alert)
	if err != nil {
		// The alert row is durable; fan-out failed. Surface the error so
		// the producer can retry ingestion (the dedupe key makes the
		// retry safe for any entries that did get in).
		return alert, result, err
	}

	s.logger.Info("alert ingested",
		zap.String("alert_id", alert.ID.String()),
		zap.String("level", alert.Level),
		zap.Int("matched", result.Matched),
		zap.Int("enqueued", result.Enqueued),
		zap.Int("deduplicated", result.Deduplicated),
	)

	return alert, result, nil
}

// EnqueueForAlert runs matching and enqueueing for an existing alert. Split
// out so re-processing a previously stored alert is possible without
// re-inserting it.
func (s *Service) EnqueueForAlert(ctx context.Context, alert *db.Alert) (*IngestResult, error) {
	result := &IngestResult{}

	subs, err := s.store.ListActiveSubscriptions(ctx)
	if err != nil {
		return result, fmt.Errorf("list subscriptions: %w", err)
	}

	matched := Match(alert, subs)
	result.Matched = len(matched)
	if len(matched) == 0 {
		return result, nil
	}

	payload, err := snapshotPayload(alert)
	if err != nil {
		return result, err
	}

	for _, sub := range matched {
		entry := &db.OutboxEntry{
			ID:             uuid.New(),
			SubscriptionID: sub.ID,
			Payload:        payload,
			DedupeKey:      MakeDedupeKey(sub.Target, TemplateAlert, alert.ID.String()),
		}

		enqueued, err := s.store.EnqueueOutbox(ctx, entry)
		if err != nil {
			return result, fmt.Errorf("enqueue outbox: %w", err)
		}
		if enqueued {
			result.Enqueued++
		} else {
			result.Deduplicated++
			s.logger.Debug("outbox enqueue deduplicated",
				zap.String("alert_id", alert.ID.String()),
				zap.String("subscription_id", sub.ID.String()),
			)
		}
	}

	return result, nil
}

// snapshotPayload serializes the immutable delivery envelope for an alert.
func snapshotPayload(alert *db.Alert) (json.RawMessage, error) {
	ts := alert.CreatedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	payload, err := json.Marshal(Envelope{
		Type: EventAlertCreated,
		TS:   ts.UTC().Format(time.RFC3339),
		Data: alert,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload snapshot: %w", err)
	}
	return payload, nil
}
