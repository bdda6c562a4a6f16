package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Alert levels
const (
	LevelInfo     = "info"
	LevelWarn     = "warn"
	LevelCritical = "critical"
)

// Subscription channels
const (
	ChannelEmail   = "email"
	ChannelWebhook = "webhook"
)

// Outbox status constants
const (
	StatusPending = "pending"
	StatusSending = "sending"
	StatusSent    = "sent"
)

// ValidLevel reports whether level is one of the known alert levels.
func ValidLevel(level string) bool {
	return level == LevelInfo || level == LevelWarn || level == LevelCritical
}

// Alert is an immutable record of a notable event. Producers (geofence
// engine, scheduler, agent ingester) create alerts; the delivery pipeline
// never mutates them apart from read tracking via ReadAt.
type Alert struct {
	ID        uuid.UUID       `json:"id"`
	Level     string          `json:"level"`
	Title     string          `json:"title"`
	Message   string          `json:"message,omitempty"`
	HomeID    *uuid.UUID      `json:"home_id,omitempty"`
	DeviceID  *string         `json:"device_id,omitempty"`
	UserID    *uuid.UUID      `json:"user_id,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ReadAt    *time.Time      `json:"read_at,omitempty"`
}

// QuietHours is a per-subscription local-time window during which delivery
// is deferred rather than dropped. The window wraps midnight when Start > End.
type QuietHours struct {
	Start    string `json:"start"` // "HH:MM"
	End      string `json:"end"`   // "HH:MM"
	Timezone string `json:"timezone"`
}

// Subscription is a standing rule describing who wants which alerts
// delivered where. Scope fields and Levels act as wildcards when empty.
type Subscription struct {
	ID         uuid.UUID   `json:"id"`
	Channel    string      `json:"channel"`
	Target     string      `json:"target"`
	Secret     string      `json:"-"` // webhook signing secret, never serialized
	HomeID     *uuid.UUID  `json:"home_id,omitempty"`
	DeviceID   *string     `json:"device_id,omitempty"`
	UserID     *uuid.UUID  `json:"user_id,omitempty"`
	Levels     []string    `json:"levels,omitempty"`
	QuietHours *QuietHours `json:"quiet_hours,omitempty"`
	Active     bool        `json:"active"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// OutboxEntry is one pending-or-resolved delivery obligation for one
// (alert, subscription) pair. Payload is the snapshot captured at enqueue
// time; it must not drift even if the alert row is later edited.
type OutboxEntry struct {
	ID             uuid.UUID       `json:"id"`
	SubscriptionID uuid.UUID       `json:"subscription_id"`
	Payload        json.RawMessage `json:"payload"`
	DedupeKey      string          `json:"dedupe_key"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      *string         `json:"last_error,omitempty"`
	RetryAt        *time.Time      `json:"retry_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
}

// Delivery pairs a claimed outbox entry with the subscription it belongs
// to. The dispatch worker and channel senders operate on this unit.
type Delivery struct {
	Entry        *OutboxEntry
	Subscription *Subscription
}

// SubscriptionFilter narrows ListSubscriptions. Nil fields match anything.
type SubscriptionFilter struct {
	Channel *string
	Active  *bool
	HomeID  *uuid.UUID
}
