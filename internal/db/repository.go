package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Repository handles database operations for alerts, subscriptions and the
// delivery outbox.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// --- alerts ---

// CreateAlert inserts a new alert row.
func (r *Repository) CreateAlert(ctx context.Context, alert *Alert) error {
	query := `
		INSERT INTO alerts (
			id, level, title, message, home_id, device_id, user_id, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		alert.ID,
		alert.Level,
		alert.Title,
		alert.Message,
		alert.HomeID,
		alert.DeviceID,
		alert.UserID,
		alert.Metadata,
	).Scan(&alert.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create alert",
			zap.Error(err),
			zap.String("alert_id", alert.ID.String()),
		)
		return fmt.Errorf("insert alert: %w", err)
	}

	return nil
}

// GetAlert retrieves an alert by ID.
func (r *Repository) GetAlert(ctx context.Context, id uuid.UUID) (*Alert, error) {
	query := `
		SELECT id, level, title, message, home_id, device_id, user_id,
		       metadata, created_at, read_at
		FROM alerts
		WHERE id = $1
	`

	var a Alert
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&a.ID,
		&a.Level,
		&a.Title,
		&a.Message,
		&a.HomeID,
		&a.DeviceID,
		&a.UserID,
		&a.Metadata,
		&a.CreatedAt,
		&a.ReadAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query alert: %w", err)
	}

	return &a, nil
}

// ListAlerts returns alerts most-recent first.
func (r *Repository) ListAlerts(ctx context.Context, limit, offset int) ([]*Alert, error) {
	query := `
		SELECT id, level, title, message, home_id, device_id, user_id,
		       metadata, created_at, read_at
		FROM alerts
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Pool().Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*Alert
	for rows.Next() {
		var a Alert
		err := rows.Scan(
			&a.ID,
			&a.Level,
			&a.Title,
			&a.Message,
			&a.HomeID,
			&a.DeviceID,
			&a.UserID,
			&a.Metadata,
			&a.CreatedAt,
			&a.ReadAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		alerts = append(alerts, &a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return alerts, nil
}

// MarkAlertRead sets read_at on an alert. Read tracking is the only mutation
// alerts see after creation; the delivery pipeline ignores it.
func (r *Repository) MarkAlertRead(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE alerts SET read_at = NOW() WHERE id = $1 AND read_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("mark alert read: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Either missing or already read; confirm which.
		if _, err := r.GetAlert(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// --- subscriptions ---

const subscriptionColumns = `
	id, channel, target, secret, home_id, device_id, user_id,
	levels, quiet_from, quiet_to, tz, active, created_at, updated_at
`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	var quietFrom, quietTo, tz *string
	err := row.Scan(
		&s.ID,
		&s.Channel,
		&s.Target,
		&s.Secret,
		&s.HomeID,
		&s.DeviceID,
		&s.UserID,
		&s.Levels,
		&quietFrom,
		&quietTo,
		&tz,
		&s.Active,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if quietFrom != nil && quietTo != nil && tz != nil {
		s.QuietHours = &QuietHours{Start: *quietFrom, End: *quietTo, Timezone: *tz}
	}
	return &s, nil
}

func quietColumns(qh *QuietHours) (quietFrom, quietTo, tz *string) {
	if qh == nil {
		return nil, nil, nil
	}
	return &qh.Start, &qh.End, &qh.Timezone
}

// CreateSubscription inserts a new subscription row.
func (r *Repository) CreateSubscription(ctx context.Context, sub *Subscription) error {
	quietFrom, quietTo, tz := quietColumns(sub.QuietHours)

	query := `
		INSERT INTO alert_subscriptions (
			id, channel, target, secret, home_id, device_id, user_id,
			levels, quiet_from, quiet_to, tz, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		sub.ID,
		sub.Channel,
		sub.Target,
		sub.Secret,
		sub.HomeID,
		sub.DeviceID,
		sub.UserID,
		sub.Levels,
		quietFrom,
		quietTo,
		tz,
		sub.Active,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)

	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}

	r.logger.Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("channel", sub.Channel),
	)

	return nil
}

// GetSubscription retrieves a subscription by ID.
func (r *Repository) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM alert_subscriptions WHERE id = $1`

	sub, err := scanSubscription(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query subscription: %w", err)
	}
	return sub, nil
}

// ListSubscriptions returns subscriptions matching the filter, newest first.
func (r *Repository) ListSubscriptions(ctx context.Context, filter SubscriptionFilter, limit, offset int) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM alert_subscriptions
		WHERE ($1::text IS NULL OR channel = $1)
		  AND ($2::boolean IS NULL OR active = $2)
		  AND ($3::uuid IS NULL OR home_id = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`

	rows, err := r.db.Pool().Query(ctx, query, filter.Channel, filter.Active, filter.HomeID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return subs, nil
}

const subscriptionPageSize = 1000

// ListActiveSubscriptions returns every active subscription. The matcher
// narrows these in memory; the active flag is the only DB-side filter so
// the wildcard semantics live in one place. Pages through the table so
// fan-out sees every subscriber regardless of how many exist.
func (r *Repository) ListActiveSubscriptions(ctx context.Context) ([]*Subscription, error) {
	active := true
	filter := SubscriptionFilter{Active: &active}
	return collectSubscriptionPages(subscriptionPageSize, func(limit, offset int) ([]*Subscription, error) {
		return r.ListSubscriptions(ctx, filter, limit, offset)
	})
}

// collectSubscriptionPages drains a limit/offset listing; a short page
// signals the end.
func collectSubscriptionPages(pageSize int, fetch func(limit, offset int) ([]*Subscription, error)) ([]*Subscription, error) {
	var all []*Subscription
	for offset := 0; ; offset += pageSize {
		page, err := fetch(pageSize, offset)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < pageSize {
			return all, nil
		}
	}
}

// UpdateSubscription persists the full mutable state of a subscription.
func (r *Repository) UpdateSubscription(ctx context.Context, sub *Subscription) error {
	quietFrom, quietTo, tz := quietColumns(sub.QuietHours)

	query := `
		UPDATE alert_subscriptions
		SET channel = $2, target = $3, secret = $4, home_id = $5,
		    device_id = $6, user_id = $7, levels = $8,
		    quiet_from = $9, quiet_to = $10, tz = $11, active = $12,
		    updated_at = NOW()
		WHERE id = $1
	`

	result, err := r.db.Pool().Exec(ctx, query,
		sub.ID,
		sub.Channel,
		sub.Target,
		sub.Secret,
		sub.HomeID,
		sub.DeviceID,
		sub.UserID,
		sub.Levels,
		quietFrom,
		quietTo,
		tz,
		sub.Active,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSubscription removes a subscription. Its outbox entries cascade:
// an unsubscribed target stops receiving queued deliveries too.
func (r *Repository) DeleteSubscription(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM alert_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- outbox ---

// EnqueueOutbox inserts a delivery obligation guarded by the dedupe_key
// uniqueness constraint. A conflicting key is not an error: it means an
// equivalent obligation already exists and the enqueue is a no-op.
func (r *Repository) EnqueueOutbox(ctx context.Context, entry *OutboxEntry) (bool, error) {
	query := `
		INSERT INTO alert_outbox (id, subscription_id, payload, dedupe_key, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		entry.ID,
		entry.SubscriptionID,
		entry.Payload,
		entry.DedupeKey,
		StatusPending,
	).Scan(&entry.CreatedAt, &entry.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert outbox entry: %w", err)
	}

	entry.Status = StatusPending
	return true, nil
}

// ClaimOutboxBatch atomically claims up to limit eligible entries and flips
// them to 'sending'. FOR UPDATE SKIP LOCKED makes concurrent claimers take
// disjoint batches without blocking each other; the status flip happens in
// the same statement, so the row lock is released the moment ownership is
// durable.
func (r *Repository) ClaimOutboxBatch(ctx context.Context, limit int) ([]*Delivery, error) {
	query := `
		WITH picked AS (
			SELECT id
			FROM alert_outbox
			WHERE status = 'pending'
			  AND (retry_at IS NULL OR retry_at <= NOW())
			ORDER BY created_at
			FOR UPDATE SKIP LOCKED
			LIMIT $1
		)
		UPDATE alert_outbox o
		SET status = 'sending', updated_at = NOW()
		FROM picked
		WHERE o.id = picked.id
		RETURNING o.id, o.subscription_id, o.payload, o.dedupe_key, o.status,
		          o.attempts, o.last_error, o.retry_at, o.created_at,
		          o.updated_at, o.sent_at
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		err := rows.Scan(
			&e.ID,
			&e.SubscriptionID,
			&e.Payload,
			&e.DedupeKey,
			&e.Status,
			&e.Attempts,
			&e.LastError,
			&e.RetryAt,
			&e.CreatedAt,
			&e.UpdatedAt,
			&e.SentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}

	// Attach subscriptions after the claim so the join never holds the
	// row locks. The UPDATE...RETURNING ordering is not guaranteed, so
	// re-sort by created_at for in-batch ordering.
	subIDs := make([]uuid.UUID, 0, len(entries))
	seen := make(map[uuid.UUID]bool, len(entries))
	for _, e := range entries {
		if !seen[e.SubscriptionID] {
			seen[e.SubscriptionID] = true
			subIDs = append(subIDs, e.SubscriptionID)
		}
	}

	subQuery := `SELECT ` + subscriptionColumns + ` FROM alert_subscriptions WHERE id = ANY($1)`
	subRows, err := r.db.Pool().Query(ctx, subQuery, subIDs)
	if err != nil {
		return nil, fmt.Errorf("query claimed subscriptions: %w", err)
	}
	defer subRows.Close()

	subs := make(map[uuid.UUID]*Subscription, len(subIDs))
	for subRows.Next() {
		sub, err := scanSubscription(subRows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs[sub.ID] = sub
	}
	if err := subRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	deliveries := make([]*Delivery, 0, len(entries))
	for _, e := range entries {
		deliveries = append(deliveries, &Delivery{Entry: e, Subscription: subs[e.SubscriptionID]})
	}
	for i := 1; i < len(deliveries); i++ {
		for j := i; j > 0 && deliveries[j].Entry.CreatedAt.Before(deliveries[j-1].Entry.CreatedAt); j-- {
			deliveries[j], deliveries[j-1] = deliveries[j-1], deliveries[j]
		}
	}

	return deliveries, nil
}

// MarkOutboxSent records a successful delivery. Terminal state.
func (r *Repository) MarkOutboxSent(ctx context.Context, id uuid.UUID, attempts int) error {
	query := `
		UPDATE alert_outbox
		SET status = 'sent', attempts = $2, last_error = NULL,
		    sent_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool().Exec(ctx, query, id, attempts)
	if err != nil {
		return fmt.Errorf("mark outbox sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseOutbox returns a failed entry to the pool with its attempt count,
// error and backoff schedule recorded.
func (r *Repository) ReleaseOutbox(ctx context.Context, id uuid.UUID, attempts int, lastError string, retryAt time.Time) error {
	if len(lastError) > 240 {
		lastError = lastError[:240]
	}
	query := `
		UPDATE alert_outbox
		SET status = 'pending', attempts = $2, last_error = $3,
		    retry_at = $4, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool().Exec(ctx, query, id, attempts, lastError, retryAt)
	if err != nil {
		return fmt.Errorf("release outbox entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeferOutbox releases a quiet-hours-suppressed entry without counting an
// attempt or recording an error.
func (r *Repository) DeferOutbox(ctx context.Context, id uuid.UUID, retryAt time.Time) error {
	query := `
		UPDATE alert_outbox
		SET status = 'pending', retry_at = $2, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool().Exec(ctx, query, id, retryAt)
	if err != nil {
		return fmt.Errorf("defer outbox entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ReclaimStaleSending flips 'sending' entries that have not been touched
// since before cutoff back to 'pending'. A worker killed mid-batch leaves
// its claims in 'sending'; this is the recovery path.
func (r *Repository) ReclaimStaleSending(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE alert_outbox
		SET status = 'pending', updated_at = NOW()
		WHERE status = 'sending' AND updated_at < $1
	`
	result, err := r.db.Pool().Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale sending: %w", err)
	}
	n := result.RowsAffected()
	if n > 0 {
		r.logger.Warn("reclaimed stale sending entries", zap.Int64("count", n))
	}
	return n, nil
}

// ListOutbox returns outbox entries for operator triage, oldest first.
// Status is optional.
func (r *Repository) ListOutbox(ctx context.Context, status string, limit, offset int) ([]*OutboxEntry, error) {
	query := `
		SELECT id, subscription_id, payload, dedupe_key, status, attempts,
		       last_error, retry_at, created_at, updated_at, sent_at
		FROM alert_outbox
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		err := rows.Scan(
			&e.ID,
			&e.SubscriptionID,
			&e.Payload,
			&e.DedupeKey,
			&e.Status,
			&e.Attempts,
			&e.LastError,
			&e.RetryAt,
			&e.CreatedAt,
			&e.UpdatedAt,
			&e.SentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return entries, nil
}
