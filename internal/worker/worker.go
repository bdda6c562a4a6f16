package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andresverguilla1987/ApagaNet/internal/db"
	"github.com/andresverguilla1987/ApagaNet/internal/metrics"
	"github.com/andresverguilla1987/ApagaNet/internal/notify"
)

// Repository is the storage surface the dispatch worker needs.
// *db.Repository implements it; tests use an in-memory fake.
type Repository interface {
	ClaimOutboxBatch(ctx context.Context, limit int) ([]*db.Delivery, error)
	MarkOutboxSent(ctx context.Context, id uuid.UUID, attempts int) error
	ReleaseOutbox(ctx context.Context, id uuid.UUID, attempts int, lastError string, retryAt time.Time) error
	DeferOutbox(ctx context.Context, id uuid.UUID, retryAt time.Time) error
	ReclaimStaleSending(ctx context.Context, cutoff time.Time) (int64, error)
}

// Worker drains the alert outbox. It is safe to run any number of workers
// (or repeated invocations) against the same store: the claim step is the
// only synchronization point and concurrent claimers take disjoint batches.
type Worker struct {
	repo   Repository
	sender Sender
	config Config
	logger *zap.Logger

	now func() time.Time // overridable in tests
}

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	SendTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	StaleAfter   time.Duration
}

// Stats summarizes one dispatch round.
type Stats struct {
	Claimed    int `json:"claimed"`
	Sent       int `json:"sent"`
	Failed     int `json:"failed"`
	Suppressed int `json:"suppressed"`
}

func New(repo Repository, sender Sender, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 15 * time.Minute
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 10 * time.Minute
	}

	return &Worker{
		repo:   repo,
		sender: sender,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Start runs the polling loop until the context is cancelled.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("dispatch worker stopping")
			return
		case <-ticker.C:
			if _, err := w.DispatchBatch(ctx, w.config.BatchSize); err != nil {
				w.logger.Error("dispatch round failed", zap.Error(err))
			}
		}
	}
}

// DispatchBatch runs one round: reclaim stale claims, atomically claim up
// to limit eligible entries, then process each one outside the claim so a
// slow send never holds a database lock. An empty claim is not an error.
func (w *Worker) DispatchBatch(ctx context.Context, limit int) (Stats, error) {
	var stats Stats
	start := w.now()

	if _, err := w.repo.ReclaimStaleSending(ctx, start.Add(-w.config.StaleAfter)); err != nil {
		// Reclaim is best-effort recovery; a failure should not stop the round.
		w.logger.Warn("stale reclaim failed", zap.Error(err))
	}

	if limit <= 0 {
		limit = w.config.BatchSize
	}

	deliveries, err := w.repo.ClaimOutboxBatch(ctx, limit)
	if err != nil {
		return stats, err
	}
	stats.Claimed = len(deliveries)
	if len(deliveries) == 0 {
		return stats, nil
	}

	for _, d := range deliveries {
		switch w.processDelivery(ctx, d) {
		case db.StatusSent:
			stats.Sent++
		case db.StatusPending:
			stats.Failed++
		default:
			stats.Suppressed++
		}
	}

	metrics.ObserveDispatchRound(time.Since(start))
	w.logger.Info("dispatch round complete",
		zap.Int("claimed", stats.Claimed),
		zap.Int("sent", stats.Sent),
		zap.Int("failed", stats.Failed),
		zap.Int("suppressed", stats.Suppressed),
		zap.Duration("duration", time.Since(start)),
	)

	return stats, nil
}

// processDelivery resolves one claimed entry and returns the status it
// ended in ("" means deferred for quiet hours).
func (w *Worker) processDelivery(ctx context.Context, d *db.Delivery) string {
	entry := d.Entry
	now := w.now()

	if d.Subscription == nil {
		// Subscription rows cascade-delete their outbox entries, but a
		// claim can race the delete. Back off and let the cascade win.
		w.release(ctx, entry, "subscription no longer exists", now)
		return db.StatusPending
	}

	if notify.IsSuppressed(d.Subscription.QuietHours, now) {
		retryAt := notify.QuietWindowEnd(d.Subscription.QuietHours, now)
		if err := w.repo.DeferOutbox(ctx, entry.ID, retryAt); err != nil {
			w.logger.Error("failed to defer suppressed entry",
				zap.Error(err),
				zap.String("entry_id", entry.ID.String()),
			)
		}
		metrics.RecordDelivery(d.Subscription.Channel, "suppressed")
		w.logger.Debug("delivery suppressed by quiet hours",
			zap.String("entry_id", entry.ID.String()),
			zap.Time("retry_at", retryAt),
		)
		return ""
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.config.SendTimeout)
	err := w.sender.Send(sendCtx, d)
	cancel()

	if err != nil {
		w.logger.Error("delivery failed",
			zap.Error(err),
			zap.String("entry_id", entry.ID.String()),
			zap.String("channel", d.Subscription.Channel),
			zap.Int("attempt", entry.Attempts+1),
		)
		w.release(ctx, entry, err.Error(), now)
		metrics.RecordDelivery(d.Subscription.Channel, "failed")
		return db.StatusPending
	}

	if err := w.repo.MarkOutboxSent(ctx, entry.ID, entry.Attempts+1); err != nil {
		w.logger.Error("failed to mark entry sent",
			zap.Error(err),
			zap.String("entry_id", entry.ID.String()),
		)
	}
	metrics.RecordDelivery(d.Subscription.Channel, "sent")
	w.logger.Info("delivery sent",
		zap.String("entry_id", entry.ID.String()),
		zap.String("channel", d.Subscription.Channel),
	)
	return db.StatusSent
}

func (w *Worker) release(ctx context.Context, entry *db.OutboxEntry, lastError string, now time.Time) {
	attempts := entry.Attempts + 1
	retryAt := now.Add(w.backoff(attempts))
	if err := w.repo.ReleaseOutbox(ctx, entry.ID, attempts, lastError, retryAt); err != nil {
		w.logger.Error("failed to release entry",
			zap.Error(err),
			zap.String("entry_id", entry.ID.String()),
		)
	}
}

// backoff computes the retry delay after the given attempt count:
// base * 2^attempts, capped. The exponent saturates so the duration
// arithmetic cannot overflow on long-failing entries.
func (w *Worker) backoff(attempts int) time.Duration {
	exp := attempts
	if exp > 8 {
		exp = 8
	}
	d := w.config.BackoffBase * time.Duration(1<<uint(exp))
	if d > w.config.BackoffMax {
		d = w.config.BackoffMax
	}
	return d
}
