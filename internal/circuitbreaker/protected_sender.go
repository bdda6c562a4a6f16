package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/andresverguilla1987/ApagaNet/internal/db"
	"github.com/andresverguilla1987/ApagaNet/internal/worker"
)

// ProtectedSender wraps a channel sender with a circuit breaker. A rejected
// delivery returns ErrCircuitOpen, which the dispatch worker records as a
// normal transient failure, so the entry is retried with backoff after the
// circuit recovers.
type ProtectedSender struct {
	inner   worker.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// Protect wraps sender with a breaker named after the channel it covers.
func Protect(inner worker.Sender, cfg Config, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		inner:   inner,
		breaker: New(cfg, logger),
		logger:  logger,
	}
}

func (p *ProtectedSender) Send(ctx context.Context, d *db.Delivery) error {
	if !p.breaker.Allow() {
		p.logger.Debug("delivery rejected by circuit breaker",
			zap.String("entry_id", d.Entry.ID.String()),
			zap.String("channel", d.Subscription.Channel),
		)
		return fmt.Errorf("%s channel: %w", d.Subscription.Channel, ErrCircuitOpen)
	}

	err := p.inner.Send(ctx, d)
	if err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.inner.SupportsChannel(channel)
}
