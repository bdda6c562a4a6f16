// Package worker contains the outbox dispatch worker and the channel
// senders it delivers through.
package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/andresverguilla1987/ApagaNet/internal/db"
)

// Sender is the unified delivery contract for all channels. The dispatch
// worker depends only on this interface, so channel implementations are
// swappable without touching it.
type Sender interface {
	Send(ctx context.Context, d *db.Delivery) error
	SupportsChannel(channel string) bool
}

// MultiSender routes deliveries to the first sender supporting the
// subscription's channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over the given channel senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the delivery based on the subscription channel.
func (m *MultiSender) Send(ctx context.Context, d *db.Delivery) error {
	channel := d.Subscription.Channel
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			m.logger.Debug("routing delivery to sender",
				zap.String("channel", channel),
				zap.String("entry_id", d.Entry.ID.String()),
			)
			return sender.Send(ctx, d)
		}
	}
	return fmt.Errorf("no sender found for channel: %s", channel)
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender logs email deliveries instead of sending them. It stands in
// for the email provider in development; webhooks still go out for real.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, d *db.Delivery) error {
	s.logger.Info("logging delivery (development mode)",
		zap.String("entry_id", d.Entry.ID.String()),
		zap.String("channel", d.Subscription.Channel),
		zap.String("target", d.Subscription.Target),
		zap.ByteString("payload", d.Entry.Payload),
	)
	return nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
