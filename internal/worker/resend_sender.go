package worker

import (
	"context"
	"fmt"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"

	"github.com/andresverguilla1987/ApagaNet/internal/db"
)

// ResendSender delivers alert emails via the Resend API. Selected over SES
// with EMAIL_PROVIDER=resend.
type ResendSender struct {
	client *resend.Client
	from   string
	logger *zap.Logger
}

type ResendConfig struct {
	APIKey    string
	FromEmail string
}

func NewResendSender(cfg ResendConfig, logger *zap.Logger) (*ResendSender, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("resend api key is required")
	}
	return &ResendSender{
		client: resend.NewClient(cfg.APIKey),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

func (s *ResendSender) Send(ctx context.Context, d *db.Delivery) error {
	if d.Subscription.Channel != db.ChannelEmail {
		return fmt.Errorf("resend sender only supports email, got: %s", d.Subscription.Channel)
	}
	if d.Subscription.Target == "" {
		return fmt.Errorf("email subscription missing target address")
	}

	subject, body, err := renderEmail(d.Entry)
	if err != nil {
		return err
	}

	params := &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{d.Subscription.Target},
		Subject: subject,
		Text:    body,
	}

	sent, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return fmt.Errorf("resend send failed: %w", err)
	}

	s.logger.Info("email sent via Resend",
		zap.String("entry_id", d.Entry.ID.String()),
		zap.String("to", d.Subscription.Target),
		zap.String("message_id", sent.Id),
	)

	return nil
}

func (s *ResendSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
