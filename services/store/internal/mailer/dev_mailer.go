package mailer

import (
	"context"
	"time"

	"github.com/diagnosis/pixelvault/pkg/logger"
)

// DevMailer writes mail to the log instead of sending it.
type DevMailer struct{}

func NewDevMailer() *DevMailer {
	return &DevMailer{}
}

func (d *DevMailer) SendVerificationEmail(ctx context.Context, toEmail, verifyURL string, ttl time.Duration) error {
	msg := verificationMessage(verifyURL, ttl)
	logger.InfoContext(ctx, "[DEV MAIL] Verification email",
		"to", toEmail,
		"subject", msg.subject,
		"verify_url", verifyURL,
	)
	return nil
}

func (d *DevMailer) SendOrderOutcome(ctx context.Context, n OrderNotification) error {
	msg := orderMessage(n)
	logger.InfoContext(ctx, "[DEV MAIL] Order email",
		"to", n.ToEmail,
		"subject", msg.subject,
		"order_id", n.OrderID,
		"status", n.Status,
	)
	return nil
}

func (d *DevMailer) Verify(context.Context) error { return nil }
