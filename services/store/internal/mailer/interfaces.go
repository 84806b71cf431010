package mailer

import (
	"context"
	"time"

	"github.com/diagnosis/pixelvault/pkg/config"
	"github.com/diagnosis/pixelvault/services/store/internal/domain"
)

// Service is the outbound mail transport. Implementations are constructed once
// at startup and checked with Verify before the server accepts traffic.
type Service interface {
	SendVerificationEmail(ctx context.Context, toEmail, verifyURL string, ttl time.Duration) error
	SendOrderOutcome(ctx context.Context, n OrderNotification) error
	Verify(ctx context.Context) error
}

type OrderNotification struct {
	ToEmail        string
	ProductName    string
	Status         domain.OrderStatus
	OrderID        int64
	GatewayOrderID string
	PaymentID      string
	Amount         int64
	Currency       string
}

// New picks the transport: dev logging, MailerSend when an API key is set,
// otherwise SMTP.
func New(cfg config.EmailConfig) Service {
	switch {
	case cfg.DevMode:
		return NewDevMailer()
	case cfg.MailerSendKey != "":
		return NewMailerSend(cfg.MailerSendKey, cfg.FromName, cfg.SMTPFrom)
	default:
		return NewSMTPMailer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPFrom, cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPUseTLS)
	}
}
