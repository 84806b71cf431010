package mailer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/mailersend/mailersend-go"
)

type MailerSendClient struct {
	client  *mailersend.Mailersend
	from    mailersend.From
	enabled bool
}

func NewMailerSend(apiKey, fromName, fromEmail string) *MailerSendClient {
	m := &MailerSendClient{
		enabled: apiKey != "" && fromEmail != "",
		from: mailersend.From{
			Name:  fromName,
			Email: fromEmail,
		},
	}

	if m.enabled {
		m.client = mailersend.NewMailersend(apiKey)
	}

	return m
}

func (m *MailerSendClient) SendVerificationEmail(ctx context.Context, toEmail, verifyURL string, ttl time.Duration) error {
	return m.send(ctx, toEmail, verificationMessage(verifyURL, ttl))
}

func (m *MailerSendClient) SendOrderOutcome(ctx context.Context, n OrderNotification) error {
	return m.send(ctx, n.ToEmail, orderMessage(n))
}

// Verify confirms the API key is accepted by listing sending domains.
func (m *MailerSendClient) Verify(ctx context.Context) error {
	if !m.enabled {
		return errors.New("mailersend not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, res, err := m.client.Domain.List(ctx, &mailersend.ListDomainOptions{Limit: 10})
	if err != nil {
		return fmt.Errorf("mailersend verify: %w", err)
	}
	if res != nil && res.Body != nil {
		res.Body.Close()
	}
	return nil
}

func (m *MailerSendClient) send(ctx context.Context, toEmail string, msgContent message) error {
	if !m.enabled {
		return errors.New("mailersend not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	msg := m.client.Email.NewMessage()
	msg.SetFrom(m.from)
	msg.SetRecipients([]mailersend.Recipient{{Email: toEmail}})
	msg.SetSubject(msgContent.subject)
	if strings.TrimSpace(msgContent.text) != "" {
		msg.SetText(msgContent.text)
	}
	if strings.TrimSpace(msgContent.html) != "" {
		msg.SetHTML(msgContent.html)
	}

	res, err := m.client.Email.Send(ctx, msg)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		return fmt.Errorf("mailersend error: status=%d body=%s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
