package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

type SMTPMailer struct {
	Host   string
	Port   int
	From   string
	User   string
	Pass   string
	UseTLS bool
}

func NewSMTPMailer(host string, port int, from, user, pass string, useTLS bool) *SMTPMailer {
	return &SMTPMailer{
		Host:   strings.TrimSpace(host),
		Port:   port,
		From:   strings.TrimSpace(from),
		User:   strings.TrimSpace(user),
		Pass:   strings.TrimSpace(pass),
		UseTLS: useTLS,
	}
}

func (s *SMTPMailer) SendVerificationEmail(ctx context.Context, toEmail, verifyURL string, ttl time.Duration) error {
	return s.send(ctx, toEmail, verificationMessage(verifyURL, ttl))
}

func (s *SMTPMailer) SendOrderOutcome(ctx context.Context, n OrderNotification) error {
	return s.send(ctx, n.ToEmail, orderMessage(n))
}

// Verify opens a session, authenticates when credentials are set, and quits.
func (s *SMTPMailer) Verify(ctx context.Context) error {
	c, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("smtp verify: %w", err)
	}
	defer c.Close()

	if err := c.Noop(); err != nil {
		return fmt.Errorf("smtp verify: %w", err)
	}
	return c.Quit()
}

func (s *SMTPMailer) dial(ctx context.Context) (*smtp.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	dialer := &net.Dialer{}

	var conn net.Conn
	var err error
	// Port 465 speaks TLS from the first byte; everything else upgrades via STARTTLS.
	if s.UseTLS && s.Port == 465 {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: &tls.Config{ServerName: s.Host}}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline.Add(20 * time.Second))
	}

	c, err := smtp.NewClient(conn, s.Host)
	if err != nil {
		conn.Close()
		return nil, err
	}

	if ok, _ := c.Extension("STARTTLS"); ok && !(s.UseTLS && s.Port == 465) {
		if err := c.StartTLS(&tls.Config{ServerName: s.Host}); err != nil {
			c.Close()
			return nil, err
		}
	} else if s.UseTLS && s.Port != 465 {
		c.Close()
		return nil, fmt.Errorf("smtp server %s does not offer STARTTLS", addr)
	}

	if s.User != "" {
		if err := c.Auth(smtp.PlainAuth("", s.User, s.Pass, s.Host)); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func (s *SMTPMailer) send(ctx context.Context, toEmail string, msg message) error {
	toEmail = strings.TrimSpace(toEmail)
	if toEmail == "" {
		return fmt.Errorf("empty recipient email")
	}

	var buf bytes.Buffer
	boundary := "pixelvault-alt"

	fmt.Fprintf(&buf, "From: %s\r\n", s.From)
	fmt.Fprintf(&buf, "To: %s\r\n", toEmail)
	fmt.Fprintf(&buf, "Subject: %s\r\n", msg.subject)
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/alternative; boundary=%s\r\n\r\n", boundary)

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	fmt.Fprintf(&buf, "Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&buf, "%s\r\n\r\n", msg.text)

	fmt.Fprintf(&buf, "--%s\r\n", boundary)
	fmt.Fprintf(&buf, "Content-Type: text/html; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&buf, "%s\r\n\r\n", msg.html)

	fmt.Fprintf(&buf, "--%s--\r\n", boundary)

	c, err := s.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Mail(s.From); err != nil {
		return err
	}
	if err := c.Rcpt(toEmail); err != nil {
		return err
	}

	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}
