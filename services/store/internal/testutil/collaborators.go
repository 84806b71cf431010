package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/diagnosis/pixelvault/services/store/internal/gateway"
	"github.com/diagnosis/pixelvault/services/store/internal/mailer"
)

type Gateway struct {
	mu       sync.Mutex
	next     int
	payments map[string][]gateway.Payment

	// Provider is what Name reports; orders record it at checkout.
	Provider string

	CreateErr error
	FetchErr  error
	// BeforeCreate runs outside the lock so tests can hold a checkout in flight.
	BeforeCreate func()

	Created []gateway.CreateOrderParams
	Fetches int
}

func NewGateway() *Gateway {
	return &Gateway{Provider: gateway.ProviderRazorpay, payments: map[string][]gateway.Payment{}}
}

func (g *Gateway) Name() string { return g.Provider }

func (g *Gateway) SetPayments(gatewayOrderID string, pays ...gateway.Payment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.payments[gatewayOrderID] = pays
}

func (g *Gateway) CreateOrder(_ context.Context, p gateway.CreateOrderParams) (*gateway.RemoteOrder, error) {
	if g.BeforeCreate != nil {
		g.BeforeCreate()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CreateErr != nil {
		return nil, g.CreateErr
	}
	g.next++
	g.Created = append(g.Created, p)
	return &gateway.RemoteOrder{ID: fmt.Sprintf("order_%d", g.next), Amount: p.Amount, Currency: p.Currency}, nil
}

func (g *Gateway) FetchPayments(_ context.Context, gatewayOrderID string) ([]gateway.Payment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Fetches++
	if g.FetchErr != nil {
		return nil, g.FetchErr
	}
	return append([]gateway.Payment(nil), g.payments[gatewayOrderID]...), nil
}

type VerificationMail struct {
	To  string
	URL string
}

// Mailer records every message. Err is returned from every send.
type Mailer struct {
	mu            sync.Mutex
	Orders        []mailer.OrderNotification
	Verifications []VerificationMail
	Err           error
}

func (m *Mailer) SendVerificationEmail(_ context.Context, toEmail, verifyURL string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Verifications = append(m.Verifications, VerificationMail{To: toEmail, URL: verifyURL})
	return m.Err
}

func (m *Mailer) SendOrderOutcome(_ context.Context, n mailer.OrderNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Orders = append(m.Orders, n)
	return m.Err
}

func (m *Mailer) Verify(context.Context) error { return nil }

func (m *Mailer) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Orders)
}

type Event struct {
	Subject string
	Data    interface{}
}

type Publisher struct {
	mu     sync.Mutex
	Events []Event
	Err    error
}

func (p *Publisher) Publish(_ context.Context, subject string, data interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, Event{Subject: subject, Data: data})
	return p.Err
}

func (p *Publisher) Close() error { return nil }

func (p *Publisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.Events))
	for _, e := range p.Events {
		out = append(out, e.Subject)
	}
	return out
}
