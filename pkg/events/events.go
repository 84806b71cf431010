package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/diagnosis/pixelvault/pkg/logger"
	"github.com/nats-io/nats.go"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

type NATSEventBus struct {
	conn *nats.Conn
}

func NewNATSEventBus(url string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url,
		nats.Name("pixelvault-store"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	logger.DebugContext(ctx, "Publishing event", "subject", subject, "data", string(payload))

	return n.conn.Publish(subject, payload)
}

func (n *NATSEventBus) Close() error {
	if err := n.conn.Drain(); err != nil {
		n.conn.Close()
		return err
	}
	return nil
}

// NopPublisher is used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(ctx context.Context, subject string, data interface{}) error {
	logger.DebugContext(ctx, "Event publishing disabled", "subject", subject)
	return nil
}

func (NopPublisher) Close() error { return nil }

// Subjects
const (
	OrderCreated    = "order.created"
	PaymentCaptured = "payment.captured"
	PaymentFailed   = "payment.failed"
)

type OrderCreatedEvent struct {
	OrderID        int64     `json:"order_id"`
	UserID         int64     `json:"user_id"`
	ProductID      string    `json:"product_id"`
	GatewayOrderID string    `json:"gateway_order_id"`
	Amount         int64     `json:"amount"`
	Currency       string    `json:"currency"`
	CreatedAt      time.Time `json:"created_at"`
}

type PaymentOutcomeEvent struct {
	OrderID          int64     `json:"order_id"`
	UserID           int64     `json:"user_id"`
	GatewayOrderID   string    `json:"gateway_order_id"`
	GatewayPaymentID string    `json:"gateway_payment_id"`
	Status           string    `json:"status"`
	Source           string    `json:"source"` // webhook or refresh
	OccurredAt       time.Time `json:"occurred_at"`
}
