package gateway

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/diagnosis/pixelvault/services/store/internal/domain"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

func IsInvalidSignature(err error) bool {
	return errors.Is(err, ErrInvalidSignature)
}

// WebhookEvent is a provider notification reduced to what reconciliation needs.
type WebhookEvent struct {
	Event     string
	OrderID   string
	PaymentID string
	Outcome   domain.PaymentOutcome
}

// Relevant reports whether the event carries a terminal outcome for an order.
func (e *WebhookEvent) Relevant() bool {
	_, ok := e.Outcome.TargetStatus()
	return ok && e.OrderID != "" && e.PaymentID != ""
}

type paymentRef struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
}

type razorpayEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			paymentRef
			Entity *paymentRef `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// ParseRazorpayEvent decodes an already-authenticated body. Both the flat
// payload.payment form and the payload.payment.entity form are accepted.
func ParseRazorpayEvent(body []byte) (*WebhookEvent, error) {
	var env razorpayEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("failed to decode webhook: %w", err)
	}

	ref := env.Payload.Payment.paymentRef
	if e := env.Payload.Payment.Entity; e != nil {
		ref = *e
	}

	evt := &WebhookEvent{Event: env.Event, OrderID: ref.OrderID, PaymentID: ref.ID}

	switch env.Event {
	case "payment.captured", "order.paid":
		evt.Outcome = domain.OutcomeCaptured
	case "payment.failed":
		evt.Outcome = domain.OutcomeFailed
	default:
		evt.Outcome = domain.OutcomePending
	}
	return evt, nil
}
