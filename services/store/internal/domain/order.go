package domain

import (
	"strings"
	"time"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderCompleted OrderStatus = "completed"
	OrderFailed    OrderStatus = "failed"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderCompleted || s == OrderFailed
}

// PaymentOutcome is what the gateway reports for a payment attempt.
type PaymentOutcome string

const (
	OutcomeCaptured PaymentOutcome = "captured"
	OutcomeFailed   PaymentOutcome = "failed"
	OutcomePending  PaymentOutcome = "pending"
)

// TargetStatus maps a terminal outcome to the order status it produces.
// ok is false for pending or unknown outcomes.
func (o PaymentOutcome) TargetStatus() (OrderStatus, bool) {
	switch o {
	case OutcomeCaptured:
		return OrderCompleted, true
	case OutcomeFailed:
		return OrderFailed, true
	default:
		return "", false
	}
}

type Variant struct {
	Type    string  `json:"type" validate:"required"`
	Price   float64 `json:"price" validate:"gte=0"`
	License string  `json:"license" validate:"required"`
}

func (v Variant) Matches(other Variant) bool {
	return strings.EqualFold(v.Type, other.Type) && strings.EqualFold(v.License, other.License)
}

// MinorUnits converts a major-unit price to an integer amount, rounding half away from zero.
func (v Variant) MinorUnits() int64 {
	if v.Price < 0 {
		return -int64(-v.Price*100 + 0.5)
	}
	return int64(v.Price*100 + 0.5)
}

type Order struct {
	ID               int64       `json:"id"`
	UserID           int64       `json:"user_id"`
	ProductID        string      `json:"product_id"`
	ProductName      string      `json:"product_name,omitempty"`
	Variant          Variant     `json:"variant"`
	Gateway          string      `json:"gateway"`
	GatewayOrderID   string      `json:"gateway_order_id"`
	GatewayPaymentID *string     `json:"gateway_payment_id,omitempty"`
	Amount           int64       `json:"amount"`
	Currency         string      `json:"currency"`
	Status           OrderStatus `json:"status"`
	CreatedAt        time.Time   `json:"created_at"`
	UpdatedAt        time.Time   `json:"updated_at"`
}

func (o *Order) PaymentRef() string {
	if o.GatewayPaymentID == nil {
		return ""
	}
	return *o.GatewayPaymentID
}

type CreateOrderRequest struct {
	ProductID string   `json:"product_id" validate:"required"`
	Variant   *Variant `json:"variant" validate:"required"`
}

func (r *CreateOrderRequest) Normalize() {
	r.ProductID = strings.TrimSpace(r.ProductID)
	if r.Variant != nil {
		r.Variant.Type = strings.TrimSpace(r.Variant.Type)
		r.Variant.License = strings.TrimSpace(r.Variant.License)
	}
}

type CreateOrderResponse struct {
	OrderID   string `json:"orderId"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	DBOrderID int64  `json:"dbOrderId"`
}

// ApplyResult is the decision the reconciliation engine reached for one outcome.
type ApplyResult string

const (
	ApplyApplied   ApplyResult = "applied"
	ApplyDuplicate ApplyResult = "duplicate"
	ApplyConflict  ApplyResult = "conflict"
	ApplyNotFound  ApplyResult = "not_found"
	ApplyIgnored   ApplyResult = "ignored"
)
