package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diagnosis/pixelvault/pkg/events"
	"github.com/diagnosis/pixelvault/pkg/logger"
	"github.com/diagnosis/pixelvault/services/store/internal/domain"
	"github.com/diagnosis/pixelvault/services/store/internal/gateway"
	"github.com/diagnosis/pixelvault/services/store/internal/mailer"
	"github.com/diagnosis/pixelvault/services/store/internal/repository"
)

const (
	SourceWebhook = "webhook"
	SourceRefresh = "refresh"
)

// ReconcileService applies gateway-reported payment outcomes to local orders.
// Status only ever leaves pending through one conditional write, so the first
// terminal outcome recorded wins and every later one is a no-op.
type ReconcileService interface {
	ApplyOutcome(ctx context.Context, gatewayOrderID, paymentID string, outcome domain.PaymentOutcome, source string) (domain.ApplyResult, *domain.Order, error)
	Refresh(ctx context.Context, gatewayOrderID string) (*RefreshResult, error)
}

type RefreshResult struct {
	Payments []gateway.Payment
	Selected *gateway.Payment
	Result   domain.ApplyResult
	Order    *domain.Order
}

type reconcileService struct {
	orders    repository.OrderRepository
	users     repository.UserRepository
	gateway   gateway.Client
	mailer    mailer.Service
	publisher events.Publisher
}

func NewReconcileService(
	orders repository.OrderRepository,
	users repository.UserRepository,
	gw gateway.Client,
	mailer mailer.Service,
	publisher events.Publisher,
) ReconcileService {
	return &reconcileService{
		orders:    orders,
		users:     users,
		gateway:   gw,
		mailer:    mailer,
		publisher: publisher,
	}
}

func (s *reconcileService) ApplyOutcome(ctx context.Context, gatewayOrderID, paymentID string, outcome domain.PaymentOutcome, source string) (domain.ApplyResult, *domain.Order, error) {
	target, ok := outcome.TargetStatus()
	if !ok || gatewayOrderID == "" || paymentID == "" {
		logger.InfoContext(ctx, "Ignoring non-terminal payment outcome",
			"gateway_order_id", gatewayOrderID, "payment_id", paymentID, "outcome", outcome, "source", source)
		return domain.ApplyIgnored, nil, nil
	}

	order, err := s.orders.FindByGatewayOrderID(ctx, gatewayOrderID)
	if errors.Is(err, domain.ErrNotFound) {
		logger.WarnContext(ctx, "Payment outcome for unknown order",
			"gateway_order_id", gatewayOrderID, "payment_id", paymentID, "outcome", outcome, "source", source)
		return domain.ApplyNotFound, nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to load order %s: %w", gatewayOrderID, err)
	}

	if order.Status.IsTerminal() {
		return s.settled(ctx, order, target, paymentID, source), order, nil
	}

	updated, changed, err := s.orders.TransitionFromPending(ctx, gatewayOrderID, paymentID, target)
	if err != nil {
		return "", nil, fmt.Errorf("failed to transition order %s: %w", gatewayOrderID, err)
	}
	if !changed {
		// Lost the race to another writer; judge against what it stored.
		current, err := s.orders.FindByGatewayOrderID(ctx, gatewayOrderID)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ApplyNotFound, nil, nil
		}
		if err != nil {
			return "", nil, fmt.Errorf("failed to reload order %s: %w", gatewayOrderID, err)
		}
		if !current.Status.IsTerminal() {
			return "", nil, fmt.Errorf("order %s still pending after conditional update", gatewayOrderID)
		}
		return s.settled(ctx, current, target, paymentID, source), current, nil
	}

	logger.InfoContext(ctx, "Order payment reconciled",
		"order_id", updated.ID,
		"gateway_order_id", gatewayOrderID,
		"payment_id", paymentID,
		"outcome", outcome,
		"status", updated.Status,
		"source", source,
	)

	s.publish(ctx, updated, source)
	s.notify(ctx, updated)

	return domain.ApplyApplied, updated, nil
}

// settled decides between an idempotent repeat and a conflicting report for
// an order that is already terminal. Neither mutates the order.
func (s *reconcileService) settled(ctx context.Context, order *domain.Order, target domain.OrderStatus, paymentID, source string) domain.ApplyResult {
	if order.Status == target {
		logger.InfoContext(ctx, "Duplicate payment outcome ignored",
			"order_id", order.ID,
			"gateway_order_id", order.GatewayOrderID,
			"status", order.Status,
			"stored_payment_id", order.PaymentRef(),
			"reported_payment_id", paymentID,
			"source", source,
		)
		return domain.ApplyDuplicate
	}

	logger.WarnContext(ctx, "Conflicting payment outcome for terminal order, manual review required",
		"order_id", order.ID,
		"gateway_order_id", order.GatewayOrderID,
		"stored_status", order.Status,
		"reported_status", target,
		"stored_payment_id", order.PaymentRef(),
		"reported_payment_id", paymentID,
		"source", source,
	)
	return domain.ApplyConflict
}

func (s *reconcileService) Refresh(ctx context.Context, gatewayOrderID string) (*RefreshResult, error) {
	order, err := s.orders.FindByGatewayOrderID(ctx, gatewayOrderID)
	if err != nil {
		return nil, err
	}
	if order.Gateway != "" && order.Gateway != s.gateway.Name() {
		return nil, fmt.Errorf("%w: %s was placed through %s, configured gateway is %s",
			domain.ErrGatewayMismatch, gatewayOrderID, order.Gateway, s.gateway.Name())
	}

	payments, err := s.gateway.FetchPayments(ctx, gatewayOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch payments for %s: %w", gatewayOrderID, err)
	}

	res := &RefreshResult{Payments: payments, Order: order, Result: domain.ApplyIgnored}

	res.Selected = LatestPayment(payments, order.PaymentRef())
	if res.Selected == nil {
		logger.InfoContext(ctx, "No payment attempts yet", "gateway_order_id", gatewayOrderID)
		return res, nil
	}
	if _, terminal := res.Selected.Outcome.TargetStatus(); !terminal {
		logger.InfoContext(ctx, "Latest payment still pending",
			"gateway_order_id", gatewayOrderID, "payment_id", res.Selected.ID, "gateway_status", res.Selected.Status)
		return res, nil
	}

	result, updated, err := s.ApplyOutcome(ctx, gatewayOrderID, res.Selected.ID, res.Selected.Outcome, SourceRefresh)
	if err != nil {
		return nil, err
	}
	res.Result = result
	if updated != nil {
		res.Order = updated
	}
	return res, nil
}

// LatestPayment picks the newest attempt by creation time. On a tie the
// attempt already recorded locally wins so repeated refreshes cannot flip
// between equally-new attempts.
func LatestPayment(payments []gateway.Payment, recordedID string) *gateway.Payment {
	var best *gateway.Payment
	for i := range payments {
		p := &payments[i]
		switch {
		case best == nil, p.CreatedAt > best.CreatedAt:
			best = p
		case p.CreatedAt == best.CreatedAt && recordedID != "" && p.ID == recordedID:
			best = p
		}
	}
	return best
}

// notify expands the owner explicitly before sending. Every path that does
// not end in a delivered message is logged with a reason.
func (s *reconcileService) notify(ctx context.Context, order *domain.Order) {
	owner, err := s.users.FindByID(ctx, order.UserID)
	if err != nil {
		logger.ErrorContext(ctx, "Skipping order notification",
			"reason", "owner_lookup_failed",
			"order_id", order.ID,
			"user_id", order.UserID,
			"error", err,
		)
		return
	}

	n := mailer.OrderNotification{
		ToEmail:        owner.Email,
		ProductName:    order.ProductName,
		Status:         order.Status,
		OrderID:        order.ID,
		GatewayOrderID: order.GatewayOrderID,
		PaymentID:      order.PaymentRef(),
		Amount:         order.Amount,
		Currency:       order.Currency,
	}
	if n.ProductName == "" {
		logger.WarnContext(ctx, "Order notification without product name",
			"reason", "product_missing", "order_id", order.ID, "product_id", order.ProductID)
	}

	if err := s.mailer.SendOrderOutcome(ctx, n); err != nil {
		logger.ErrorContext(ctx, "Failed to send order notification",
			"reason", "send_failed",
			"order_id", order.ID,
			"status", order.Status,
			"error", err,
		)
	}
}

func (s *reconcileService) publish(ctx context.Context, order *domain.Order, source string) {
	subject := events.PaymentCaptured
	if order.Status == domain.OrderFailed {
		subject = events.PaymentFailed
	}
	evt := events.PaymentOutcomeEvent{
		OrderID:          order.ID,
		UserID:           order.UserID,
		GatewayOrderID:   order.GatewayOrderID,
		GatewayPaymentID: order.PaymentRef(),
		Status:           string(order.Status),
		Source:           source,
		OccurredAt:       time.Now().UTC(),
	}
	if err := s.publisher.Publish(ctx, subject, evt); err != nil {
		logger.ErrorContext(ctx, "Failed to publish payment event", "error", err, "subject", subject, "order_id", order.ID)
	}
}
