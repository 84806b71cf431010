package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/diagnosis/pixelvault/pkg/config"
	"github.com/diagnosis/pixelvault/pkg/events"
	"github.com/diagnosis/pixelvault/pkg/logger"
	"github.com/diagnosis/pixelvault/pkg/validate"
	"github.com/diagnosis/pixelvault/services/store/internal/domain"
	"github.com/diagnosis/pixelvault/services/store/internal/gateway"
	"github.com/diagnosis/pixelvault/services/store/internal/repository"
	"github.com/oklog/ulid/v2"
)

type OrderService interface {
	Create(ctx context.Context, userID int64, req *domain.CreateOrderRequest) (*domain.CreateOrderResponse, error)
	ListForUser(ctx context.Context, userID int64, limit, offset int) ([]domain.Order, error)
	// Resolve finds an order by local id or gateway reference. Orders owned by
	// someone else are reported as not found unless asAdmin is set.
	Resolve(ctx context.Context, identifier string, userID int64, asAdmin bool) (*domain.Order, error)
}

type orderService struct {
	orders    repository.OrderRepository
	users     repository.UserRepository
	products  repository.ProductRepository
	gateway   gateway.Client
	publisher events.Publisher
	config    *config.Config
}

func NewOrderService(
	orders repository.OrderRepository,
	users repository.UserRepository,
	products repository.ProductRepository,
	gw gateway.Client,
	publisher events.Publisher,
	config *config.Config,
) OrderService {
	return &orderService{
		orders:    orders,
		users:     users,
		products:  products,
		gateway:   gw,
		publisher: publisher,
		config:    config,
	}
}

func newReceipt() string {
	return "rcpt_" + ulid.MustNew(ulid.Now(), rand.Reader).String()
}

func (s *orderService) Create(ctx context.Context, userID int64, req *domain.CreateOrderRequest) (*domain.CreateOrderResponse, error) {
	req.Normalize()
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}

	user, err := s.users.FindByID(ctx, userID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrForbidden
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !user.IsVerified() {
		return nil, domain.ErrNotVerified
	}

	product, err := s.products.FindByID(ctx, req.ProductID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown product", domain.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load product: %w", err)
	}

	// Price comes from the catalog, never from the request body.
	variant, ok := product.FindVariant(*req.Variant)
	if !ok {
		return nil, fmt.Errorf("%w: variant not offered for this product", domain.ErrValidation)
	}
	amount := variant.MinorUnits()
	if amount <= 0 {
		return nil, fmt.Errorf("%w: variant has no price", domain.ErrValidation)
	}

	remote, err := s.gateway.CreateOrder(ctx, gateway.CreateOrderParams{
		Amount:   amount,
		Currency: s.config.Gateway.Currency,
		Receipt:  newReceipt(),
		Notes: map[string]string{
			"productId": product.ID,
			"userId":    strconv.FormatInt(user.ID, 10),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gateway order: %w", err)
	}

	order, err := s.orders.Create(ctx, &domain.Order{
		UserID:         user.ID,
		ProductID:      product.ID,
		Variant:        variant,
		Gateway:        s.gateway.Name(),
		GatewayOrderID: remote.ID,
		Amount:         amount,
		Currency:       strings.ToUpper(remote.Currency),
	})
	if err != nil {
		// The remote order exists without a local row; any later event for it
		// resolves to not-found and is ignored.
		logger.ErrorContext(ctx, "Failed to record order after gateway order was created",
			"error", err, "gateway_order_id", remote.ID, "user_id", user.ID)
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	logger.InfoContext(ctx, "Order created",
		"order_id", order.ID, "gateway_order_id", order.GatewayOrderID, "amount", order.Amount, "product_id", order.ProductID)

	if err := s.publisher.Publish(ctx, events.OrderCreated, events.OrderCreatedEvent{
		OrderID:        order.ID,
		UserID:         order.UserID,
		ProductID:      order.ProductID,
		GatewayOrderID: order.GatewayOrderID,
		Amount:         order.Amount,
		Currency:       order.Currency,
		CreatedAt:      time.Now().UTC(),
	}); err != nil {
		logger.ErrorContext(ctx, "Failed to publish order event", "error", err, "order_id", order.ID)
	}

	return &domain.CreateOrderResponse{
		OrderID:   remote.ID,
		Amount:    remote.Amount,
		Currency:  remote.Currency,
		DBOrderID: order.ID,
	}, nil
}

func (s *orderService) ListForUser(ctx context.Context, userID int64, limit, offset int) ([]domain.Order, error) {
	orders, err := s.orders.ListByUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	return orders, nil
}

func (s *orderService) Resolve(ctx context.Context, identifier string, userID int64, asAdmin bool) (*domain.Order, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, domain.ErrNotFound
	}

	var (
		order *domain.Order
		err   error
	)
	if id, convErr := strconv.ParseInt(identifier, 10, 64); convErr == nil {
		order, err = s.orders.FindByID(ctx, id)
	} else {
		order, err = s.orders.FindByGatewayOrderID(ctx, identifier)
	}
	if err != nil {
		return nil, err
	}

	if !asAdmin && order.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return order, nil
}
