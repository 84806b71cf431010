package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diagnosis/pixelvault/services/store/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type OrderRepository interface {
	Create(ctx context.Context, o *domain.Order) (*domain.Order, error)
	FindByID(ctx context.Context, id int64) (*domain.Order, error)
	FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*domain.Order, error)
	ListByUser(ctx context.Context, userID int64, limit, offset int) ([]domain.Order, error)
	// TransitionFromPending sets the terminal status and payment reference in
	// one conditional write. It returns (nil, false, nil) when the order was
	// no longer pending or does not exist.
	TransitionFromPending(ctx context.Context, gatewayOrderID, paymentID string, status domain.OrderStatus) (*domain.Order, bool, error)
}

type orderRepository struct {
	pool *pgxpool.Pool
}

func NewOrderRepository(pool *pgxpool.Pool) OrderRepository {
	return &orderRepository{pool: pool}
}

const orderColumns = `
	o.id, o.user_id, o.product_id, COALESCE(p.name, ''), o.variant, o.gateway,
	o.gateway_order_id, o.gateway_payment_id, o.amount, o.currency, o.status,
	o.created_at, o.updated_at`

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	var status string
	err := row.Scan(
		&o.ID, &o.UserID, &o.ProductID, &o.ProductName, &o.Variant, &o.Gateway,
		&o.GatewayOrderID, &o.GatewayPaymentID, &o.Amount, &o.Currency, &status,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = domain.OrderStatus(status)
	return &o, nil
}

func (r *orderRepository) Create(ctx context.Context, o *domain.Order) (*domain.Order, error) {
	const q = `
		WITH o AS (
			INSERT INTO orders (user_id, product_id, variant, gateway, gateway_order_id, amount, currency, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
			RETURNING *
		)
		SELECT` + orderColumns + `
		FROM o LEFT JOIN products p ON p.id = o.product_id`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	created, err := scanOrder(r.pool.QueryRow(ctx, q,
		o.UserID, o.ProductID, o.Variant, o.Gateway, o.GatewayOrderID, o.Amount, o.Currency,
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("gateway order %s already recorded: %w", o.GatewayOrderID, domain.ErrConflict)
		}
		return nil, err
	}
	return created, nil
}

func (r *orderRepository) FindByID(ctx context.Context, id int64) (*domain.Order, error) {
	q := `SELECT` + orderColumns + ` FROM orders o LEFT JOIN products p ON p.id = o.product_id WHERE o.id = $1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	o, err := scanOrder(r.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return o, err
}

func (r *orderRepository) FindByGatewayOrderID(ctx context.Context, gatewayOrderID string) (*domain.Order, error) {
	q := `SELECT` + orderColumns + ` FROM orders o LEFT JOIN products p ON p.id = o.product_id WHERE o.gateway_order_id = $1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	o, err := scanOrder(r.pool.QueryRow(ctx, q, gatewayOrderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return o, err
}

func (r *orderRepository) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]domain.Order, error) {
	q := `SELECT` + orderColumns + `
		FROM orders o LEFT JOIN products p ON p.id = o.product_id
		WHERE o.user_id = $1
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT $2 OFFSET $3`

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := r.pool.Query(ctx, q, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func (r *orderRepository) TransitionFromPending(ctx context.Context, gatewayOrderID, paymentID string, status domain.OrderStatus) (*domain.Order, bool, error) {
	if !status.IsTerminal() {
		return nil, false, fmt.Errorf("transition to %q: %w", status, domain.ErrValidation)
	}

	const q = `
		WITH o AS (
			UPDATE orders
			SET status = $3, gateway_payment_id = $2, updated_at = now()
			WHERE gateway_order_id = $1 AND status = 'pending'
			RETURNING *
		)
		SELECT` + orderColumns + `
		FROM o LEFT JOIN products p ON p.id = o.product_id`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	o, err := scanOrder(r.pool.QueryRow(ctx, q, gatewayOrderID, paymentID, string(status)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return o, true, nil
}
