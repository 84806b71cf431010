package repository

import (
	"context"
	"errors"
	"time"

	"github.com/diagnosis/pixelvault/services/store/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ProductRepository reads the catalog. Catalog writes belong to another service.
type ProductRepository interface {
	FindByID(ctx context.Context, id string) (*domain.Product, error)
}

type productRepository struct {
	pool *pgxpool.Pool
}

func NewProductRepository(pool *pgxpool.Pool) ProductRepository {
	return &productRepository{pool: pool}
}

func (r *productRepository) FindByID(ctx context.Context, id string) (*domain.Product, error) {
	const q = `SELECT id, name, variants FROM products WHERE id = $1`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var p domain.Product
	err := r.pool.QueryRow(ctx, q, id).Scan(&p.ID, &p.Name, &p.Variants)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
