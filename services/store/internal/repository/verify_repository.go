package repository

import (
	"context"
	"errors"
	"time"

	"github.com/diagnosis/pixelvault/services/store/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type VerifyRepository interface {
	// Replace installs token as the only token for identifier.
	Replace(ctx context.Context, identifier, token string, expiresAt time.Time) (*domain.VerificationToken, error)
	// Consume deletes and returns the token in one statement, so at most one
	// caller ever receives a given token. Missing tokens yield domain.ErrNotFound.
	Consume(ctx context.Context, token string) (*domain.VerificationToken, error)
	DeleteExpired(ctx context.Context) (int64, error)
}

type verifyRepository struct {
	pool *pgxpool.Pool
}

func NewVerifyRepository(pool *pgxpool.Pool) VerifyRepository {
	return &verifyRepository{pool: pool}
}

func (r *verifyRepository) Replace(ctx context.Context, identifier, token string, expiresAt time.Time) (*domain.VerificationToken, error) {
	const q = `
		INSERT INTO verification_tokens (identifier, token, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (identifier) DO UPDATE SET
			token      = EXCLUDED.token,
			expires_at = EXCLUDED.expires_at,
			created_at = now()
		RETURNING identifier, token, expires_at, created_at`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var t domain.VerificationToken
	if err := r.pool.QueryRow(ctx, q, identifier, token, expiresAt).Scan(&t.Identifier, &t.Token, &t.ExpiresAt, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *verifyRepository) Consume(ctx context.Context, token string) (*domain.VerificationToken, error) {
	const q = `
		DELETE FROM verification_tokens
		WHERE token = $1
		RETURNING identifier, token, expires_at, created_at`

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	var t domain.VerificationToken
	err := r.pool.QueryRow(ctx, q, token).Scan(&t.Identifier, &t.Token, &t.ExpiresAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *verifyRepository) DeleteExpired(ctx context.Context) (int64, error) {
	const q = `DELETE FROM verification_tokens WHERE expires_at < now()`

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
