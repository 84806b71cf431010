package repository

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type RateLimitRepository interface {
	// Allow counts one hit against key and reports whether it is within
	// requests per window.
	Allow(ctx context.Context, key string, requests int, window time.Duration) (bool, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

type rateLimitRepository struct {
	pool *pgxpool.Pool
}

func NewRateLimitRepository(pool *pgxpool.Pool) RateLimitRepository {
	return &rateLimitRepository{pool: pool}
}

func (r *rateLimitRepository) Allow(ctx context.Context, key string, requests int, window time.Duration) (bool, error) {
	hashedKey := fmt.Sprintf("%x", sha256.Sum256([]byte(key)))

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	now := time.Now()
	windowStart := now.Add(-window)

	const q = `
		INSERT INTO rate_limits (rl_key, count, window_start, expires_at)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (rl_key) DO UPDATE SET
			count = CASE
				WHEN rate_limits.window_start < $2 THEN 1
				ELSE rate_limits.count + 1
			END,
			window_start = CASE
				WHEN rate_limits.window_start < $2 THEN $4
				ELSE rate_limits.window_start
			END,
			expires_at = $3
		RETURNING count`

	var count int
	if err := r.pool.QueryRow(ctx, q, hashedKey, windowStart, now.Add(window), now).Scan(&count); err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}

	return count <= requests, nil
}

func (r *rateLimitRepository) CleanupExpired(ctx context.Context) (int64, error) {
	const q = `DELETE FROM rate_limits WHERE expires_at < now()`

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
