package service

import (
	"context"
	"time"

	"github.com/diagnosis/pixelvault/pkg/logger"
	"github.com/diagnosis/pixelvault/services/store/internal/repository"
)

// Janitor periodically deletes expired verification tokens and rate-limit
// rows. Expiry is still enforced at verification time; this only bounds
// table growth.
type Janitor struct {
	tokens     TokenService
	rateLimits repository.RateLimitRepository
	interval   time.Duration
}

func NewJanitor(tokens TokenService, rateLimits repository.RateLimitRepository, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Janitor{tokens: tokens, rateLimits: rateLimits, interval: interval}
}

// Run sweeps until ctx is cancelled and then returns nil.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		j.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (j *Janitor) RunOnce(ctx context.Context) {
	if n, err := j.tokens.PurgeExpired(ctx); err != nil {
		logger.ErrorContext(ctx, "Token cleanup failed", "error", err)
	} else if n > 0 {
		logger.InfoContext(ctx, "Expired verification tokens removed", "count", n)
	}

	if n, err := j.rateLimits.CleanupExpired(ctx); err != nil {
		logger.ErrorContext(ctx, "Rate limit cleanup failed", "error", err)
	} else if n > 0 {
		logger.DebugContext(ctx, "Expired rate limits removed", "count", n)
	}
}
