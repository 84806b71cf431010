package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/diagnosis/pixelvault/pkg/config"
	"github.com/diagnosis/pixelvault/pkg/logger"
	"github.com/diagnosis/pixelvault/services/store/internal/domain"
	"github.com/diagnosis/pixelvault/services/store/internal/mailer"
	"github.com/diagnosis/pixelvault/services/store/internal/repository"
)

// TokenService owns the email verification token lifecycle. A token is
// removed from the store by the same statement that reads it, so it can
// reach at most one terminal decision.
type TokenService interface {
	Generate(ctx context.Context, identity string) (*domain.VerificationToken, error)
	Verify(ctx context.Context, token string) (domain.VerifyResult, string, error)
	RequestVerification(ctx context.Context, email string) error
	PurgeExpired(ctx context.Context) (int64, error)
}

type tokenService struct {
	tokens     repository.VerifyRepository
	users      repository.UserRepository
	rateLimits repository.RateLimitRepository
	mailer     mailer.Service
	config     *config.Config
	now        func() time.Time
}

type TokenOption func(*tokenService)

// WithClock overrides time.Now for expiry decisions.
func WithClock(now func() time.Time) TokenOption {
	return func(s *tokenService) { s.now = now }
}

func NewTokenService(
	tokens repository.VerifyRepository,
	users repository.UserRepository,
	rateLimits repository.RateLimitRepository,
	mailer mailer.Service,
	config *config.Config,
	opts ...TokenOption,
) TokenService {
	s := &tokenService{
		tokens:     tokens,
		users:      users,
		rateLimits: rateLimits,
		mailer:     mailer,
		config:     config,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newOpaqueToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate verification token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *tokenService) Generate(ctx context.Context, identity string) (*domain.VerificationToken, error) {
	value, err := newOpaqueToken()
	if err != nil {
		return nil, err
	}

	expiresAt := s.now().Add(s.config.Auth.VerificationTTL)
	tok, err := s.tokens.Replace(ctx, identity, value, expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to store verification token: %w", err)
	}
	return tok, nil
}

func (s *tokenService) Verify(ctx context.Context, token string) (domain.VerifyResult, string, error) {
	if token == "" {
		return domain.VerifyInvalid, "", nil
	}

	tok, err := s.tokens.Consume(ctx, token)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.VerifyInvalid, "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to consume verification token: %w", err)
	}

	if tok.ExpiredAt(s.now()) {
		logger.InfoContext(ctx, "Verification token expired", "identifier", tok.Identifier, "expired_at", tok.ExpiresAt)
		return domain.VerifyExpired, "", nil
	}

	marked, err := s.users.MarkVerified(ctx, tok.Identifier)
	if err != nil {
		return "", "", fmt.Errorf("failed to mark user verified: %w", err)
	}
	if !marked {
		logger.InfoContext(ctx, "Verification token matched no unverified user", "identifier", tok.Identifier)
		return domain.VerifyInvalid, "", nil
	}

	logger.InfoContext(ctx, "User verified", "identifier", tok.Identifier)
	return domain.VerifySuccess, tok.Identifier, nil
}

func (s *tokenService) RequestVerification(ctx context.Context, email string) error {
	email = domain.NormalizeEmail(email)

	user, err := s.users.FindByEmail(ctx, email)
	if err != nil {
		return err
	}
	if user.IsVerified() {
		return domain.ErrAlreadyVerified
	}

	// A broken limiter store must not lock users out of verification.
	allowed, err := s.rateLimits.Allow(ctx, "verify:"+email, s.config.Auth.VerifyRequestLimit, s.config.Auth.VerifyRequestWindow)
	if err != nil {
		logger.WarnContext(ctx, "Rate limit check failed, allowing request", "error", err)
	} else if !allowed {
		return domain.ErrRateLimited
	}

	tok, err := s.Generate(ctx, user.Email)
	if err != nil {
		return err
	}

	verifyURL := s.config.App.PublicURL + "/verify/" + url.PathEscape(tok.Token)
	if err := s.mailer.SendVerificationEmail(ctx, user.Email, verifyURL, s.config.Auth.VerificationTTL); err != nil {
		logger.ErrorContext(ctx, "Failed to send verification email", "error", err, "user_id", user.ID)
		return fmt.Errorf("failed to send verification email: %w", err)
	}

	logger.InfoContext(ctx, "Verification email sent", "user_id", user.ID, "expires_at", tok.ExpiresAt)
	return nil
}

func (s *tokenService) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := s.tokens.DeleteExpired(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to purge verification tokens: %w", err)
	}
	return n, nil
}
