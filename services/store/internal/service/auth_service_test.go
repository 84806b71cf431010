package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/diagnosis/pixelvault/pkg/auth"
	"github.com/diagnosis/pixelvault/pkg/config"
	"github.com/diagnosis/pixelvault/services/store/internal/domain"
	"github.com/diagnosis/pixelvault/services/store/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "test-secret-key-for-unit-tests"

func newAuthService(users *testutil.UserStore) AuthService {
	cfg := &config.Config{Auth: config.AuthConfig{JWTSecret: testSecret, AccessTokenTTL: 15 * time.Minute}}
	return NewAuthService(users, cfg)
}

func authKind(t *testing.T, err error) domain.AuthErrorKind {
	t.Helper()
	var authErr *domain.AuthError
	require.True(t, errors.As(err, &authErr), "expected AuthError, got %v", err)
	return authErr.Kind
}

func TestRegisterAndLogin(t *testing.T) {
	users := testutil.NewUserStore()
	svc := newAuthService(users)
	ctx := context.Background()

	user, err := svc.Register(ctx, &domain.RegisterRequest{Email: " Buyer@Example.com", Password: "correct-horse"})
	require.NoError(t, err)
	assert.Equal(t, "buyer@example.com", user.Email)
	assert.Equal(t, domain.RoleUser, user.Role)
	assert.False(t, user.IsVerified())
	assert.True(t, strings.HasPrefix(user.PasswordHash, "$argon2id$"))

	resp, err := svc.Login(ctx, &domain.LoginRequest{Email: "buyer@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	assert.Equal(t, int64(900), resp.ExpiresIn)
	assert.Equal(t, user.ID, resp.User.ID)

	claims, err := auth.Parse(resp.AccessToken, testSecret)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.Sub)
	assert.Equal(t, "buyer@example.com", claims.Email)
}

func TestRegisterRejections(t *testing.T) {
	users := testutil.NewUserStore()
	svc := newAuthService(users)
	ctx := context.Background()

	_, err := svc.Register(ctx, &domain.RegisterRequest{Email: "not-an-email", Password: "correct-horse"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.Register(ctx, &domain.RegisterRequest{Email: "a@example.com", Password: "short"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.Register(ctx, &domain.RegisterRequest{Email: "a@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	_, err = svc.Register(ctx, &domain.RegisterRequest{Email: "A@example.com", Password: "another-pass"})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestLoginFailureKinds(t *testing.T) {
	users := testutil.NewUserStore()
	svc := newAuthService(users)
	ctx := context.Background()
	_, err := svc.Register(ctx, &domain.RegisterRequest{Email: "a@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	users.Add("broken@example.com", "plaintext", true)

	_, err = svc.Login(ctx, &domain.LoginRequest{Email: "nobody@example.com", Password: "x"})
	assert.Equal(t, domain.UserNotFound, authKind(t, err))

	_, err = svc.Login(ctx, &domain.LoginRequest{Email: "a@example.com", Password: "wrong-horse"})
	assert.Equal(t, domain.PasswordMismatch, authKind(t, err))

	_, err = svc.Login(ctx, &domain.LoginRequest{Email: "broken@example.com", Password: "plaintext"})
	assert.Equal(t, domain.InvalidCredentials, authKind(t, err))
}

func TestLoginUpgradesLegacyHash(t *testing.T) {
	users := testutil.NewUserStore()
	legacy, err := bcrypt.GenerateFromPassword([]byte("old-password"), bcrypt.MinCost)
	require.NoError(t, err)
	u := users.Add("legacy@example.com", string(legacy), true)
	svc := newAuthService(users)
	ctx := context.Background()

	_, err = svc.Login(ctx, &domain.LoginRequest{Email: "legacy@example.com", Password: "wrong"})
	assert.Equal(t, domain.PasswordMismatch, authKind(t, err))

	_, err = svc.Login(ctx, &domain.LoginRequest{Email: "legacy@example.com", Password: "old-password"})
	require.NoError(t, err)

	stored, err := users.FindByID(ctx, u.ID)
	require.NoError(t, err)
	match, err := argon2id.ComparePasswordAndHash("old-password", stored.PasswordHash)
	require.NoError(t, err)
	assert.True(t, match)
}

func TestChangePassword(t *testing.T) {
	users := testutil.NewUserStore()
	svc := newAuthService(users)
	ctx := context.Background()
	_, err := svc.Register(ctx, &domain.RegisterRequest{Email: "a@example.com", Password: "correct-horse"})
	require.NoError(t, err)

	err = svc.ChangePassword(ctx, &domain.ChangePasswordRequest{Email: "a@example.com", Password: "wrong-horse", NewPassword: "battery-staple"})
	assert.Equal(t, domain.PasswordMismatch, authKind(t, err))

	err = svc.ChangePassword(ctx, &domain.ChangePasswordRequest{Email: "a@example.com", Password: "correct-horse", NewPassword: "tiny"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = svc.ChangePassword(ctx, &domain.ChangePasswordRequest{Email: "a@example.com", Password: "correct-horse", NewPassword: "battery-staple"})
	require.NoError(t, err)

	_, err = svc.Login(ctx, &domain.LoginRequest{Email: "a@example.com", Password: "correct-horse"})
	assert.Equal(t, domain.PasswordMismatch, authKind(t, err))
	_, err = svc.Login(ctx, &domain.LoginRequest{Email: "a@example.com", Password: "battery-staple"})
	assert.NoError(t, err)
}

func TestJanitorRunOnce(t *testing.T) {
	f := newTokenFixture(t)
	f.now = time.Now().Add(-2 * time.Hour)
	_, err := f.svc.Generate(context.Background(), "stale@example.com")
	require.NoError(t, err)

	j := NewJanitor(f.svc, f.limits, time.Minute)
	j.RunOnce(context.Background())

	assert.Zero(t, f.tokens.Len())
	assert.Equal(t, int64(1), f.limits.Purged)
}

func TestJanitorStopsOnCancel(t *testing.T) {
	f := newTokenFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	j := NewJanitor(f.svc, f.limits, time.Hour)
	assert.NoError(t, j.Run(ctx))
	assert.Equal(t, int64(1), f.limits.Purged)
}
