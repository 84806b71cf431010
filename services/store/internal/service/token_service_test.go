package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diagnosis/pixelvault/pkg/config"
	"github.com/diagnosis/pixelvault/services/store/internal/domain"
	"github.com/diagnosis/pixelvault/services/store/internal/mailer"
	"github.com/diagnosis/pixelvault/services/store/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type mockMailer struct{ mock.Mock }

func (m *mockMailer) SendVerificationEmail(ctx context.Context, to, verifyURL string, ttl time.Duration) error {
	return m.Called(ctx, to, verifyURL, ttl).Error(0)
}

func (m *mockMailer) SendOrderOutcome(ctx context.Context, n mailer.OrderNotification) error {
	return m.Called(ctx, n).Error(0)
}

func (m *mockMailer) Verify(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func tokenConfig() *config.Config {
	return &config.Config{
		Auth: config.AuthConfig{
			VerificationTTL:     time.Hour,
			VerifyRequestLimit:  2,
			VerifyRequestWindow: time.Hour,
		},
		App: config.AppConfig{PublicURL: "https://pixelvault.test"},
	}
}

type tokenFixture struct {
	tokens *testutil.TokenStore
	users  *testutil.UserStore
	limits *testutil.RateLimits
	mail   *testutil.Mailer
	now    time.Time
	svc    TokenService
}

func newTokenFixture(t *testing.T) *tokenFixture {
	t.Helper()
	f := &tokenFixture{
		tokens: testutil.NewTokenStore(),
		users:  testutil.NewUserStore(),
		limits: testutil.NewRateLimits(),
		mail:   &testutil.Mailer{},
		now:    time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewTokenService(f.tokens, f.users, f.limits, f.mail, tokenConfig(),
		WithClock(func() time.Time { return f.now }))
	return f
}

func TestGenerateReplacesPreviousToken(t *testing.T) {
	f := newTokenFixture(t)
	f.users.Add("new@example.com", "hash", false)
	ctx := context.Background()

	first, err := f.svc.Generate(ctx, "new@example.com")
	require.NoError(t, err)
	second, err := f.svc.Generate(ctx, "new@example.com")
	require.NoError(t, err)

	assert.NotEqual(t, first.Token, second.Token)
	assert.Len(t, second.Token, 64)
	assert.Equal(t, f.now.Add(time.Hour), second.ExpiresAt)
	assert.Equal(t, 1, f.tokens.Len())

	result, _, err := f.svc.Verify(ctx, first.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyInvalid, result)

	result, identity, err := f.svc.Verify(ctx, second.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifySuccess, result)
	assert.Equal(t, "new@example.com", identity)
}

func TestVerifyConsumesToken(t *testing.T) {
	f := newTokenFixture(t)
	f.users.Add("new@example.com", "hash", false)
	ctx := context.Background()

	tok, err := f.svc.Generate(ctx, "new@example.com")
	require.NoError(t, err)

	result, _, err := f.svc.Verify(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifySuccess, result)
	assert.False(t, f.tokens.Has(tok.Token))

	user, err := f.users.FindByEmail(ctx, "new@example.com")
	require.NoError(t, err)
	assert.True(t, user.IsVerified())

	result, _, err = f.svc.Verify(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyInvalid, result)
}

func TestVerifyExpiredToken(t *testing.T) {
	f := newTokenFixture(t)
	f.users.Add("late@example.com", "hash", false)
	ctx := context.Background()

	tok, err := f.svc.Generate(ctx, "late@example.com")
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Hour)
	result, _, err := f.svc.Verify(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyExpired, result)
	assert.False(t, f.tokens.Has(tok.Token))

	user, err := f.users.FindByEmail(ctx, "late@example.com")
	require.NoError(t, err)
	assert.False(t, user.IsVerified())

	result, _, err = f.svc.Verify(ctx, tok.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyInvalid, result)
}

func TestVerifyAtExactExpiryStillSucceeds(t *testing.T) {
	f := newTokenFixture(t)
	f.users.Add("edge@example.com", "hash", false)

	tok, err := f.svc.Generate(context.Background(), "edge@example.com")
	require.NoError(t, err)

	f.now = tok.ExpiresAt
	result, _, err := f.svc.Verify(context.Background(), tok.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifySuccess, result)
}

func TestVerifyUnknownOrEmptyToken(t *testing.T) {
	f := newTokenFixture(t)

	for _, token := range []string{"", "deadbeef"} {
		result, _, err := f.svc.Verify(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, domain.VerifyInvalid, result)
	}
}

func TestVerifyAlreadyVerifiedUserIsInvalid(t *testing.T) {
	f := newTokenFixture(t)
	f.users.Add("done@example.com", "hash", true)

	tok, err := f.svc.Generate(context.Background(), "done@example.com")
	require.NoError(t, err)

	result, _, err := f.svc.Verify(context.Background(), tok.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.VerifyInvalid, result)
	assert.Zero(t, f.tokens.Len())
}

func TestVerifyConcurrentRedemption(t *testing.T) {
	f := newTokenFixture(t)
	f.users.Add("race@example.com", "hash", false)

	tok, err := f.svc.Generate(context.Background(), "race@example.com")
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		results = map[domain.VerifyResult]int{}
		g       errgroup.Group
	)
	for i := 0; i < 20; i++ {
		g.Go(func() error {
			result, _, err := f.svc.Verify(context.Background(), tok.Token)
			if err != nil {
				return err
			}
			mu.Lock()
			results[result]++
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, 1, results[domain.VerifySuccess])
	assert.Equal(t, 19, results[domain.VerifyInvalid])
}

func TestRequestVerificationSendsLink(t *testing.T) {
	f := newTokenFixture(t)
	f.users.Add("new@example.com", "hash", false)

	err := f.svc.RequestVerification(context.Background(), "  New@Example.com ")
	require.NoError(t, err)

	require.Len(t, f.mail.Verifications, 1)
	sent := f.mail.Verifications[0]
	assert.Equal(t, "new@example.com", sent.To)

	live := f.tokens.TokenFor("new@example.com")
	require.NotEmpty(t, live)
	assert.Equal(t, "https://pixelvault.test/verify/"+live, sent.URL)
}

func TestRequestVerificationRejections(t *testing.T) {
	f := newTokenFixture(t)
	f.users.Add("done@example.com", "hash", true)
	ctx := context.Background()

	err := f.svc.RequestVerification(ctx, "ghost@example.com")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = f.svc.RequestVerification(ctx, "done@example.com")
	assert.ErrorIs(t, err, domain.ErrAlreadyVerified)

	assert.Empty(t, f.mail.Verifications)
	assert.Zero(t, f.tokens.Len())
}

func TestRequestVerificationRateLimited(t *testing.T) {
	f := newTokenFixture(t)
	f.users.Add("eager@example.com", "hash", false)
	ctx := context.Background()

	require.NoError(t, f.svc.RequestVerification(ctx, "eager@example.com"))
	require.NoError(t, f.svc.RequestVerification(ctx, "eager@example.com"))

	err := f.svc.RequestVerification(ctx, "eager@example.com")
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Len(t, f.mail.Verifications, 2)
}

func TestRequestVerificationLimiterErrorFailsOpen(t *testing.T) {
	f := newTokenFixture(t)
	f.users.Add("new@example.com", "hash", false)
	f.limits.Err = errors.New("connection refused")

	require.NoError(t, f.svc.RequestVerification(context.Background(), "new@example.com"))
	assert.Len(t, f.mail.Verifications, 1)
	assert.Equal(t, 1, f.tokens.Len())
}

func TestRequestVerificationMailFailureKeepsToken(t *testing.T) {
	f := newTokenFixture(t)
	f.users.Add("new@example.com", "hash", false)
	f.mail.Err = errors.New("relay refused")

	err := f.svc.RequestVerification(context.Background(), "new@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay refused")
	assert.Equal(t, 1, f.tokens.Len())
}

func TestRequestVerificationPassesTTLToMailer(t *testing.T) {
	tokens := testutil.NewTokenStore()
	users := testutil.NewUserStore()
	users.Add("new@example.com", "hash", false)

	m := new(mockMailer)
	m.On("SendVerificationEmail", mock.Anything, "new@example.com",
		mock.MatchedBy(func(u string) bool { return strings.HasPrefix(u, "https://pixelvault.test/verify/") }),
		time.Hour,
	).Return(nil).Once()

	svc := NewTokenService(tokens, users, testutil.NewRateLimits(), m, tokenConfig())
	require.NoError(t, svc.RequestVerification(context.Background(), "new@example.com"))
	m.AssertExpectations(t)
}

func TestPurgeExpiredTokens(t *testing.T) {
	f := newTokenFixture(t)
	f.now = time.Now().Add(-3 * time.Hour)

	_, err := f.svc.Generate(context.Background(), "stale@example.com")
	require.NoError(t, err)

	f.now = time.Now()
	fresh, err := f.svc.Generate(context.Background(), "fresh@example.com")
	require.NoError(t, err)

	n, err := f.svc.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.True(t, f.tokens.Has(fresh.Token))
}
