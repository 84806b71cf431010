package handlers_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diagnosis/pixelvault/pkg/auth"
	"github.com/diagnosis/pixelvault/pkg/config"
	"github.com/diagnosis/pixelvault/services/store/internal/domain"
	"github.com/diagnosis/pixelvault/services/store/internal/gateway"
	"github.com/diagnosis/pixelvault/services/store/internal/handlers"
	"github.com/diagnosis/pixelvault/services/store/internal/service"
	"github.com/diagnosis/pixelvault/services/store/internal/testutil"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	jwtSecret     = "handler-test-secret"
	webhookSecret = "whsec_handler_test"
)

type memIdempotency struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memIdempotency) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memIdempotency) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memIdempotency) Reserve(_ context.Context, key, value string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

func (m *memIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

type testServer struct {
	router http.Handler
	orders *testutil.OrderStore
	users  *testutil.UserStore
	tokens *testutil.TokenStore
	gw     *testutil.Gateway
	mail   *testutil.Mailer
	now    time.Time
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := &config.Config{
		Auth: config.AuthConfig{
			JWTSecret:           jwtSecret,
			AccessTokenTTL:      time.Hour,
			VerificationTTL:     time.Hour,
			VerifyRequestLimit:  5,
			VerifyRequestWindow: time.Hour,
		},
		Gateway: config.GatewayConfig{Currency: "INR", RazorpayWebhookSecret: webhookSecret},
		App:     config.AppConfig{PublicURL: "https://pixelvault.test"},
	}

	s := &testServer{
		orders: testutil.NewOrderStore(),
		users:  testutil.NewUserStore(),
		tokens: testutil.NewTokenStore(),
		gw:     testutil.NewGateway(),
		mail:   &testutil.Mailer{},
		now:    time.Now(),
	}
	products := testutil.NewProductStore(&domain.Product{
		ID:       "prod_1",
		Name:     "Misty Ridge",
		Variants: []domain.Variant{{Type: "SQUARE", Price: 499, License: "personal"}},
	})
	pub := &testutil.Publisher{}

	orderSvc := service.NewOrderService(s.orders, s.users, products, s.gw, pub, cfg)
	reconcileSvc := service.NewReconcileService(s.orders, s.users, s.gw, s.mail, pub)
	tokenSvc := service.NewTokenService(s.tokens, s.users, testutil.NewRateLimits(), s.mail, cfg,
		service.WithClock(func() time.Time { return s.now }))
	authSvc := service.NewAuthService(s.users, cfg)

	h := handlers.New(orderSvc, reconcileSvc, tokenSvc, authSvc, cfg,
		handlers.WithIdempotency(&memIdempotency{data: map[string]string{}}, time.Hour))

	r := chi.NewRouter()
	h.Routes(r)
	s.router = r
	return s
}

func (s *testServer) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func bearer(t *testing.T, u *domain.User) map[string]string {
	t.Helper()
	token, err := auth.NewAccessToken(u.ID, u.Email, u.Role, jwtSecret, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func capturedEvent(orderID, paymentID string) string {
	return fmt.Sprintf(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":%q,"order_id":%q,"status":"captured"}}}}`, paymentID, orderID)
}

func signed(body string) map[string]string {
	return map[string]string{"X-Razorpay-Signature": gateway.Sign([]byte(body), webhookSecret)}
}

func TestRazorpayWebhookAppliesOutcome(t *testing.T) {
	s := newTestServer(t)
	buyer := s.users.Add("buyer@example.com", "hash", true)
	s.orders.Seed(buyer.ID, "prod_1", "order_abc123", 49900)

	body := capturedEvent("order_abc123", "pay_1")
	rec := s.do(t, http.MethodPost, "/webhooks/razorpay", body, signed(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Processed", decode(t, rec)["message"])

	o, err := s.orders.FindByGatewayOrderID(context.Background(), "order_abc123")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCompleted, o.Status)
	assert.Equal(t, "pay_1", o.PaymentRef())
	assert.Equal(t, 1, s.mail.OrderCount())

	rec = s.do(t, http.MethodPost, "/webhooks/razorpay", body, signed(body))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, s.mail.OrderCount())
}

func TestRazorpayWebhookRejectsTamperedBody(t *testing.T) {
	s := newTestServer(t)
	buyer := s.users.Add("buyer@example.com", "hash", true)
	s.orders.Seed(buyer.ID, "prod_1", "order_abc123", 49900)
	lookups := s.orders.Lookups

	original := capturedEvent("order_abc123", "pay_1")
	tampered := strings.Replace(original, "pay_1", "pay_2", 1)

	for name, headers := range map[string]map[string]string{
		"tampered body":     signed(original),
		"missing signature": nil,
		"garbage signature": {"X-Razorpay-Signature": "not-hex"},
	} {
		t.Run(name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/webhooks/razorpay", tampered, headers)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "Invalid signature", decode(t, rec)["error"])
		})
	}

	assert.Equal(t, lookups, s.orders.Lookups)
	assert.Zero(t, s.mail.OrderCount())
}

func TestRazorpayWebhookAlwaysAcknowledges(t *testing.T) {
	s := newTestServer(t)
	buyer := s.users.Add("buyer@example.com", "hash", true)
	s.orders.Seed(buyer.ID, "prod_1", "order_abc123", 49900)

	cases := []struct {
		name  string
		body  string
		setup func()
		want  string
	}{
		{"unknown order", capturedEvent("order_elsewhere", "pay_1"), nil, "Processed"},
		{"irrelevant event", `{"event":"refund.created","payload":{}}`, nil, "Processed"},
		{"malformed json", `{"event":`, nil, "Processed with An Error"},
		{"store failure", capturedEvent("order_abc123", "pay_1"), func() { s.orders.TransitionErr = errors.New("db down") }, "Processed with An Error"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setup != nil {
				tc.setup()
			}
			rec := s.do(t, http.MethodPost, "/webhooks/razorpay", tc.body, signed(tc.body))
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tc.want, decode(t, rec)["message"])
		})
	}
}

func TestStripeWebhookWithoutSecretIsRejected(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/webhooks/stripe", `{"type":"charge.succeeded"}`, map[string]string{"Stripe-Signature": "t=1,v1=abc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateOrder(t *testing.T) {
	s := newTestServer(t)
	verified := s.users.Add("buyer@example.com", "hash", true)
	unverified := s.users.Add("fresh@example.com", "hash", false)
	valid := `{"product_id":"prod_1","variant":{"type":"SQUARE","license":"personal","price":499}}`

	rec := s.do(t, http.MethodPost, "/orders", valid, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/orders", valid, map[string]string{"Authorization": "Bearer forged"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(t, http.MethodPost, "/orders", `{"product_id":"prod_1"}`, bearer(t, verified))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/orders", `not json`, bearer(t, verified))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/orders", valid, bearer(t, unverified))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "EMAIL_NOT_VERIFIED", decode(t, rec)["code"])

	rec = s.do(t, http.MethodPost, "/orders", valid, bearer(t, verified))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "order_1", body["orderId"])
	assert.Equal(t, float64(49900), body["amount"])
	assert.Equal(t, "INR", body["currency"])
	assert.NotZero(t, body["dbOrderId"])
}

func TestCreateOrderGatewayErrors(t *testing.T) {
	s := newTestServer(t)
	buyer := s.users.Add("buyer@example.com", "hash", true)
	valid := `{"product_id":"prod_1","variant":{"type":"SQUARE","license":"personal","price":499}}`

	s.gw.CreateErr = fmt.Errorf("create order: %w: timeout", domain.ErrGatewayTransient)
	rec := s.do(t, http.MethodPost, "/orders", valid, bearer(t, buyer))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s.gw.CreateErr = &gateway.APIError{StatusCode: 400, Code: "BAD_REQUEST_ERROR", Description: "amount too small"}
	rec = s.do(t, http.MethodPost, "/orders", valid, bearer(t, buyer))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCreateOrderIdempotencyKeyReplays(t *testing.T) {
	s := newTestServer(t)
	buyer := s.users.Add("buyer@example.com", "hash", true)
	valid := `{"product_id":"prod_1","variant":{"type":"SQUARE","license":"personal","price":499}}`
	headers := bearer(t, buyer)
	headers["Idempotency-Key"] = "checkout-42"

	first := s.do(t, http.MethodPost, "/orders", valid, headers)
	require.Equal(t, http.StatusCreated, first.Code)
	second := s.do(t, http.MethodPost, "/orders", valid, headers)
	require.Equal(t, http.StatusCreated, second.Code)

	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Len(t, s.gw.Created, 1)
}

func TestCreateOrderConcurrentRetryDoesNotDoubleCharge(t *testing.T) {
	s := newTestServer(t)
	buyer := s.users.Add("buyer@example.com", "hash", true)
	valid := `{"product_id":"prod_1","variant":{"type":"SQUARE","license":"personal","price":499}}`
	headers := bearer(t, buyer)
	headers["Idempotency-Key"] = "checkout-43"

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	s.gw.BeforeCreate = func() {
		once.Do(func() { close(entered) })
		<-release
	}

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() { firstDone <- s.do(t, http.MethodPost, "/orders", valid, headers) }()
	<-entered

	retry := s.do(t, http.MethodPost, "/orders", valid, headers)
	assert.Equal(t, http.StatusConflict, retry.Code)

	close(release)
	first := <-firstDone
	require.Equal(t, http.StatusCreated, first.Code)

	replay := s.do(t, http.MethodPost, "/orders", valid, headers)
	require.Equal(t, http.StatusCreated, replay.Code)
	assert.JSONEq(t, first.Body.String(), replay.Body.String())
	assert.Len(t, s.gw.Created, 1)
}

func TestListOrders(t *testing.T) {
	s := newTestServer(t)
	buyer := s.users.Add("buyer@example.com", "hash", true)
	other := s.users.Add("other@example.com", "hash", true)
	s.orders.Seed(buyer.ID, "prod_1", "order_a", 100)
	s.orders.Seed(buyer.ID, "prod_1", "order_b", 200)
	s.orders.Seed(other.ID, "prod_1", "order_c", 300)

	rec := s.do(t, http.MethodGet, "/orders?limit=10", "", bearer(t, buyer))
	require.Equal(t, http.StatusOK, rec.Code)

	var orders []domain.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &orders))
	require.Len(t, orders, 2)
	assert.Equal(t, "order_b", orders[0].GatewayOrderID)
}

func TestRefreshOrder(t *testing.T) {
	s := newTestServer(t)
	buyer := s.users.Add("buyer@example.com", "hash", true)
	stranger := s.users.Add("stranger@example.com", "hash", true)
	s.orders.Seed(buyer.ID, "prod_1", "order_abc123", 49900)
	s.gw.SetPayments("order_abc123", gateway.Payment{ID: "pay_1", Status: "captured", Outcome: domain.OutcomeCaptured, CreatedAt: 100})

	rec := s.do(t, http.MethodGet, "/orders/refresh/order_xyz", "", bearer(t, buyer))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "No such id", decode(t, rec)["error"])
	assert.Zero(t, s.gw.Fetches)

	rec = s.do(t, http.MethodGet, "/orders/refresh/order_abc123", "", bearer(t, stranger))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodGet, "/orders/refresh/order_abc123", "", bearer(t, buyer))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "Refreshed successfully!", body["message"])
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "completed", body["status"])
	assert.Len(t, body["pays"], 1)
}

func TestRefreshOrderGatewayUnavailable(t *testing.T) {
	s := newTestServer(t)
	buyer := s.users.Add("buyer@example.com", "hash", true)
	seeded := s.orders.Seed(buyer.ID, "prod_1", "order_abc123", 49900)
	s.gw.FetchErr = fmt.Errorf("list payments: %w: i/o timeout", domain.ErrGatewayTransient)

	rec := s.do(t, http.MethodGet, fmt.Sprintf("/orders/refresh/%d", seeded.ID), "", bearer(t, buyer))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	o, err := s.orders.FindByGatewayOrderID(context.Background(), "order_abc123")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, o.Status)
}

func TestRefreshOrderFromOtherGateway(t *testing.T) {
	s := newTestServer(t)
	buyer := s.users.Add("buyer@example.com", "hash", true)
	s.orders.Seed(buyer.ID, "prod_1", "order_abc123", 49900)
	s.gw.Provider = gateway.ProviderStripe

	rec := s.do(t, http.MethodGet, "/orders/refresh/order_abc123", "", bearer(t, buyer))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "razorpay")
	assert.Zero(t, s.gw.Fetches)
}

func TestRequestVerify(t *testing.T) {
	s := newTestServer(t)
	s.users.Add("new@example.com", "hash", false)
	s.users.Add("done@example.com", "hash", true)

	cases := []struct {
		body string
		want int
	}{
		{`{"email":"ghost@example.com"}`, http.StatusNotFound},
		{`{"email":"done@example.com"}`, http.StatusConflict},
		{`{"email":"not-an-email"}`, http.StatusBadRequest},
		{`{"email":"new@example.com"}`, http.StatusOK},
	}
	for _, tc := range cases {
		rec := s.do(t, http.MethodPost, "/auth/request-verify", tc.body, nil)
		assert.Equal(t, tc.want, rec.Code, tc.body)
	}

	require.Len(t, s.mail.Verifications, 1)
	token := s.tokens.TokenFor("new@example.com")
	assert.True(t, strings.HasSuffix(s.mail.Verifications[0].URL, "/verify/"+token))
}

func TestVerifyToken(t *testing.T) {
	s := newTestServer(t)
	s.users.Add("new@example.com", "hash", false)
	s.users.Add("late@example.com", "hash", false)

	rec := s.do(t, http.MethodPost, "/auth/request-verify", `{"email":"new@example.com"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	token := s.tokens.TokenFor("new@example.com")

	rec = s.do(t, http.MethodPut, "/auth/verify/"+token, "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "User Verified Successfully", decode(t, rec)["message"])

	rec = s.do(t, http.MethodPut, "/auth/verify/"+token, "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid verification link", decode(t, rec)["error"])

	rec = s.do(t, http.MethodPost, "/auth/request-verify", `{"email":"late@example.com"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	late := s.tokens.TokenFor("late@example.com")

	s.now = s.now.Add(2 * time.Hour)
	rec = s.do(t, http.MethodPut, "/auth/verify/"+late, "", nil)
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "This verification link has been expired", decode(t, rec)["error"])
	assert.False(t, s.tokens.Has(late))
}

func TestRegisterLoginFlow(t *testing.T) {
	s := newTestServer(t)
	creds := `{"email":"buyer@example.com","password":"correct-horse"}`

	rec := s.do(t, http.MethodPost, "/auth/register", creds, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, false, decode(t, rec)["is_verified"])

	rec = s.do(t, http.MethodPost, "/auth/register", creds, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = s.do(t, http.MethodPost, "/auth/register", `{"email":"x@example.com"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(t, http.MethodPost, "/auth/login", creds, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode(t, rec)["access_token"])

	for _, body := range []string{
		`{"email":"buyer@example.com","password":"wrong-horse"}`,
		`{"email":"nobody@example.com","password":"correct-horse"}`,
	} {
		rec = s.do(t, http.MethodPost, "/auth/login", body, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "Invalid email or password", decode(t, rec)["error"])
	}

	rec = s.do(t, http.MethodPut, "/auth/change-password",
		`{"email":"buyer@example.com","password":"correct-horse","new_password":"battery-staple"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
