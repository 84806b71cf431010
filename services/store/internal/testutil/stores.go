// Package testutil holds thread-safe in-memory stand-ins for the Postgres
// repositories, the payment gateway and the outbound collaborators.
package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/diagnosis/pixelvault/services/store/internal/domain"
)

type OrderStore struct {
	mu       sync.Mutex
	nextID   int64
	orders   map[int64]*domain.Order
	byRemote map[string]int64
	products map[string]string

	// BeforeTransition runs inside TransitionFromPending before the status
	// check, letting a test slip in a concurrent writer.
	BeforeTransition func(gatewayOrderID string)
	TransitionErr    error
	CreateErr        error

	Lookups     int
	Transitions int
}

func NewOrderStore() *OrderStore {
	return &OrderStore{
		nextID:   1,
		orders:   map[int64]*domain.Order{},
		byRemote: map[string]int64{},
		products: map[string]string{},
	}
}

// SetProductName makes joined reads report name for productID.
func (s *OrderStore) SetProductName(productID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[productID] = name
}

// Seed inserts a pending order and returns a copy.
func (s *OrderStore) Seed(userID int64, productID, gatewayOrderID string, amount int64) *domain.Order {
	o, err := s.Create(context.Background(), &domain.Order{
		UserID: userID, ProductID: productID, GatewayOrderID: gatewayOrderID,
		Amount: amount, Currency: "INR", Gateway: "razorpay",
		Variant: domain.Variant{Type: "SQUARE", Price: float64(amount) / 100, License: "personal"},
	})
	if err != nil {
		panic(err)
	}
	return o
}

func (s *OrderStore) copyOf(o *domain.Order) *domain.Order {
	c := *o
	if o.GatewayPaymentID != nil {
		p := *o.GatewayPaymentID
		c.GatewayPaymentID = &p
	}
	c.ProductName = s.products[o.ProductID]
	return &c
}

func (s *OrderStore) Create(_ context.Context, o *domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return nil, s.CreateErr
	}
	if _, exists := s.byRemote[o.GatewayOrderID]; exists {
		return nil, fmt.Errorf("gateway order %s already recorded: %w", o.GatewayOrderID, domain.ErrConflict)
	}
	now := time.Now()
	stored := *o
	stored.ID = s.nextID
	stored.Status = domain.OrderPending
	stored.GatewayPaymentID = nil
	stored.CreatedAt = now.Add(time.Duration(s.nextID) * time.Millisecond)
	stored.UpdatedAt = stored.CreatedAt
	s.nextID++
	s.orders[stored.ID] = &stored
	s.byRemote[stored.GatewayOrderID] = stored.ID
	return s.copyOf(&stored), nil
}

func (s *OrderStore) FindByID(_ context.Context, id int64) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Lookups++
	o, ok := s.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.copyOf(o), nil
}

func (s *OrderStore) FindByGatewayOrderID(_ context.Context, gatewayOrderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Lookups++
	id, ok := s.byRemote[gatewayOrderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return s.copyOf(s.orders[id]), nil
}

func (s *OrderStore) ListByUser(_ context.Context, userID int64, limit, offset int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			out = append(out, *s.copyOf(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *OrderStore) TransitionFromPending(_ context.Context, gatewayOrderID, paymentID string, status domain.OrderStatus) (*domain.Order, bool, error) {
	if hook := s.BeforeTransition; hook != nil {
		hook(gatewayOrderID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TransitionErr != nil {
		return nil, false, s.TransitionErr
	}
	id, ok := s.byRemote[gatewayOrderID]
	if !ok {
		return nil, false, nil
	}
	o := s.orders[id]
	if o.Status != domain.OrderPending {
		return nil, false, nil
	}
	s.Transitions++
	p := paymentID
	o.Status = status
	o.GatewayPaymentID = &p
	o.UpdatedAt = time.Now()
	return s.copyOf(o), true, nil
}

// ForceTerminal writes a terminal state directly, bypassing the engine.
func (s *OrderStore) ForceTerminal(gatewayOrderID, paymentID string, status domain.OrderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[s.byRemote[gatewayOrderID]]
	p := paymentID
	o.Status = status
	o.GatewayPaymentID = &p
}

type UserStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[int64]*domain.User

	FindByIDErr error
}

func NewUserStore() *UserStore {
	return &UserStore{nextID: 1, users: map[int64]*domain.User{}}
}

func (s *UserStore) Add(email, passwordHash string, verified bool) *domain.User {
	u, err := s.Create(context.Background(), email, passwordHash, domain.RoleUser)
	if err != nil {
		panic(err)
	}
	if verified {
		s.mu.Lock()
		now := time.Now()
		s.users[u.ID].VerifiedAt = &now
		s.mu.Unlock()
		u.VerifiedAt = &now
	}
	return u
}

func (s *UserStore) Create(_ context.Context, email, passwordHash, role string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return nil, domain.ErrConflict
		}
	}
	u := &domain.User{ID: s.nextID, Email: email, PasswordHash: passwordHash, Role: role, CreatedAt: time.Now()}
	s.nextID++
	s.users[u.ID] = u
	c := *u
	return &c, nil
}

func (s *UserStore) FindByID(_ context.Context, id int64) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FindByIDErr != nil {
		return nil, s.FindByIDErr
	}
	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *u
	return &c, nil
}

func (s *UserStore) FindByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			c := *u
			return &c, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *UserStore) MarkVerified(_ context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			if u.VerifiedAt != nil {
				return false, nil
			}
			now := time.Now()
			u.VerifiedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (s *UserStore) UpdatePasswordHash(_ context.Context, id int64, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return domain.ErrNotFound
	}
	u.PasswordHash = passwordHash
	return nil
}

type TokenStore struct {
	mu      sync.Mutex
	byToken map[string]domain.VerificationToken
	byIdent map[string]string
}

func NewTokenStore() *TokenStore {
	return &TokenStore{byToken: map[string]domain.VerificationToken{}, byIdent: map[string]string{}}
}

func (s *TokenStore) Replace(_ context.Context, identifier, token string, expiresAt time.Time) (*domain.VerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.byIdent[identifier]; ok {
		delete(s.byToken, old)
	}
	t := domain.VerificationToken{Identifier: identifier, Token: token, ExpiresAt: expiresAt, CreatedAt: time.Now()}
	s.byToken[token] = t
	s.byIdent[identifier] = token
	return &t, nil
}

func (s *TokenStore) Consume(_ context.Context, token string) (*domain.VerificationToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byToken[token]
	if !ok {
		return nil, domain.ErrNotFound
	}
	delete(s.byToken, token)
	delete(s.byIdent, t.Identifier)
	return &t, nil
}

func (s *TokenStore) DeleteExpired(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	now := time.Now()
	for tok, t := range s.byToken {
		if now.After(t.ExpiresAt) {
			delete(s.byToken, tok)
			delete(s.byIdent, t.Identifier)
			n++
		}
	}
	return n, nil
}

func (s *TokenStore) Has(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byToken[token]
	return ok
}

func (s *TokenStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byToken)
}

// TokenFor returns the live token value for identifier, or "".
func (s *TokenStore) TokenFor(identifier string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byIdent[identifier]
}

type ProductStore struct {
	mu       sync.Mutex
	products map[string]*domain.Product
}

func NewProductStore(products ...*domain.Product) *ProductStore {
	s := &ProductStore{products: map[string]*domain.Product{}}
	for _, p := range products {
		s.products[p.ID] = p
	}
	return s
}

func (s *ProductStore) FindByID(_ context.Context, id string) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *p
	return &c, nil
}

type RateLimits struct {
	mu     sync.Mutex
	counts map[string]int
	Purged int64
	Err    error
}

func NewRateLimits() *RateLimits {
	return &RateLimits{counts: map[string]int{}}
}

func (r *RateLimits) Allow(_ context.Context, key string, requests int, _ time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return false, r.Err
	}
	r.counts[key]++
	return r.counts[key] <= requests, nil
}

func (r *RateLimits) CleanupExpired(context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Purged++
	return 0, nil
}
