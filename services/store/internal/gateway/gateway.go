// Package gateway talks to the external payment provider: it creates remote
// orders, lists payment attempts and authenticates webhook deliveries.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/diagnosis/pixelvault/pkg/config"
	"github.com/diagnosis/pixelvault/services/store/internal/domain"
)

const (
	ProviderRazorpay = "razorpay"
	ProviderStripe   = "stripe"
)

type CreateOrderParams struct {
	Amount   int64
	Currency string
	Receipt  string
	Notes    map[string]string
}

type RemoteOrder struct {
	ID       string
	Amount   int64
	Currency string
}

// Payment is one attempt against a remote order. CreatedAt is unix seconds as
// reported by the provider.
type Payment struct {
	ID        string                `json:"id"`
	OrderID   string                `json:"order_id"`
	Status    string                `json:"status"`
	Outcome   domain.PaymentOutcome `json:"-"`
	Amount    int64                 `json:"amount"`
	Currency  string                `json:"currency"`
	CreatedAt int64                 `json:"created_at"`
}

type Client interface {
	Name() string
	CreateOrder(ctx context.Context, p CreateOrderParams) (*RemoteOrder, error)
	FetchPayments(ctx context.Context, gatewayOrderID string) ([]Payment, error)
}

// APIError is a non-retryable rejection from the provider.
type APIError struct {
	StatusCode  int
	Code        string
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gateway rejected request (%d %s): %s", e.StatusCode, e.Code, e.Description)
}

func transient(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, domain.ErrGatewayTransient, err)
}

func IsTransient(err error) bool {
	return errors.Is(err, domain.ErrGatewayTransient)
}

func New(cfg config.GatewayConfig) (Client, error) {
	switch cfg.Provider {
	case ProviderRazorpay, "":
		if cfg.RazorpayKeyID == "" || cfg.RazorpayKeySecret == "" {
			return nil, errors.New("razorpay credentials are not configured")
		}
		return NewRazorpayClient(RazorpayConfig{
			KeyID:     cfg.RazorpayKeyID,
			KeySecret: cfg.RazorpayKeySecret,
			BaseURL:   cfg.RazorpayBaseURL,
			Timeout:   cfg.Timeout,
		}), nil
	case ProviderStripe:
		if cfg.StripeSecretKey == "" {
			return nil, errors.New("stripe secret key is not configured")
		}
		return NewStripeClient(StripeConfig{
			SecretKey: cfg.StripeSecretKey,
			Timeout:   cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", cfg.Provider)
	}
}

func httpClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
