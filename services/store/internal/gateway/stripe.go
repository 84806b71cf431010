package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/diagnosis/pixelvault/pkg/logger"
	"github.com/diagnosis/pixelvault/services/store/internal/domain"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"
)

type StripeConfig struct {
	SecretKey string
	BaseURL   string // override for tests
	Timeout   time.Duration
}

// StripeClient maps the remote-order model onto PaymentIntents: the intent id
// is the gateway order id and its charges are the payment attempts.
type StripeClient struct {
	api     *client.API
	timeout time.Duration
}

func NewStripeClient(cfg StripeConfig) *StripeClient {
	hc := httpClient(cfg.Timeout)
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        hc,
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}

	return &StripeClient{
		api: client.New(cfg.SecretKey, &stripe.Backends{
			API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg),
			Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg),
		}),
		timeout: hc.Timeout,
	}
}

func (c *StripeClient) Name() string { return ProviderStripe }

func (c *StripeClient) CreateOrder(ctx context.Context, p CreateOrderParams) (*RemoteOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(p.Amount),
		Currency: stripe.String(strings.ToLower(p.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(p.Receipt)
	params.AddMetadata("receipt", p.Receipt)
	for k, v := range p.Notes {
		params.AddMetadata(k, v)
	}

	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return nil, classifyStripe("create payment intent", err)
	}

	logger.InfoContext(ctx, "Created stripe payment intent", "gateway_order_id", pi.ID, "amount", pi.Amount)
	return &RemoteOrder{ID: pi.ID, Amount: pi.Amount, Currency: strings.ToUpper(string(pi.Currency))}, nil
}

func (c *StripeClient) FetchPayments(ctx context.Context, gatewayOrderID string) ([]Payment, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := &stripe.ChargeListParams{PaymentIntent: stripe.String(gatewayOrderID)}
	params.Context = ctx

	var out []Payment
	iter := c.api.Charges.List(params)
	for iter.Next() {
		out = append(out, chargeToPayment(iter.Charge(), gatewayOrderID))
	}
	if err := iter.Err(); err != nil {
		return nil, classifyStripe("list charges", err)
	}
	return out, nil
}

func chargeToPayment(ch *stripe.Charge, gatewayOrderID string) Payment {
	return Payment{
		ID:        ch.ID,
		OrderID:   gatewayOrderID,
		Status:    string(ch.Status),
		Outcome:   stripeOutcome(ch.Status),
		Amount:    ch.Amount,
		Currency:  strings.ToUpper(string(ch.Currency)),
		CreatedAt: ch.Created,
	}
}

func stripeOutcome(status stripe.ChargeStatus) domain.PaymentOutcome {
	switch status {
	case stripe.ChargeStatusSucceeded:
		return domain.OutcomeCaptured
	case stripe.ChargeStatusFailed:
		return domain.OutcomeFailed
	default:
		return domain.OutcomePending
	}
}

func classifyStripe(op string, err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return transient(op, err)
	}
	if se.HTTPStatusCode >= http.StatusInternalServerError || se.HTTPStatusCode == http.StatusTooManyRequests || se.Type == stripe.ErrorTypeAPI {
		return transient(op, err)
	}
	return &APIError{StatusCode: se.HTTPStatusCode, Code: string(se.Code), Description: se.Msg}
}

// ParseStripeEvent authenticates a Stripe-Signature header and reduces
// charge events to a WebhookEvent.
func ParseStripeEvent(body []byte, signatureHeader, secret string) (*WebhookEvent, error) {
	if secret == "" {
		return nil, ErrInvalidSignature
	}
	evt, err := webhook.ConstructEventWithOptions(body, signatureHeader, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	out := &WebhookEvent{Event: string(evt.Type), Outcome: domain.OutcomePending}
	switch evt.Type {
	case "charge.succeeded":
		out.Outcome = domain.OutcomeCaptured
	case "charge.failed":
		out.Outcome = domain.OutcomeFailed
	default:
		return out, nil
	}

	var ch stripe.Charge
	if evt.Data == nil {
		return out, nil
	}
	if err := json.Unmarshal(evt.Data.Raw, &ch); err != nil {
		return nil, fmt.Errorf("failed to decode charge: %w", err)
	}
	out.PaymentID = ch.ID
	if ch.PaymentIntent != nil {
		out.OrderID = ch.PaymentIntent.ID
	}
	return out, nil
}
