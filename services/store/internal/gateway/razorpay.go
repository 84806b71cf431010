package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/diagnosis/pixelvault/pkg/logger"
	"github.com/diagnosis/pixelvault/services/store/internal/domain"
)

const razorpayAPIBase = "https://api.razorpay.com"

type RazorpayConfig struct {
	KeyID     string
	KeySecret string
	BaseURL   string // override for tests
	Timeout   time.Duration
}

// RazorpayClient calls the Razorpay REST API directly over HTTP basic auth.
type RazorpayClient struct {
	keyID     string
	keySecret string
	baseURL   string
	timeout   time.Duration
	http      *http.Client
}

func NewRazorpayClient(cfg RazorpayConfig) *RazorpayClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = razorpayAPIBase
	}
	c := httpClient(cfg.Timeout)
	return &RazorpayClient{
		keyID:     cfg.KeyID,
		keySecret: cfg.KeySecret,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		timeout:   c.Timeout,
		http:      c,
	}
}

func (c *RazorpayClient) Name() string { return ProviderRazorpay }

type razorpayOrder struct {
	ID       string `json:"id"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Receipt  string `json:"receipt"`
	Status   string `json:"status"`
}

type razorpayPaymentList struct {
	Count int       `json:"count"`
	Items []Payment `json:"items"`
}

type razorpayErrorBody struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

func (c *RazorpayClient) CreateOrder(ctx context.Context, p CreateOrderParams) (*RemoteOrder, error) {
	body, err := json.Marshal(map[string]any{
		"amount":   p.Amount,
		"currency": p.Currency,
		"receipt":  p.Receipt,
		"notes":    p.Notes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode order: %w", err)
	}

	var out razorpayOrder
	if err := c.do(ctx, http.MethodPost, "/v1/orders", body, &out); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "Created razorpay order", "gateway_order_id", out.ID, "amount", out.Amount, "receipt", out.Receipt)
	return &RemoteOrder{ID: out.ID, Amount: out.Amount, Currency: out.Currency}, nil
}

func (c *RazorpayClient) FetchPayments(ctx context.Context, gatewayOrderID string) ([]Payment, error) {
	var out razorpayPaymentList
	path := "/v1/orders/" + url.PathEscape(gatewayOrderID) + "/payments"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}

	for i := range out.Items {
		out.Items[i].Outcome = razorpayOutcome(out.Items[i].Status)
	}
	return out.Items, nil
}

func razorpayOutcome(status string) domain.PaymentOutcome {
	switch status {
	case "captured":
		return domain.OutcomeCaptured
	case "failed":
		return domain.OutcomeFailed
	default:
		return domain.OutcomePending
	}
}

func (c *RazorpayClient) do(ctx context.Context, method, path string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(c.keyID, c.keySecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transient(method+" "+path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return transient(method+" "+path, err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return transient(method+" "+path, fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		var eb razorpayErrorBody
		_ = json.Unmarshal(raw, &eb)
		return &APIError{StatusCode: resp.StatusCode, Code: eb.Error.Code, Description: eb.Error.Description}
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
