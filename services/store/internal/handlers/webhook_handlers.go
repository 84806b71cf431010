package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/diagnosis/pixelvault/pkg/logger"
	"github.com/diagnosis/pixelvault/pkg/response"
	"github.com/diagnosis/pixelvault/services/store/internal/gateway"
	"github.com/diagnosis/pixelvault/services/store/internal/service"
)

const (
	maxWebhookBody = 1 << 20

	msgProcessed          = "Processed"
	msgProcessedWithError = "Processed with An Error"
)

// RazorpayWebhook authenticates the raw body before anything is decoded.
// Past the signature check the response is always 200 so the gateway does
// not retry on our internal failures.
func (h *Handlers) RazorpayWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(w, "Unreadable request body")
		return
	}

	if !gateway.VerifySignature(body, r.Header.Get("X-Razorpay-Signature"), h.config.Gateway.RazorpayWebhookSecret) {
		logger.WarnContext(r.Context(), "Webhook signature mismatch", "provider", "razorpay", "remote_addr", r.RemoteAddr)
		response.WriteError(w, http.StatusBadRequest, "Invalid signature", response.CodeInvalidSignature)
		return
	}

	evt, err := gateway.ParseRazorpayEvent(body)
	h.processWebhook(w, r, "razorpay", evt, err)
}

func (h *Handlers) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		response.BadRequest(w, "Unreadable request body")
		return
	}

	evt, err := gateway.ParseStripeEvent(body, r.Header.Get("Stripe-Signature"), h.config.Gateway.StripeWebhookSecret)
	if err != nil && gateway.IsInvalidSignature(err) {
		logger.WarnContext(r.Context(), "Webhook signature mismatch", "provider", "stripe", "remote_addr", r.RemoteAddr, "error", err)
		response.WriteError(w, http.StatusBadRequest, "Invalid signature", response.CodeInvalidSignature)
		return
	}

	h.processWebhook(w, r, "stripe", evt, err)
}

func (h *Handlers) processWebhook(w http.ResponseWriter, r *http.Request, provider string, evt *gateway.WebhookEvent, parseErr error) {
	// The gateway hanging up must not abandon a half-finished reconciliation.
	ctx := context.WithoutCancel(r.Context())

	if parseErr != nil {
		logger.ErrorContext(ctx, "Failed to decode authenticated webhook", "provider", provider, "error", parseErr)
		response.OK(w, msgProcessedWithError)
		return
	}

	if !evt.Relevant() {
		logger.DebugContext(ctx, "Webhook event ignored", "provider", provider, "event", evt.Event)
		response.OK(w, msgProcessed)
		return
	}

	result, _, err := h.reconcileService.ApplyOutcome(ctx, evt.OrderID, evt.PaymentID, evt.Outcome, service.SourceWebhook)
	if err != nil {
		logger.ErrorContext(ctx, "Webhook reconciliation failed",
			"provider", provider,
			"event", evt.Event,
			"gateway_order_id", evt.OrderID,
			"payment_id", evt.PaymentID,
			"error", err,
		)
		response.OK(w, msgProcessedWithError)
		return
	}

	logger.InfoContext(ctx, "Webhook processed",
		"provider", provider, "event", evt.Event, "gateway_order_id", evt.OrderID, "result", result)
	response.OK(w, msgProcessed)
}
