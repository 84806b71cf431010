package handlers

import (
	"errors"
	"net/http"

	"github.com/diagnosis/pixelvault/pkg/auth"
	"github.com/diagnosis/pixelvault/pkg/logger"
	"github.com/diagnosis/pixelvault/pkg/response"
	"github.com/diagnosis/pixelvault/services/store/internal/domain"
	"github.com/diagnosis/pixelvault/services/store/internal/gateway"
	"github.com/go-chi/chi/v5"
)

type RefreshResponse struct {
	Message string             `json:"message"`
	Success bool               `json:"success"`
	Status  domain.OrderStatus `json:"status"`
	Result  domain.ApplyResult `json:"result"`
	Pays    []gateway.Payment  `json:"pays"`
}

func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	if claims == nil {
		response.Unauthorized(w, "Authentication required")
		return
	}

	var req domain.CreateOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		response.BadRequest(w, "Invalid JSON format")
		return
	}

	resp, err := h.orderService.Create(r.Context(), claims.Sub, &req)
	if err != nil {
		var apiErr *gateway.APIError
		switch {
		case errors.Is(err, domain.ErrValidation):
			response.BadRequest(w, err.Error())
		case errors.Is(err, domain.ErrNotVerified):
			response.WriteError(w, http.StatusForbidden, "Verify your email before placing an order", response.CodeEmailNotVerified)
		case errors.Is(err, domain.ErrForbidden):
			response.Forbidden(w, "Account cannot place orders")
		case gateway.IsTransient(err):
			logger.ErrorContext(r.Context(), "Gateway unavailable during checkout", "error", err)
			response.WriteError(w, http.StatusServiceUnavailable, "Payment gateway unavailable, please retry", response.CodeGatewayUnavailable)
		case errors.As(err, &apiErr):
			logger.ErrorContext(r.Context(), "Gateway rejected checkout", "error", err)
			response.WriteError(w, http.StatusBadGateway, "Payment gateway rejected the order", response.CodeGatewayError)
		default:
			logger.ErrorContext(r.Context(), "Failed to create order", "error", err)
			response.InternalError(w, "Failed to create order")
		}
		return
	}

	response.JSON(w, http.StatusCreated, resp)
}

func (h *Handlers) ListOrders(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	if claims == nil {
		response.Unauthorized(w, "Authentication required")
		return
	}

	limit, offset := parsePagination(r)
	orders, err := h.orderService.ListForUser(r.Context(), claims.Sub, limit, offset)
	if err != nil {
		logger.ErrorContext(r.Context(), "Failed to list orders", "error", err)
		response.InternalError(w, "Failed to retrieve orders")
		return
	}

	response.JSON(w, http.StatusOK, orders)
}

// RefreshOrder polls the gateway for an order's payment attempts and applies
// the newest one. Orders the caller cannot see are reported like unknown ids.
func (h *Handlers) RefreshOrder(w http.ResponseWriter, r *http.Request) {
	claims := auth.FromContext(r.Context())
	if claims == nil {
		response.Unauthorized(w, "Authentication required")
		return
	}

	order, err := h.orderService.Resolve(r.Context(), chi.URLParam(r, "id"), claims.Sub, claims.IsAdmin())
	if errors.Is(err, domain.ErrNotFound) {
		response.BadRequest(w, "No such id")
		return
	}
	if err != nil {
		logger.ErrorContext(r.Context(), "Failed to resolve order", "error", err)
		response.InternalError(w, "Failed to refresh order")
		return
	}

	res, err := h.reconcileService.Refresh(r.Context(), order.GatewayOrderID)
	if err != nil {
		var apiErr *gateway.APIError
		switch {
		case errors.Is(err, domain.ErrNotFound):
			response.BadRequest(w, "No such id")
		case errors.Is(err, domain.ErrGatewayMismatch):
			logger.WarnContext(r.Context(), "Refresh for order from another gateway", "gateway_order_id", order.GatewayOrderID, "error", err)
			response.Conflict(w, "Order was placed through "+order.Gateway+" and cannot be refreshed with the current gateway")
		case gateway.IsTransient(err):
			logger.WarnContext(r.Context(), "Gateway unavailable during refresh", "gateway_order_id", order.GatewayOrderID, "error", err)
			response.WriteError(w, http.StatusServiceUnavailable, "Payment gateway unavailable, please retry", response.CodeGatewayUnavailable)
		case errors.As(err, &apiErr):
			logger.ErrorContext(r.Context(), "Gateway rejected refresh", "gateway_order_id", order.GatewayOrderID, "error", err)
			response.WriteError(w, http.StatusBadGateway, "Payment gateway rejected the request", response.CodeGatewayError)
		default:
			logger.ErrorContext(r.Context(), "Failed to refresh order", "gateway_order_id", order.GatewayOrderID, "error", err)
			response.InternalError(w, "Failed to refresh order")
		}
		return
	}

	pays := res.Payments
	if pays == nil {
		pays = []gateway.Payment{}
	}
	response.JSON(w, http.StatusOK, RefreshResponse{
		Message: "Refreshed successfully!",
		Success: true,
		Status:  res.Order.Status,
		Result:  res.Result,
		Pays:    pays,
	})
}
