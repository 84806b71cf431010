package handlers

import (
	"errors"
	"net/http"

	"github.com/diagnosis/pixelvault/pkg/logger"
	"github.com/diagnosis/pixelvault/pkg/response"
	"github.com/diagnosis/pixelvault/pkg/validate"
	"github.com/diagnosis/pixelvault/services/store/internal/domain"
	"github.com/go-chi/chi/v5"
)

func (h *Handlers) Register(w http.ResponseWriter, r *http.Request) {
	var req domain.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		response.BadRequest(w, "Invalid JSON format")
		return
	}

	user, err := h.authService.Register(r.Context(), &req)
	switch {
	case err == nil:
		response.JSON(w, http.StatusCreated, user.ToUserInfo())
	case errors.Is(err, domain.ErrValidation):
		response.BadRequest(w, err.Error())
	case errors.Is(err, domain.ErrConflict):
		response.Conflict(w, "Email already registered")
	default:
		logger.ErrorContext(r.Context(), "Registration failed", "error", err)
		response.InternalError(w, "Registration failed")
	}
}

// Login answers every credential failure with the same 401 body; the kind is
// only logged.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		response.BadRequest(w, "Invalid JSON format")
		return
	}

	resp, err := h.authService.Login(r.Context(), &req)
	if err != nil {
		h.authFailure(w, r, "login", err)
		return
	}
	response.JSON(w, http.StatusOK, resp)
}

func (h *Handlers) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req domain.ChangePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		response.BadRequest(w, "Invalid JSON format")
		return
	}

	if err := h.authService.ChangePassword(r.Context(), &req); err != nil {
		h.authFailure(w, r, "change_password", err)
		return
	}
	response.OK(w, "Password updated successfully")
}

func (h *Handlers) authFailure(w http.ResponseWriter, r *http.Request, op string, err error) {
	var authErr *domain.AuthError
	switch {
	case errors.As(err, &authErr):
		logger.InfoContext(r.Context(), "Authentication rejected", "op", op, "kind", authErr.Kind.String())
		response.Unauthorized(w, "Invalid email or password")
	case errors.Is(err, domain.ErrValidation):
		response.BadRequest(w, err.Error())
	default:
		logger.ErrorContext(r.Context(), "Authentication error", "op", op, "error", err)
		response.InternalError(w, "Authentication failed")
	}
}

// RequestVerify issues a fresh verification link. The token only ever leaves
// the process inside the email.
func (h *Handlers) RequestVerify(w http.ResponseWriter, r *http.Request) {
	var req domain.VerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		response.BadRequest(w, "Invalid JSON format")
		return
	}
	req.Normalize()
	if err := validate.Struct(&req); err != nil {
		response.BadRequest(w, err.Error())
		return
	}

	err := h.tokenService.RequestVerification(r.Context(), req.Email)
	switch {
	case err == nil:
		response.OK(w, "Link to verify your account with this email is send!")
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(w, "No account with this email")
	case errors.Is(err, domain.ErrAlreadyVerified):
		response.WriteError(w, http.StatusConflict, "This email is already verified", response.CodeAlreadyVerified)
	case errors.Is(err, domain.ErrRateLimited):
		response.RateLimit(w, "Too many verification requests. Please try again later.")
	default:
		logger.ErrorContext(r.Context(), "Verification request failed", "error", err)
		response.InternalError(w, "Failed to send verification email")
	}
}

func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	result, _, err := h.tokenService.Verify(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		logger.ErrorContext(r.Context(), "Verification failed", "error", err)
		response.InternalError(w, "Verification failed")
		return
	}

	switch result {
	case domain.VerifySuccess:
		response.OK(w, "User Verified Successfully")
	case domain.VerifyExpired:
		response.WriteError(w, http.StatusGone, "This verification link has been expired", response.CodeExpiredToken)
	default:
		response.WriteError(w, http.StatusBadRequest, "Invalid verification link", response.CodeInvalidToken)
	}
}
