// Package response writes the JSON envelopes shared by every handler.
package response

import (
	"encoding/json"
	"net/http"

	"github.com/diagnosis/pixelvault/pkg/logger"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Message is the success envelope for endpoints with nothing else to return.
type Message struct {
	Message string `json:"message"`
}

const (
	CodeInvalidInput       = "INVALID_INPUT"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeEmailNotVerified   = "EMAIL_NOT_VERIFIED"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeAlreadyVerified    = "ALREADY_VERIFIED"
	CodeRateLimit          = "RATE_LIMIT_EXCEEDED"
	CodeExpiredToken       = "EXPIRED_TOKEN"
	CodeInvalidToken       = "INVALID_TOKEN"
	CodeInvalidSignature   = "INVALID_SIGNATURE"
	CodeGatewayUnavailable = "GATEWAY_UNAVAILABLE"
	CodeGatewayError       = "GATEWAY_ERROR"
	CodeInternalError      = "INTERNAL_ERROR"
)

func JSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func WriteError(w http.ResponseWriter, statusCode int, message, code string) {
	JSON(w, statusCode, ErrorResponse{Error: message, Code: code})
}

func OK(w http.ResponseWriter, message string) {
	JSON(w, http.StatusOK, Message{Message: message})
}

func BadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, message, CodeInvalidInput)
}

func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, message, CodeUnauthorized)
}

func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, message, CodeForbidden)
}

func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, message, CodeNotFound)
}

func Conflict(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, message, CodeConflict)
}

func RateLimit(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, message, CodeRateLimit)
}

func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, message, CodeInternalError)
}
