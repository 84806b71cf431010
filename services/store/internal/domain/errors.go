package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrValidation       = errors.New("validation failed")
	ErrForbidden        = errors.New("forbidden")
	ErrAlreadyVerified  = errors.New("already verified")
	ErrNotVerified      = errors.New("email not verified")
	ErrRateLimited      = errors.New("rate limited")
	ErrGatewayTransient = errors.New("payment gateway unavailable")
	ErrGatewayMismatch  = errors.New("order belongs to another payment gateway")
)

// AuthErrorKind distinguishes credential failures internally; callers see one
// generic message regardless of kind.
type AuthErrorKind int

const (
	InvalidCredentials AuthErrorKind = iota + 1
	UserNotFound
	PasswordMismatch
)

func (k AuthErrorKind) String() string {
	switch k {
	case InvalidCredentials:
		return "invalid_credentials"
	case UserNotFound:
		return "user_not_found"
	case PasswordMismatch:
		return "password_mismatch"
	default:
		return "unknown"
	}
}

type AuthError struct {
	Kind AuthErrorKind
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Kind.String()
}

func AuthFailure(kind AuthErrorKind) error {
	return &AuthError{Kind: kind}
}
