package domain

import "time"

type VerificationToken struct {
	Identifier string    `json:"identifier"`
	Token      string    `json:"-"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

func (t *VerificationToken) ExpiredAt(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

type VerifyResult string

const (
	VerifySuccess VerifyResult = "success"
	VerifyExpired VerifyResult = "expired"
	VerifyInvalid VerifyResult = "invalid"
)

type VerifyRequest struct {
	Email string `json:"email" validate:"required,email"`
}

func (r *VerifyRequest) Normalize() {
	r.Email = NormalizeEmail(r.Email)
}
