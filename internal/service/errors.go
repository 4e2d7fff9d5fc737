package service

import (
	"errors"
	"fmt"
	"time"

	"otp-auth-service/internal/phone"
)

var (
	ErrInvalidPhone        = phone.ErrInvalidPhone
	ErrInvalidCode         = errors.New("verification code must be 4 to 6 digits")
	ErrRateLimited         = errors.New("too many requests")
	ErrCodeNotFound        = errors.New("verification code not found")
	ErrCodeExpired         = errors.New("verification code expired")
	ErrMaxAttemptsExceeded = errors.New("maximum verification attempts exceeded")
	ErrFirstNameRequired   = errors.New("first name is required for new accounts")
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountBlocked      = errors.New("account is blocked")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
	ErrSessionNotFound     = errors.New("session not found")
	ErrSessionRevoked      = errors.New("session revoked")
	ErrSessionExpired      = errors.New("session expired")
	ErrInvalidToken        = errors.New("invalid access token")
	ErrForbidden           = errors.New("forbidden")
)

type LimitReason string

const (
	LimitPhone    LimitReason = "phone"
	LimitIP       LimitReason = "ip"
	LimitCooldown LimitReason = "cooldown"
)

// RateLimitError reports which limit rejected an issuance request. It
// matches ErrRateLimited under errors.Is regardless of Reason.
type RateLimitError struct {
	Reason     LimitReason
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited (%s), retry after %s", e.Reason, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
