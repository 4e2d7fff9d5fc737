package models

import "time"

// VerificationAttempt is one issued code. Rows are never deleted; expiry is a
// timestamp comparison and Invalidated marks rows superseded by a newer code.
type VerificationAttempt struct {
	ID            string    `db:"attempt_id" json:"id"`
	Phone         string    `db:"phone" json:"phone"`
	CodeHash      string    `db:"code_hash" json:"-"`
	CodeSalt      string    `db:"code_salt" json:"-"`
	PepperVersion int       `db:"pepper_version" json:"-"`
	Attempts      int       `db:"attempts" json:"attempts"`
	MaxAttempts   int       `db:"max_attempts" json:"max_attempts"`
	IsUsed        bool      `db:"is_used" json:"is_used"`
	Invalidated   bool      `db:"invalidated" json:"invalidated"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	ExpiresAt     time.Time `db:"expires_at" json:"expires_at"`
	UsedAt        time.Time `db:"used_at" json:"used_at,omitempty"`
	IPAddress     string    `db:"ip_address" json:"ip_address"`
}

func (v *VerificationAttempt) IsExpired(now time.Time) bool {
	return !now.Before(v.ExpiresAt)
}

func (v *VerificationAttempt) AttemptsExhausted() bool {
	return v.Attempts >= v.MaxAttempts
}

// IsOutstanding is true for the single code a phone may currently redeem
func (v *VerificationAttempt) IsOutstanding(now time.Time) bool {
	return !v.IsUsed && !v.IsExpired(now)
}
