package models

import "time"

type DeactivationReason string

const (
	ReasonManualLogout   DeactivationReason = "manual_logout"
	ReasonSessionLimit   DeactivationReason = "session_limit_exceeded"
	ReasonReplaced       DeactivationReason = "replaced"
	ReasonExpired        DeactivationReason = "expired"
	ReasonSecurityLogout DeactivationReason = "security_logout"
)

func (r DeactivationReason) Valid() bool {
	switch r {
	case ReasonManualLogout, ReasonSessionLimit, ReasonReplaced, ReasonExpired, ReasonSecurityLogout:
		return true
	}
	return false
}

// Session binds an account, a device and the current refresh token. Only the
// SHA-256 of the refresh secret is stored.
type Session struct {
	ID                 string             `db:"session_id" json:"id"`
	AccountID          int64              `db:"account_id" json:"account_id"`
	RefreshHash        []byte             `db:"refresh_hash" json:"-"`
	IPAddress          string             `db:"ip_address" json:"ip_address"`
	UserAgent          string             `db:"user_agent" json:"user_agent"`
	IsActive           bool               `db:"is_active" json:"is_active"`
	CreatedAt          time.Time          `db:"created_at" json:"created_at"`
	ExpiresAt          time.Time          `db:"expires_at" json:"expires_at"`
	LastActivityAt     time.Time          `db:"last_activity_at" json:"last_activity_at"`
	DeactivationReason DeactivationReason `db:"deactivation_reason" json:"deactivation_reason,omitempty"`
	DeactivatedAt      time.Time          `db:"deactivated_at" json:"deactivated_at,omitempty"`
}

// IsValid is the session validity rule: active and not yet expired
func (s *Session) IsValid(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

type DeviceInfo struct {
	IPAddress string `json:"ip_address"`
	UserAgent string `json:"user_agent"`
}
