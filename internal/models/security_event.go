package models

import "time"

type SecurityEventType string

const (
	EventCodeIssued         SecurityEventType = "otp_issued"
	EventCodeDeliveryFailed SecurityEventType = "otp_delivery_failed"
	EventCodeRateLimited    SecurityEventType = "otp_rate_limited"
	EventVerifyFailed       SecurityEventType = "otp_verify_failed"
	EventLoginSuccess       SecurityEventType = "login_success"
	EventAccountCreated     SecurityEventType = "account_created"
	EventTokenRefreshed     SecurityEventType = "token_refreshed"
	EventRefreshReuse       SecurityEventType = "refresh_reuse_detected"
	EventSessionRevoked     SecurityEventType = "session_revoked"
	EventAccountBlocked     SecurityEventType = "account_blocked"
	EventAccountUnblocked   SecurityEventType = "account_unblocked"
)

// SecurityEvent is the audit record shipped to Kafka, ClickHouse and
// Elasticsearch. Phone is always masked.
type SecurityEvent struct {
	ID          string            `json:"id" ch:"id"`
	EventType   SecurityEventType `json:"event_type" ch:"event_type"`
	AccountID   int64             `json:"account_id,omitempty" ch:"account_id"`
	SessionID   string            `json:"session_id,omitempty" ch:"session_id"`
	Phone       string            `json:"phone,omitempty" ch:"phone"`
	IPAddress   string            `json:"ip_address,omitempty" ch:"ip_address"`
	UserAgent   string            `json:"user_agent,omitempty" ch:"user_agent"`
	EventBucket int               `json:"event_bucket" ch:"event_bucket"`
	EventDate   string            `json:"event_date" ch:"event_date"`
	OccurredAt  time.Time         `json:"occurred_at" ch:"occurred_at"`
	Details     map[string]string `json:"details,omitempty" ch:"details"`
}
