package service

import (
	"context"
	"time"

	"otp-auth-service/internal/encryption"
	redisrepo "otp-auth-service/internal/repository/redis"
)

// RateLimiter reserves one issuance against the phone and origin IP windows
type RateLimiter interface {
	PhoneLimitResetter
	Reserve(ctx context.Context, phone, ip string, now time.Time) (*redisrepo.Reservation, error)
}

// PhoneLimitResetter clears a phone's issuance window
type PhoneLimitResetter interface {
	ResetPhone(ctx context.Context, normalizedPhone string) error
}

// SessionEventPublisher fans revocations and account status changes out to
// the real-time gateways
type SessionEventPublisher interface {
	Publish(ctx context.Context, event redisrepo.SessionEvent) error
}

// PhoneCipher envelope-encrypts raw phone numbers at rest
type PhoneCipher interface {
	EncryptField(ctx context.Context, plaintext string) (*encryption.EncryptedData, error)
	DecryptField(ctx context.Context, data *encryption.EncryptedData) (string, error)
}

// Clock is injected so tests can move time
type Clock func() time.Time

func systemClock() time.Time {
	return time.Now().UTC()
}
