// Package repository declares the storage contracts the services depend on.
// Implementations live in the scylla (production) and memory (tests, local
// development) subpackages.
package repository

import (
	"context"
	"errors"
	"time"

	"otp-auth-service/internal/models"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrAlreadyExists = errors.New("record already exists")
	// ErrConflict reports a lost conditional write; callers may re-read and retry
	ErrConflict = errors.New("concurrent modification")
)

type AccountRepository interface {
	// CreateAccount assigns a numeric ID and claims the normalized phone.
	// Returns ErrAlreadyExists when the phone is already claimed.
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccountByID(ctx context.Context, id int64) (*models.Account, error)
	GetAccountByPhone(ctx context.Context, normalizedPhone string) (*models.Account, error)
	// RecordLogin sets the verified flag and the last login timestamp
	RecordLogin(ctx context.Context, id int64, at time.Time) error
	SetBlocked(ctx context.Context, id int64, blocked bool, at time.Time) error
	HealthCheck(ctx context.Context) error
}

type VerificationRepository interface {
	// LatestAttempt returns the most recently issued attempt for the phone
	LatestAttempt(ctx context.Context, phone string) (*models.VerificationAttempt, error)
	// IssueAttempt stores attempt and invalidates every outstanding attempt
	// for the same phone as one atomic operation. It returns how many
	// attempts were invalidated, or ErrConflict if a concurrent issuance won.
	IssueAttempt(ctx context.Context, attempt *models.VerificationAttempt) (int, error)
	// RecordFailedAttempt sets attempts to observed+1 only while the row is
	// unused and still has the observed attempt count.
	RecordFailedAttempt(ctx context.Context, attempt *models.VerificationAttempt) (bool, error)
	// ConsumeAttempt marks the row used and increments attempts under the
	// same guard as RecordFailedAttempt.
	ConsumeAttempt(ctx context.Context, attempt *models.VerificationAttempt, usedAt time.Time) (bool, error)
}

type SessionRepository interface {
	CreateSession(ctx context.Context, session *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	// ListSessions returns every session of the account, oldest first
	ListSessions(ctx context.Context, accountID int64) ([]*models.Session, error)
	// RotateRefreshHash swaps the refresh hash only if the stored hash equals
	// expected and the session is active.
	RotateRefreshHash(ctx context.Context, id string, expected, next []byte, expiresAt, at time.Time) (bool, error)
	TouchSession(ctx context.Context, id string, at time.Time) error
	// DeactivateSession reports false if the session was already inactive
	DeactivateSession(ctx context.Context, id string, reason models.DeactivationReason, at time.Time) (bool, error)
}

// Store bundles the three repositories behind one backend
type Store interface {
	AccountRepository
	VerificationRepository
	SessionRepository
	Close()
}
