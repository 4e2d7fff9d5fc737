// Package memory is a mutex-guarded implementation of the repository
// contracts. It backs service tests and STORE_DRIVER=memory development runs.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"otp-auth-service/internal/models"
	"otp-auth-service/internal/repository"
)

type Store struct {
	mu sync.Mutex

	nextAccountID int64
	accounts      map[int64]*models.Account
	byPhone       map[string]int64

	// attempts per phone, newest last
	attempts map[string][]*models.VerificationAttempt

	sessions  map[string]*models.Session
	byAccount map[int64][]string
}

var _ repository.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		nextAccountID: 1000,
		accounts:      make(map[int64]*models.Account),
		byPhone:       make(map[string]int64),
		attempts:      make(map[string][]*models.VerificationAttempt),
		sessions:      make(map[string]*models.Session),
		byAccount:     make(map[int64][]string),
	}
}

func (s *Store) Close() {}

func (s *Store) HealthCheck(ctx context.Context) error {
	return ctx.Err()
}

// Accounts

func (s *Store) CreateAccount(ctx context.Context, account *models.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byPhone[account.NormalizedPhone]; taken {
		return repository.ErrAlreadyExists
	}
	s.nextAccountID++
	account.ID = s.nextAccountID

	stored := *account
	s.accounts[account.ID] = &stored
	s.byPhone[account.NormalizedPhone] = account.ID
	return nil
}

func (s *Store) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *a
	return &out, nil
}

func (s *Store) GetAccountByPhone(ctx context.Context, normalizedPhone string) (*models.Account, error) {
	s.mu.Lock()
	id, ok := s.byPhone[normalizedPhone]
	s.mu.Unlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	return s.GetAccountByID(ctx, id)
}

func (s *Store) RecordLogin(ctx context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.IsVerified = true
	a.LastLoginAt = at
	a.UpdatedAt = at
	return nil
}

func (s *Store) SetBlocked(ctx context.Context, id int64, blocked bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return repository.ErrNotFound
	}
	a.IsBlocked = blocked
	a.UpdatedAt = at
	return nil
}

// Verification attempts

func (s *Store) LatestAttempt(ctx context.Context, phone string) (*models.VerificationAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.attempts[phone]
	if len(list) == 0 {
		return nil, repository.ErrNotFound
	}
	out := *list[len(list)-1]
	return &out, nil
}

func (s *Store) IssueAttempt(ctx context.Context, attempt *models.VerificationAttempt) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	invalidated := 0
	for _, prior := range s.attempts[attempt.Phone] {
		if prior.IsOutstanding(attempt.CreatedAt) {
			prior.IsUsed = true
			prior.Invalidated = true
			invalidated++
		}
	}
	stored := *attempt
	s.attempts[attempt.Phone] = append(s.attempts[attempt.Phone], &stored)
	return invalidated, nil
}

func (s *Store) RecordFailedAttempt(ctx context.Context, attempt *models.VerificationAttempt) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.findAttempt(attempt)
	if row == nil {
		return false, repository.ErrNotFound
	}
	if row.IsUsed || row.Attempts != attempt.Attempts {
		return false, nil
	}
	row.Attempts++
	return true, nil
}

func (s *Store) ConsumeAttempt(ctx context.Context, attempt *models.VerificationAttempt, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.findAttempt(attempt)
	if row == nil {
		return false, repository.ErrNotFound
	}
	if row.IsUsed || row.Attempts != attempt.Attempts {
		return false, nil
	}
	row.Attempts++
	row.IsUsed = true
	row.UsedAt = usedAt
	return true, nil
}

func (s *Store) findAttempt(attempt *models.VerificationAttempt) *models.VerificationAttempt {
	for _, row := range s.attempts[attempt.Phone] {
		if row.ID == attempt.ID {
			return row
		}
	}
	return nil
}

// Sessions

func (s *Store) CreateSession(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return repository.ErrAlreadyExists
	}
	stored := *session
	stored.RefreshHash = bytes.Clone(session.RefreshHash)
	s.sessions[session.ID] = &stored
	s.byAccount[session.AccountID] = append(s.byAccount[session.AccountID], session.ID)
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return copySession(sess), nil
}

func (s *Store) ListSessions(ctx context.Context, accountID int64) ([]*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.byAccount[accountID]
	out := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		out = append(out, copySession(s.sessions[id]))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RotateRefreshHash(ctx context.Context, id string, expected, next []byte, expiresAt, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if !sess.IsActive || !bytes.Equal(sess.RefreshHash, expected) {
		return false, nil
	}
	sess.RefreshHash = bytes.Clone(next)
	sess.ExpiresAt = expiresAt
	sess.LastActivityAt = at
	return true, nil
}

func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	sess.LastActivityAt = at
	return nil
}

func (s *Store) DeactivateSession(ctx context.Context, id string, reason models.DeactivationReason, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if !sess.IsActive {
		return false, nil
	}
	sess.IsActive = false
	sess.DeactivationReason = reason
	sess.DeactivatedAt = at
	return true, nil
}

func copySession(s *models.Session) *models.Session {
	out := *s
	out.RefreshHash = bytes.Clone(s.RefreshHash)
	return &out
}
