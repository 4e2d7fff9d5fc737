package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"otp-auth-service/internal/models"
	"otp-auth-service/internal/repository"
)

const (
	insertSessionCQL = `INSERT INTO sessions (
		session_id, account_id, refresh_hash, ip_address, user_agent, is_active,
		created_at, expires_at, last_activity_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	insertSessionIndexCQL = `INSERT INTO sessions_by_account (account_id, created_at, session_id) VALUES (?, ?, ?)`

	selectSessionCQL = `SELECT session_id, account_id, refresh_hash, ip_address, user_agent, is_active,
		created_at, expires_at, last_activity_at, deactivation_reason, deactivated_at
		FROM sessions WHERE session_id = ?`

	selectAccountSessionsCQL = `SELECT session_id FROM sessions_by_account WHERE account_id = ?`

	rotateRefreshCQL = `UPDATE sessions SET refresh_hash = ?, expires_at = ?, last_activity_at = ?
		WHERE session_id = ? IF is_active = true AND refresh_hash = ?`

	touchSessionCQL = `UPDATE sessions SET last_activity_at = ? WHERE session_id = ? IF EXISTS`

	deactivateSessionCQL = `UPDATE sessions SET is_active = false, deactivation_reason = ?, deactivated_at = ?
		WHERE session_id = ? IF is_active = true`
)

type SessionRepository struct {
	client *ScyllaClient
	logger *zap.Logger
}

func NewSessionRepository(client *ScyllaClient, logger *zap.Logger) *SessionRepository {
	return &SessionRepository{client: client, logger: logger}
}

func (r *SessionRepository) CreateSession(ctx context.Context, s *models.Session) error {
	applied, err := r.client.Query(ctx, insertSessionCQL,
		s.ID, s.AccountID, s.RefreshHash, s.IPAddress, s.UserAgent, s.IsActive,
		s.CreatedAt, s.ExpiresAt, s.LastActivityAt,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	if !applied {
		return repository.ErrAlreadyExists
	}

	if err := r.client.ExecuteWithRetry(ctx, r.client.Query(ctx, insertSessionIndexCQL, s.AccountID, s.CreatedAt, s.ID), 2); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}

	r.logger.Debug("Session created", zap.String("session_id", s.ID), zap.Int64("account_id", s.AccountID))
	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	var (
		s      models.Session
		reason string
	)
	err := r.client.Query(ctx, selectSessionCQL, id).Scan(
		&s.ID, &s.AccountID, &s.RefreshHash, &s.IPAddress, &s.UserAgent, &s.IsActive,
		&s.CreatedAt, &s.ExpiresAt, &s.LastActivityAt, &reason, &s.DeactivatedAt,
	)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	s.DeactivationReason = models.DeactivationReason(reason)
	return &s, nil
}

func (r *SessionRepository) ListSessions(ctx context.Context, accountID int64) ([]*models.Session, error) {
	iter := r.client.Query(ctx, selectAccountSessionsCQL, accountID).Iter()
	var (
		ids []string
		id  string
	)
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]*models.Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.GetSession(ctx, id)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

func (r *SessionRepository) RotateRefreshHash(ctx context.Context, id string, expected, next []byte, expiresAt, at time.Time) (bool, error) {
	result := map[string]interface{}{}
	applied, err := r.client.Query(ctx, rotateRefreshCQL, next, expiresAt, at, id, expected).MapScanCAS(result)
	if err != nil {
		return false, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if !applied && !rowExists(result) {
		return false, repository.ErrNotFound
	}
	return applied, nil
}

func (r *SessionRepository) TouchSession(ctx context.Context, id string, at time.Time) error {
	applied, err := r.client.Query(ctx, touchSessionCQL, at, id).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if !applied {
		return repository.ErrNotFound
	}
	return nil
}

func (r *SessionRepository) DeactivateSession(ctx context.Context, id string, reason models.DeactivationReason, at time.Time) (bool, error) {
	result := map[string]interface{}{}
	applied, err := r.client.Query(ctx, deactivateSessionCQL, string(reason), at, id).MapScanCAS(result)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate session: %w", err)
	}
	if !applied && !rowExists(result) {
		return false, repository.ErrNotFound
	}
	if applied {
		r.logger.Info("Session deactivated", zap.String("session_id", id), zap.String("reason", string(reason)))
	}
	return applied, nil
}

// rowExists inspects a rejected CAS result: Scylla returns the current column
// values when the row exists and only [applied] when it does not.
func rowExists(result map[string]interface{}) bool {
	_, ok := result["is_active"]
	return ok
}
