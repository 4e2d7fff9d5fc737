package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"otp-auth-service/internal/audit"
	"otp-auth-service/internal/metrics"
	"otp-auth-service/internal/models"
	"otp-auth-service/internal/repository"
	redisrepo "otp-auth-service/internal/repository/redis"
	"otp-auth-service/internal/token"
	"otp-auth-service/internal/util"
)

type SessionConfig struct {
	RefreshTTL    time.Duration
	TouchInterval time.Duration
	MaxPerAccount int
}

type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
	SessionID        string    `json:"session_id"`
}

// Principal is the result of a full access token validation
type Principal struct {
	Account      *models.Account
	Session      *models.Session
	Claims       *token.Claims
	NeedsRefresh bool
}

// SessionManager issues, rotates, validates and revokes sessions. Access
// tokens are stateless JWTs; the session row is the source of truth for
// revocation and refresh.
type SessionManager struct {
	sessions repository.SessionRepository
	accounts repository.AccountRepository
	tokens   *token.Manager
	events   SessionEventPublisher
	audit    audit.Recorder
	cfg      SessionConfig
	logger   *zap.Logger
	now      Clock
}

func NewSessionManager(
	sessions repository.SessionRepository,
	accounts repository.AccountRepository,
	tokens *token.Manager,
	events SessionEventPublisher,
	recorder audit.Recorder,
	cfg SessionConfig,
	logger *zap.Logger,
) *SessionManager {
	return &SessionManager{
		sessions: sessions,
		accounts: accounts,
		tokens:   tokens,
		events:   events,
		audit:    recorder,
		cfg:      cfg,
		logger:   logger,
		now:      systemClock,
	}
}

func (m *SessionManager) IssueTokens(ctx context.Context, account *models.Account, device models.DeviceInfo) (*TokenPair, error) {
	sid, err := token.NewSessionID()
	if err != nil {
		return nil, err
	}
	refresh, err := token.NewRefreshToken(sid)
	if err != nil {
		return nil, err
	}

	now := m.now()
	session := &models.Session{
		ID:             sid,
		AccountID:      account.ID,
		RefreshHash:    refresh.Hash,
		IPAddress:      device.IPAddress,
		UserAgent:      device.UserAgent,
		IsActive:       true,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.RefreshTTL),
		LastActivityAt: now,
	}
	if err := m.sessions.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	access, accessExp, err := m.tokens.IssueAccess(account.ID, account.NormalizedPhone, sid)
	if err != nil {
		return nil, err
	}

	if err := m.enforceSessionLimit(ctx, account.ID, sid); err != nil {
		m.logger.Warn("Failed to enforce session limit", util.AccountID(account.ID), util.ErrorField(err))
	}

	metrics.SessionsIssuedTotal.Inc()
	m.logger.Info("Session issued", util.AccountID(account.ID), util.SessionID(sid))

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh.Value,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: session.ExpiresAt,
		SessionID:        sid,
	}, nil
}

// enforceSessionLimit deactivates the oldest valid sessions beyond the
// per-account cap. The session just created is never chosen.
func (m *SessionManager) enforceSessionLimit(ctx context.Context, accountID int64, keep string) error {
	if m.cfg.MaxPerAccount <= 0 {
		return nil
	}
	all, err := m.sessions.ListSessions(ctx, accountID)
	if err != nil {
		return err
	}

	now := m.now()
	var valid []*models.Session
	for _, s := range all {
		if s.IsValid(now) {
			valid = append(valid, s)
		}
	}

	excess := len(valid) - m.cfg.MaxPerAccount
	for _, s := range valid {
		if excess <= 0 {
			break
		}
		if s.ID == keep {
			continue
		}
		if err := m.Revoke(ctx, s.ID, models.ReasonSessionLimit); err != nil {
			return err
		}
		excess--
	}
	return nil
}

// Refresh rotates the refresh secret with a compare-and-set on its hash, so
// a token can be exchanged at most once even under concurrent use.
func (m *SessionManager) Refresh(ctx context.Context, refreshToken string, device models.DeviceInfo) (*TokenPair, error) {
	sid, presented, err := token.ParseRefreshToken(refreshToken)
	if err != nil {
		metrics.TokenRefreshTotal.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidRefreshToken
	}

	session, err := m.sessions.GetSession(ctx, sid)
	if errors.Is(err, repository.ErrNotFound) {
		metrics.TokenRefreshTotal.WithLabelValues("invalid").Inc()
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	now := m.now()
	if !session.IsActive {
		metrics.TokenRefreshTotal.WithLabelValues("revoked").Inc()
		return nil, ErrSessionRevoked
	}
	if !now.Before(session.ExpiresAt) {
		if err := m.Revoke(ctx, sid, models.ReasonExpired); err != nil {
			m.logger.Warn("Failed to deactivate expired session", util.SessionID(sid), util.ErrorField(err))
		}
		metrics.TokenRefreshTotal.WithLabelValues("expired").Inc()
		return nil, ErrSessionRevoked
	}
	if !token.HashesEqual(session.RefreshHash, presented) {
		m.audit.Record(ctx, models.SecurityEvent{
			EventType: models.EventRefreshReuse,
			AccountID: session.AccountID,
			SessionID: sid,
			IPAddress: device.IPAddress,
			UserAgent: device.UserAgent,
		})
		metrics.TokenRefreshTotal.WithLabelValues("reuse").Inc()
		return nil, ErrInvalidRefreshToken
	}

	account, err := m.accounts.GetAccountByID(ctx, session.AccountID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account.IsBlocked {
		if err := m.Revoke(ctx, sid, models.ReasonSecurityLogout); err != nil {
			m.logger.Warn("Failed to revoke blocked session", util.SessionID(sid), util.ErrorField(err))
		}
		return nil, ErrAccountBlocked
	}

	next, err := token.NewRefreshToken(sid)
	if err != nil {
		return nil, err
	}
	expiresAt := now.Add(m.cfg.RefreshTTL)
	applied, err := m.sessions.RotateRefreshHash(ctx, sid, session.RefreshHash, next.Hash, expiresAt, now)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidRefreshToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if !applied {
		metrics.TokenRefreshTotal.WithLabelValues("conflict").Inc()
		return nil, ErrInvalidRefreshToken
	}

	access, accessExp, err := m.tokens.IssueAccess(account.ID, account.NormalizedPhone, sid)
	if err != nil {
		return nil, err
	}

	m.audit.Record(ctx, models.SecurityEvent{
		EventType: models.EventTokenRefreshed,
		AccountID: account.ID,
		SessionID: sid,
		IPAddress: device.IPAddress,
		UserAgent: device.UserAgent,
	})
	metrics.TokenRefreshTotal.WithLabelValues("success").Inc()

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     next.Value,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: expiresAt,
		SessionID:        sid,
	}, nil
}

// Revoke deactivates a session and notifies gateways. Revoking an inactive
// session is a no-op.
func (m *SessionManager) Revoke(ctx context.Context, sessionID string, reason models.DeactivationReason) error {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	return m.revoke(ctx, session, reason)
}

func (m *SessionManager) revoke(ctx context.Context, session *models.Session, reason models.DeactivationReason) error {
	now := m.now()
	applied, err := m.sessions.DeactivateSession(ctx, session.ID, reason, now)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to deactivate session: %w", err)
	}
	if !applied {
		return nil
	}

	metrics.SessionsRevokedTotal.WithLabelValues(string(reason)).Inc()
	m.logger.Info("Session revoked",
		util.AccountID(session.AccountID),
		util.SessionID(session.ID),
		util.String("reason", string(reason)))

	if err := m.events.Publish(ctx, redisrepo.SessionEvent{
		Type:       redisrepo.SessionRevoked,
		SessionID:  session.ID,
		AccountID:  session.AccountID,
		Reason:     string(reason),
		OccurredAt: now,
	}); err != nil {
		// gateways still catch the revocation on their revalidation tick
		m.logger.Warn("Failed to publish revocation", util.SessionID(session.ID), util.ErrorField(err))
	}

	m.audit.Record(ctx, models.SecurityEvent{
		EventType: models.EventSessionRevoked,
		AccountID: session.AccountID,
		SessionID: session.ID,
		Details:   map[string]string{"reason": string(reason)},
	})
	return nil
}

// RevokeAccount deactivates every active session of the account and returns
// how many were revoked
func (m *SessionManager) RevokeAccount(ctx context.Context, accountID int64, reason models.DeactivationReason) (int, error) {
	all, err := m.sessions.ListSessions(ctx, accountID)
	if err != nil {
		return 0, fmt.Errorf("failed to list sessions: %w", err)
	}

	revoked := 0
	for _, s := range all {
		if !s.IsActive {
			continue
		}
		if err := m.revoke(ctx, s, reason); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

// RevokeOwned revokes sessionID only if it belongs to accountID
func (m *SessionManager) RevokeOwned(ctx context.Context, accountID int64, sessionID string, reason models.DeactivationReason) error {
	session, err := m.sessions.GetSession(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if session.AccountID != accountID {
		return ErrSessionNotFound
	}
	return m.revoke(ctx, session, reason)
}

// Logout revokes the session behind a refresh token when the token checks out
func (m *SessionManager) Logout(ctx context.Context, refreshToken string) error {
	sid, presented, err := token.ParseRefreshToken(refreshToken)
	if err != nil {
		return ErrInvalidRefreshToken
	}
	session, err := m.sessions.GetSession(ctx, sid)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrInvalidRefreshToken
	}
	if err != nil {
		return fmt.Errorf("failed to load session: %w", err)
	}
	if !token.HashesEqual(session.RefreshHash, presented) {
		return ErrInvalidRefreshToken
	}
	return m.revoke(ctx, session, models.ReasonManualLogout)
}

// ListActive returns the account's valid sessions, oldest first
func (m *SessionManager) ListActive(ctx context.Context, accountID int64) ([]*models.Session, error) {
	all, err := m.sessions.ListSessions(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	now := m.now()
	out := make([]*models.Session, 0, len(all))
	for _, s := range all {
		if s.IsValid(now) {
			out = append(out, s)
		}
	}
	return out, nil
}

// ParseAccess is the stateless check: signature, issuer and expiry
func (m *SessionManager) ParseAccess(accessToken string) (*token.Claims, error) {
	claims, err := m.tokens.ParseAccess(accessToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

func (m *SessionManager) NeedsRefresh(claims *token.Claims) bool {
	return m.tokens.NeedsRefresh(claims)
}

// Validate parses the token and checks the session row and the account.
// Last activity is written at most once per touch interval.
func (m *SessionManager) Validate(ctx context.Context, accessToken string) (*Principal, error) {
	claims, err := m.ParseAccess(accessToken)
	if err != nil {
		return nil, err
	}
	accountID, _ := claims.AccountID()

	session, err := m.sessions.GetSession(ctx, claims.SessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if session.AccountID != accountID {
		return nil, ErrInvalidToken
	}

	now := m.now()
	if !session.IsActive {
		return nil, ErrSessionRevoked
	}
	if !now.Before(session.ExpiresAt) {
		return nil, ErrSessionExpired
	}

	account, err := m.accounts.GetAccountByID(ctx, accountID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	if account.IsBlocked {
		return nil, ErrAccountBlocked
	}

	if now.Sub(session.LastActivityAt) >= m.cfg.TouchInterval {
		if err := m.sessions.TouchSession(ctx, session.ID, now); err != nil {
			m.logger.Warn("Failed to touch session", util.SessionID(session.ID), util.ErrorField(err))
		} else {
			session.LastActivityAt = now
		}
	}

	return &Principal{
		Account:      account,
		Session:      session,
		Claims:       claims,
		NeedsRefresh: m.tokens.NeedsRefresh(claims),
	}, nil
}
