package service

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"otp-auth-service/internal/audit"
	"otp-auth-service/internal/models"
	redisrepo "otp-auth-service/internal/repository/redis"
	"otp-auth-service/internal/util"
)

// AdminService backs the role-gated account management endpoints
type AdminService struct {
	accounts *AccountService
	sessions *SessionManager
	events   SessionEventPublisher
	limits   PhoneLimitResetter
	audit    audit.Recorder
	logger   *zap.Logger
}

func NewAdminService(accounts *AccountService, sessions *SessionManager, events SessionEventPublisher, limits PhoneLimitResetter, recorder audit.Recorder, logger *zap.Logger) *AdminService {
	return &AdminService{
		accounts: accounts,
		sessions: sessions,
		events:   events,
		limits:   limits,
		audit:    recorder,
		logger:   logger,
	}
}

// SetBlocked changes the account status. Blocking also revokes every active
// session with security_logout, which disconnects live gateway connections.
// Unblocking clears the phone's issuance window so the owner can sign in
// right away.
func (s *AdminService) SetBlocked(ctx context.Context, actorID, accountID int64, blocked bool) (*models.Account, error) {
	account, err := s.accounts.SetBlocked(ctx, accountID, blocked)
	if err != nil {
		return nil, err
	}

	revoked := 0
	if blocked {
		revoked, err = s.sessions.RevokeAccount(ctx, accountID, models.ReasonSecurityLogout)
		if err != nil {
			return nil, err
		}
	} else if s.limits != nil {
		if err := s.limits.ResetPhone(ctx, account.NormalizedPhone); err != nil {
			s.logger.Warn("Failed to reset phone rate limit", util.AccountID(accountID), util.ErrorField(err))
		}
	}

	if err := s.events.Publish(ctx, redisrepo.SessionEvent{
		Type:       redisrepo.AccountStatus,
		AccountID:  accountID,
		Blocked:    blocked,
		OccurredAt: account.UpdatedAt,
	}); err != nil {
		s.logger.Warn("Failed to publish account status", util.AccountID(accountID), util.ErrorField(err))
	}

	eventType := models.EventAccountUnblocked
	if blocked {
		eventType = models.EventAccountBlocked
	}
	s.audit.Record(ctx, models.SecurityEvent{
		EventType: eventType,
		AccountID: accountID,
		Details:   map[string]string{"actor_id": strconv.FormatInt(actorID, 10)},
	})
	s.logger.Info("Account status changed",
		util.AccountID(accountID),
		util.Int64("actor_id", actorID),
		util.Bool("blocked", blocked),
		util.Int("sessions_revoked", revoked))
	return account, nil
}

func (s *AdminService) RevokeAllSessions(ctx context.Context, actorID, accountID int64) (int, error) {
	if _, err := s.accounts.GetByID(ctx, accountID); err != nil {
		return 0, err
	}
	revoked, err := s.sessions.RevokeAccount(ctx, accountID, models.ReasonSecurityLogout)
	if err != nil {
		return revoked, err
	}
	s.logger.Info("Sessions revoked by admin",
		util.AccountID(accountID),
		util.Int64("actor_id", actorID),
		util.Int("sessions_revoked", revoked))
	return revoked, nil
}
