package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-auth-service/internal/audit"
	"otp-auth-service/internal/cooldown"
	"otp-auth-service/internal/hashing"
	"otp-auth-service/internal/metrics"
	"otp-auth-service/internal/models"
	"otp-auth-service/internal/phone"
	"otp-auth-service/internal/repository"
	redisrepo "otp-auth-service/internal/repository/redis"
	"otp-auth-service/internal/sms"
	"otp-auth-service/internal/token"
	"otp-auth-service/internal/util"
)

// issueRetries bounds optimistic retries when concurrent requests for the
// same phone race on the per-phone issue version
const issueRetries = 3

// deliveryTimeout bounds one SMS send. Delivery is detached from the request
// so a client that hangs up after the code is stored still receives it.
const deliveryTimeout = 10 * time.Second

type IssuerConfig struct {
	CodeLength      int
	Expiry          time.Duration
	MaxAttempts     int
	ResendCooldown  time.Duration
	EchoCode        bool
	MessageTemplate string
}

type IssueRequest struct {
	Phone    string
	OriginIP string
}

type IssueResult struct {
	Phone               string    `json:"phone"`
	ExpiresAt           time.Time `json:"expires_at"`
	Operator            string    `json:"operator"`
	IsRegisteredAccount bool      `json:"is_registered_account"`
	ResendAvailableAt   time.Time `json:"resend_available_at"`
	Code                string    `json:"code,omitempty"`
}

type OTPIssuer struct {
	attempts repository.VerificationRepository
	accounts repository.AccountRepository
	hasher   *hashing.Hasher
	limiter  RateLimiter
	sender   sms.Sender
	audit    audit.Recorder
	cfg      IssuerConfig
	logger   *zap.Logger
	now      Clock
}

func NewOTPIssuer(
	attempts repository.VerificationRepository,
	accounts repository.AccountRepository,
	hasher *hashing.Hasher,
	limiter RateLimiter,
	sender sms.Sender,
	recorder audit.Recorder,
	cfg IssuerConfig,
	logger *zap.Logger,
) *OTPIssuer {
	if cfg.MessageTemplate == "" {
		cfg.MessageTemplate = "Your verification code: %s"
	}
	return &OTPIssuer{
		attempts: attempts,
		accounts: accounts,
		hasher:   hasher,
		limiter:  limiter,
		sender:   sender,
		audit:    recorder,
		cfg:      cfg,
		logger:   logger,
		now:      systemClock,
	}
}

func (s *OTPIssuer) Issue(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	normalized, err := phone.NormalizeMobile(req.Phone)
	if err != nil {
		return nil, ErrInvalidPhone
	}
	masked := phone.Mask(normalized)
	now := s.now()

	if err := s.checkCooldown(ctx, normalized, now); err != nil {
		s.rejected(ctx, normalized, req.OriginIP, err)
		return nil, err
	}

	reservation, err := s.limiter.Reserve(ctx, normalized, req.OriginIP, now)
	if err != nil {
		return nil, fmt.Errorf("failed to check rate limit: %w", err)
	}
	if !reservation.Allowed {
		limitErr := &RateLimitError{Reason: LimitPhone, RetryAfter: reservation.RetryAfter}
		if reservation.Scope == redisrepo.ScopeIP {
			limitErr.Reason = LimitIP
		}
		s.rejected(ctx, normalized, req.OriginIP, limitErr)
		return nil, limitErr
	}

	code, err := token.NewNumericCode(s.cfg.CodeLength)
	if err != nil {
		return nil, err
	}
	hashed, err := s.hasher.HashOTP(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	attempt := &models.VerificationAttempt{
		ID:            uuid.NewString(),
		Phone:         normalized,
		CodeHash:      hashed.Hash,
		CodeSalt:      hashed.Salt,
		PepperVersion: hashed.PepperVersion,
		MaxAttempts:   s.cfg.MaxAttempts,
		IPAddress:     req.OriginIP,
	}
	invalidated, err := s.store(ctx, attempt)
	if err != nil {
		return nil, err
	}

	metrics.CodesIssuedTotal.Inc()
	s.logger.Info("Verification code issued",
		util.String("phone", masked),
		util.String("attempt_id", attempt.ID),
		util.Int("invalidated", invalidated))

	s.deliver(ctx, normalized, req.OriginIP, code)

	s.audit.Record(ctx, models.SecurityEvent{
		EventType: models.EventCodeIssued,
		Phone:     masked,
		IPAddress: req.OriginIP,
		Details:   map[string]string{"attempt_id": attempt.ID},
	})

	registered := false
	if account, err := s.accounts.GetAccountByPhone(ctx, normalized); err == nil {
		registered = account.IsVerified
	} else if !errors.Is(err, repository.ErrNotFound) {
		s.logger.Warn("Account lookup failed during issuance", util.String("phone", masked), util.ErrorField(err))
	}

	result := &IssueResult{
		Phone:               normalized,
		ExpiresAt:           attempt.ExpiresAt,
		Operator:            phone.Operator(normalized),
		IsRegisteredAccount: registered,
		ResendAvailableAt:   cooldown.Restore(s.cfg.ResendCooldown, attempt.CreatedAt, nil).NextAllowedAt(),
	}
	if s.cfg.EchoCode {
		result.Code = code
	}
	return result, nil
}

// checkCooldown rejects a resend while the latest unused code is younger
// than the resend interval
func (s *OTPIssuer) checkCooldown(ctx context.Context, normalized string, now time.Time) error {
	if s.cfg.ResendCooldown <= 0 {
		return nil
	}
	latest, err := s.attempts.LatestAttempt(ctx, normalized)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load latest attempt: %w", err)
	}
	if latest.IsUsed {
		return nil
	}

	countdown := cooldown.Restore(s.cfg.ResendCooldown, latest.CreatedAt, func() time.Time { return now })
	if countdown.State() == cooldown.Counting {
		return &RateLimitError{Reason: LimitCooldown, RetryAfter: countdown.Remaining()}
	}
	return nil
}

// store persists the attempt, retrying with a fresh timestamp when a
// concurrent issuance for the same phone wins the conditional write
func (s *OTPIssuer) store(ctx context.Context, attempt *models.VerificationAttempt) (int, error) {
	for i := 0; i < issueRetries; i++ {
		attempt.CreatedAt = s.now()
		attempt.ExpiresAt = attempt.CreatedAt.Add(s.cfg.Expiry)

		invalidated, err := s.attempts.IssueAttempt(ctx, attempt)
		if err == nil {
			return invalidated, nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return 0, fmt.Errorf("failed to store verification attempt: %w", err)
		}
		s.logger.Debug("Issuance conflict, retrying", util.String("phone", phone.Mask(attempt.Phone)), util.Int("try", i+1))
	}
	return 0, fmt.Errorf("failed to store verification attempt: %w", repository.ErrConflict)
}

// deliver sends the code once. A failed delivery is recorded but does not
// fail the issuance; the client can request a resend after the cooldown.
func (s *OTPIssuer) deliver(ctx context.Context, normalized, ip, code string) {
	masked := phone.Mask(normalized)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
	defer cancel()

	result, err := s.sender.Send(ctx, normalized, fmt.Sprintf(s.cfg.MessageTemplate, code))
	if err == nil && result != nil && result.Success {
		status := "sent"
		if result.TestMode {
			status = "test"
		}
		metrics.CodeDeliveryTotal.WithLabelValues(status).Inc()
		s.logger.Debug("Verification code delivered",
			util.String("phone", masked),
			util.String("provider_message_id", result.ProviderMessageID))
		return
	}

	if err == nil {
		err = errors.New("provider reported failure")
	}
	metrics.CodeDeliveryTotal.WithLabelValues("failed").Inc()
	s.logger.Error("Verification code delivery failed", util.String("phone", masked), util.ErrorField(err))
	s.audit.Record(ctx, models.SecurityEvent{
		EventType: models.EventCodeDeliveryFailed,
		Phone:     masked,
		IPAddress: ip,
		Details:   map[string]string{"error": err.Error()},
	})
}

func (s *OTPIssuer) rejected(ctx context.Context, normalized, ip string, err error) {
	var limitErr *RateLimitError
	if !errors.As(err, &limitErr) {
		return
	}
	metrics.RateLimitedTotal.WithLabelValues(string(limitErr.Reason)).Inc()
	s.audit.Record(ctx, models.SecurityEvent{
		EventType: models.EventCodeRateLimited,
		Phone:     phone.Mask(normalized),
		IPAddress: ip,
		Details:   map[string]string{"reason": string(limitErr.Reason)},
	})
}
