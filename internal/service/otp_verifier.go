package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"otp-auth-service/internal/audit"
	"otp-auth-service/internal/hashing"
	"otp-auth-service/internal/metrics"
	"otp-auth-service/internal/models"
	"otp-auth-service/internal/phone"
	"otp-auth-service/internal/repository"
	"otp-auth-service/internal/util"
)

// verifyRounds bounds re-reads after losing a conditional update to a
// concurrent submission
const verifyRounds = 3

var codePattern = regexp.MustCompile(`^\d{4,6}$`)

type VerifyRequest struct {
	Phone     string
	Code      string
	Device    models.DeviceInfo
	FirstName string
	LastName  string
}

type VerifyResult struct {
	Account      *models.Account
	Tokens       *TokenPair
	IsNewAccount bool
}

type OTPVerifier struct {
	attempts repository.VerificationRepository
	accounts *AccountService
	sessions *SessionManager
	hasher   *hashing.Hasher
	audit    audit.Recorder
	logger   *zap.Logger
	now      Clock
}

func NewOTPVerifier(
	attempts repository.VerificationRepository,
	accounts *AccountService,
	sessions *SessionManager,
	hasher *hashing.Hasher,
	recorder audit.Recorder,
	logger *zap.Logger,
) *OTPVerifier {
	return &OTPVerifier{
		attempts: attempts,
		accounts: accounts,
		sessions: sessions,
		hasher:   hasher,
		audit:    recorder,
		logger:   logger,
		now:      systemClock,
	}
}

func (v *OTPVerifier) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	normalized, err := phone.NormalizeMobile(req.Phone)
	if err != nil {
		return nil, ErrInvalidPhone
	}
	if !codePattern.MatchString(req.Code) {
		return nil, ErrInvalidCode
	}
	firstName := util.SanitizeName(req.FirstName, maxNameRunes)
	lastName := util.SanitizeName(req.LastName, maxNameRunes)

	existing, err := v.accounts.GetByPhone(ctx, normalized)
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return nil, err
	}

	if err := v.redeem(ctx, normalized, req.Code, existing == nil && firstName == ""); err != nil {
		metrics.VerifyAttemptsTotal.WithLabelValues(verifyLabel(err)).Inc()
		if !errors.Is(err, ErrFirstNameRequired) {
			v.audit.Record(ctx, models.SecurityEvent{
				EventType: models.EventVerifyFailed,
				Phone:     phone.Mask(normalized),
				IPAddress: req.Device.IPAddress,
				UserAgent: req.Device.UserAgent,
				Details:   map[string]string{"reason": verifyLabel(err)},
			})
		}
		return nil, err
	}
	metrics.VerifyAttemptsTotal.WithLabelValues("success").Inc()

	account, created := existing, false
	if account == nil {
		account, created, err = v.accounts.CreateVerified(ctx, normalized, req.Phone, firstName, lastName)
		if err != nil {
			return nil, err
		}
	}
	if account.IsBlocked {
		v.logger.Warn("Blocked account verified a code", util.AccountID(account.ID))
		return nil, ErrAccountBlocked
	}

	if created {
		metrics.AccountsCreatedTotal.Inc()
		v.audit.Record(ctx, models.SecurityEvent{
			EventType: models.EventAccountCreated,
			AccountID: account.ID,
			Phone:     phone.Mask(normalized),
			IPAddress: req.Device.IPAddress,
			UserAgent: req.Device.UserAgent,
		})
	} else if err := v.accounts.RecordLogin(ctx, account); err != nil {
		return nil, err
	}

	tokens, err := v.sessions.IssueTokens(ctx, account, req.Device)
	if err != nil {
		return nil, err
	}

	v.audit.Record(ctx, models.SecurityEvent{
		EventType: models.EventLoginSuccess,
		AccountID: account.ID,
		SessionID: tokens.SessionID,
		Phone:     phone.Mask(normalized),
		IPAddress: req.Device.IPAddress,
		UserAgent: req.Device.UserAgent,
	})
	v.logger.Info("Phone verified",
		util.AccountID(account.ID),
		util.SessionID(tokens.SessionID),
		util.Bool("new_account", created))

	return &VerifyResult{Account: account, Tokens: tokens, IsNewAccount: created}, nil
}

// redeem checks code against the latest attempt and consumes it on a match.
// needsName rejects a correct code before consumption so the user can retry
// with a first name.
func (v *OTPVerifier) redeem(ctx context.Context, normalized, code string, needsName bool) error {
	for round := 0; round < verifyRounds; round++ {
		attempt, err := v.attempts.LatestAttempt(ctx, normalized)
		if errors.Is(err, repository.ErrNotFound) {
			return ErrCodeNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to load verification attempt: %w", err)
		}

		now := v.now()
		switch {
		case attempt.IsUsed || attempt.Invalidated:
			return ErrCodeNotFound
		case attempt.IsExpired(now):
			return ErrCodeExpired
		case attempt.AttemptsExhausted():
			return ErrMaxAttemptsExceeded
		}

		ok, err := v.hasher.VerifyOTP(code, &hashing.HashResult{
			Hash:          attempt.CodeHash,
			Salt:          attempt.CodeSalt,
			PepperVersion: attempt.PepperVersion,
		})
		if err != nil {
			return fmt.Errorf("failed to verify code: %w", err)
		}

		if !ok {
			applied, err := v.attempts.RecordFailedAttempt(ctx, attempt)
			if err != nil {
				return fmt.Errorf("failed to record attempt: %w", err)
			}
			if applied {
				return ErrCodeNotFound
			}
			continue
		}

		if needsName {
			return ErrFirstNameRequired
		}

		applied, err := v.attempts.ConsumeAttempt(ctx, attempt, now)
		if err != nil {
			return fmt.Errorf("failed to consume attempt: %w", err)
		}
		if applied {
			return nil
		}
	}
	// still losing after several re-reads: another submission is winning
	return ErrCodeNotFound
}

func verifyLabel(err error) string {
	switch {
	case errors.Is(err, ErrCodeNotFound):
		return "not_found"
	case errors.Is(err, ErrCodeExpired):
		return "expired"
	case errors.Is(err, ErrMaxAttemptsExceeded):
		return "max_attempts"
	case errors.Is(err, ErrFirstNameRequired):
		return "first_name_required"
	default:
		return "error"
	}
}
