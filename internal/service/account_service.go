package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"otp-auth-service/internal/encryption"
	"otp-auth-service/internal/models"
	"otp-auth-service/internal/phone"
	"otp-auth-service/internal/repository"
	"otp-auth-service/internal/util"
)

const maxNameRunes = 64

// AccountService owns account creation and status changes. Raw phones are
// stored encrypted; lookups go through the normalized phone.
type AccountService struct {
	repo        repository.AccountRepository
	cipher      PhoneCipher
	adminPhones map[string]bool
	logger      *zap.Logger
	now         Clock
}

func NewAccountService(repo repository.AccountRepository, cipher PhoneCipher, adminPhones []string, logger *zap.Logger) *AccountService {
	admins := make(map[string]bool, len(adminPhones))
	for _, raw := range adminPhones {
		if canonical, err := phone.Normalize(raw); err == nil {
			admins[canonical] = true
		} else {
			logger.Warn("Ignoring malformed admin phone", util.String("phone", phone.Mask(raw)))
		}
	}
	return &AccountService{
		repo:        repo,
		cipher:      cipher,
		adminPhones: admins,
		logger:      logger,
		now:         systemClock,
	}
}

// CreateVerified creates an account for a phone that has just proven
// possession. A concurrent creation for the same phone returns the winner.
func (s *AccountService) CreateVerified(ctx context.Context, normalizedPhone, rawPhone, firstName, lastName string) (*models.Account, bool, error) {
	encrypted, err := s.cipher.EncryptField(ctx, rawPhone)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encrypt phone: %w", err)
	}

	now := s.now()
	role := models.RoleUser
	if s.adminPhones[normalizedPhone] {
		role = models.RoleAdmin
	}

	account := &models.Account{
		PhoneEncrypted:  encrypted.EncryptedValue,
		PhoneDEK:        encrypted.EncryptedDEK,
		PhoneKeyID:      encrypted.KeyID,
		NormalizedPhone: normalizedPhone,
		FirstName:       firstName,
		LastName:        lastName,
		Role:            role,
		IsVerified:      true,
		IsActive:        true,
		LastLoginAt:     now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err = s.repo.CreateAccount(ctx, account)
	if errors.Is(err, repository.ErrAlreadyExists) {
		existing, getErr := s.GetByPhone(ctx, normalizedPhone)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to create account: %w", err)
	}

	account.Phone = rawPhone
	s.logger.Info("Account created",
		util.AccountID(account.ID),
		util.String("phone", phone.Mask(normalizedPhone)),
		util.String("role", string(role)))
	return account, true, nil
}

func (s *AccountService) GetByID(ctx context.Context, id int64) (*models.Account, error) {
	account, err := s.repo.GetAccountByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return account, nil
}

func (s *AccountService) GetByPhone(ctx context.Context, normalizedPhone string) (*models.Account, error) {
	account, err := s.repo.GetAccountByPhone(ctx, normalizedPhone)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	return account, nil
}

// RecordLogin marks the account verified and stamps the login time
func (s *AccountService) RecordLogin(ctx context.Context, account *models.Account) error {
	now := s.now()
	if err := s.repo.RecordLogin(ctx, account.ID, now); err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	account.IsVerified = true
	account.LastLoginAt = now
	account.UpdatedAt = now
	return nil
}

func (s *AccountService) SetBlocked(ctx context.Context, id int64, blocked bool) (*models.Account, error) {
	err := s.repo.SetBlocked(ctx, id, blocked, s.now())
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update account status: %w", err)
	}
	return s.GetByID(ctx, id)
}

// DecryptPhone recovers the phone as the user originally typed it
func (s *AccountService) DecryptPhone(ctx context.Context, account *models.Account) (string, error) {
	if account.PhoneEncrypted == "" {
		return "", nil
	}
	return s.cipher.DecryptField(ctx, &encryption.EncryptedData{
		EncryptedValue: account.PhoneEncrypted,
		EncryptedDEK:   account.PhoneDEK,
		KeyID:          account.PhoneKeyID,
	})
}

func (s *AccountService) HealthCheck(ctx context.Context) error {
	return s.repo.HealthCheck(ctx)
}
