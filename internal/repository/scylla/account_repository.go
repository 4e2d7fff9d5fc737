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
	accountSequence    = "account"
	accountIDBase      = 1000
	sequenceMaxRetries = 10
)

const (
	insertAccountCQL = `INSERT INTO accounts (
		account_id, normalized_phone, phone_encrypted, phone_dek, phone_key_id,
		first_name, last_name, role, is_verified, is_active, is_blocked,
		last_login_at, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	selectAccountCQL = `SELECT account_id, normalized_phone, phone_encrypted, phone_dek, phone_key_id,
		first_name, last_name, role, is_verified, is_active, is_blocked,
		last_login_at, created_at, updated_at
		FROM accounts WHERE account_id = ?`

	claimPhoneCQL      = `INSERT INTO accounts_by_phone (normalized_phone, account_id, created_at) VALUES (?, ?, ?) IF NOT EXISTS`
	releasePhoneCQL    = `DELETE FROM accounts_by_phone WHERE normalized_phone = ? IF account_id = ?`
	selectPhoneCQL     = `SELECT account_id FROM accounts_by_phone WHERE normalized_phone = ?`
	recordLoginCQL     = `UPDATE accounts SET is_verified = true, last_login_at = ?, updated_at = ? WHERE account_id = ? IF EXISTS`
	setBlockedCQL      = `UPDATE accounts SET is_blocked = ?, updated_at = ? WHERE account_id = ? IF EXISTS`
	selectSequenceCQL  = `SELECT value FROM id_sequences WHERE name = ?`
	initSequenceCQL    = `INSERT INTO id_sequences (name, value) VALUES (?, ?) IF NOT EXISTS`
	advanceSequenceCQL = `UPDATE id_sequences SET value = ? WHERE name = ? IF value = ?`
)

type AccountRepository struct {
	client *ScyllaClient
	logger *zap.Logger
}

func NewAccountRepository(client *ScyllaClient, logger *zap.Logger) *AccountRepository {
	return &AccountRepository{client: client, logger: logger}
}

// CreateAccount allocates the numeric id, claims the phone with a
// lightweight transaction and only then writes the account row.
func (r *AccountRepository) CreateAccount(ctx context.Context, account *models.Account) error {
	id, err := r.nextID(ctx)
	if err != nil {
		return err
	}

	applied, err := r.client.Query(ctx, claimPhoneCQL, account.NormalizedPhone, id, account.CreatedAt).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to claim phone: %w", err)
	}
	if !applied {
		return repository.ErrAlreadyExists
	}

	account.ID = id
	err = r.client.ExecuteWithRetry(ctx, r.client.Query(ctx, insertAccountCQL,
		account.ID, account.NormalizedPhone, account.PhoneEncrypted, account.PhoneDEK, account.PhoneKeyID,
		account.FirstName, account.LastName, string(account.Role), account.IsVerified, account.IsActive, account.IsBlocked,
		nullTime(account.LastLoginAt), account.CreatedAt, account.UpdatedAt,
	), 2)
	if err != nil {
		if _, releaseErr := r.client.Query(ctx, releasePhoneCQL, account.NormalizedPhone, id).
			MapScanCAS(map[string]interface{}{}); releaseErr != nil {
			r.logger.Error("Failed to release phone claim", zap.Int64("account_id", id), zap.Error(releaseErr))
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}

	r.logger.Info("Account created", zap.Int64("account_id", id))
	return nil
}

// nextID increments the account sequence with compare-and-set
func (r *AccountRepository) nextID(ctx context.Context) (int64, error) {
	for i := 0; i < sequenceMaxRetries; i++ {
		var current int64
		err := r.client.Query(ctx, selectSequenceCQL, accountSequence).Scan(&current)
		switch {
		case errors.Is(err, gocql.ErrNotFound):
			applied, err := r.client.Query(ctx, initSequenceCQL, accountSequence, int64(accountIDBase+1)).
				MapScanCAS(map[string]interface{}{})
			if err != nil {
				return 0, fmt.Errorf("failed to initialise account sequence: %w", err)
			}
			if applied {
				return accountIDBase + 1, nil
			}
		case err != nil:
			return 0, fmt.Errorf("failed to read account sequence: %w", err)
		default:
			applied, err := r.client.Query(ctx, advanceSequenceCQL, current+1, accountSequence, current).
				MapScanCAS(map[string]interface{}{})
			if err != nil {
				return 0, fmt.Errorf("failed to advance account sequence: %w", err)
			}
			if applied {
				return current + 1, nil
			}
		}
	}
	return 0, fmt.Errorf("account sequence: %w", repository.ErrConflict)
}

func (r *AccountRepository) GetAccountByID(ctx context.Context, id int64) (*models.Account, error) {
	var (
		a         models.Account
		role      string
		lastLogin time.Time
	)
	err := r.client.Query(ctx, selectAccountCQL, id).Scan(
		&a.ID, &a.NormalizedPhone, &a.PhoneEncrypted, &a.PhoneDEK, &a.PhoneKeyID,
		&a.FirstName, &a.LastName, &role, &a.IsVerified, &a.IsActive, &a.IsBlocked,
		&lastLogin, &a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}
	a.Role = models.Role(role)
	a.LastLoginAt = lastLogin
	return &a, nil
}

func (r *AccountRepository) GetAccountByPhone(ctx context.Context, normalizedPhone string) (*models.Account, error) {
	var id int64
	err := r.client.Query(ctx, selectPhoneCQL, normalizedPhone).Scan(&id)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve phone: %w", err)
	}
	return r.GetAccountByID(ctx, id)
}

func (r *AccountRepository) RecordLogin(ctx context.Context, id int64, at time.Time) error {
	applied, err := r.client.Query(ctx, recordLoginCQL, at, at, id).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to record login: %w", err)
	}
	if !applied {
		return repository.ErrNotFound
	}
	return nil
}

func (r *AccountRepository) SetBlocked(ctx context.Context, id int64, blocked bool, at time.Time) error {
	applied, err := r.client.Query(ctx, setBlockedCQL, blocked, at, id).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to update block flag: %w", err)
	}
	if !applied {
		return repository.ErrNotFound
	}
	r.logger.Info("Account block flag updated", zap.Int64("account_id", id), zap.Bool("blocked", blocked))
	return nil
}

func (r *AccountRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck(ctx)
}

// nullTime maps the zero time to a CQL null
func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
