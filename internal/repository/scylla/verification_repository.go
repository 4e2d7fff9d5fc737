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

// outstandingLookback bounds the partition scan for rows that may still be
// unexpired when a new code is issued. Code lifetimes are minutes.
const outstandingLookback = 24 * time.Hour

const (
	selectLatestAttemptCQL = `SELECT attempt_id, created_at, code_hash, code_salt, pepper_version,
		attempts, max_attempts, is_used, invalidated, expires_at, used_at, ip_address
		FROM verification_attempts WHERE phone = ? LIMIT 1`

	selectIssueVersionCQL = `SELECT issue_version FROM verification_attempts WHERE phone = ? LIMIT 1`

	selectOutstandingCQL = `SELECT created_at, attempt_id, is_used, expires_at
		FROM verification_attempts WHERE phone = ? AND created_at > ?`

	bumpIssueVersionCQL  = `UPDATE verification_attempts SET issue_version = ? WHERE phone = ? IF issue_version = ?`
	claimIssueVersionCQL = `UPDATE verification_attempts SET issue_version = ? WHERE phone = ? IF issue_version = null`

	invalidateAttemptCQL = `UPDATE verification_attempts SET is_used = true, invalidated = true
		WHERE phone = ? AND created_at = ? AND attempt_id = ?`

	insertAttemptCQL = `INSERT INTO verification_attempts (
		phone, created_at, attempt_id, code_hash, code_salt, pepper_version,
		attempts, max_attempts, is_used, invalidated, expires_at, ip_address
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, false, false, ?, ?)`

	recordFailureCQL = `UPDATE verification_attempts SET attempts = ?
		WHERE phone = ? AND created_at = ? AND attempt_id = ?
		IF is_used = false AND attempts = ?`

	consumeAttemptCQL = `UPDATE verification_attempts SET attempts = ?, is_used = true, used_at = ?
		WHERE phone = ? AND created_at = ? AND attempt_id = ?
		IF is_used = false AND attempts = ?`
)

type VerificationRepository struct {
	client *ScyllaClient
	logger *zap.Logger
}

func NewVerificationRepository(client *ScyllaClient, logger *zap.Logger) *VerificationRepository {
	return &VerificationRepository{client: client, logger: logger}
}

func (r *VerificationRepository) LatestAttempt(ctx context.Context, phone string) (*models.VerificationAttempt, error) {
	a := models.VerificationAttempt{Phone: phone}
	var usedAt time.Time
	err := r.client.Query(ctx, selectLatestAttemptCQL, phone).Scan(
		&a.ID, &a.CreatedAt, &a.CodeHash, &a.CodeSalt, &a.PepperVersion,
		&a.Attempts, &a.MaxAttempts, &a.IsUsed, &a.Invalidated, &a.ExpiresAt, &usedAt, &a.IPAddress,
	)
	if errors.Is(err, gocql.ErrNotFound) || (err == nil && a.ID == "") {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest attempt: %w", err)
	}
	a.UsedAt = usedAt
	return &a, nil
}

// IssueAttempt writes one conditional batch on the phone partition: bump the
// static issue_version, invalidate outstanding rows, insert the new row. A
// concurrent issuance bumps the version first and this batch is rejected.
func (r *VerificationRepository) IssueAttempt(ctx context.Context, attempt *models.VerificationAttempt) (int, error) {
	attempt.CreatedAt = attempt.CreatedAt.Truncate(time.Millisecond)

	var version *int64
	err := r.client.Query(ctx, selectIssueVersionCQL, attempt.Phone).Scan(&version)
	if err != nil && !errors.Is(err, gocql.ErrNotFound) {
		return 0, fmt.Errorf("failed to read issue version: %w", err)
	}

	type rowKey struct {
		createdAt time.Time
		attemptID string
	}
	var outstanding []rowKey

	iter := r.client.Query(ctx, selectOutstandingCQL, attempt.Phone, attempt.CreatedAt.Add(-outstandingLookback)).Iter()
	var (
		createdAt time.Time
		attemptID string
		isUsed    bool
		expiresAt time.Time
	)
	for iter.Scan(&createdAt, &attemptID, &isUsed, &expiresAt) {
		if !isUsed && attempt.CreatedAt.Before(expiresAt) {
			outstanding = append(outstanding, rowKey{createdAt: createdAt, attemptID: attemptID})
		}
	}
	if err := iter.Close(); err != nil {
		return 0, fmt.Errorf("failed to scan outstanding attempts: %w", err)
	}

	batch := r.client.Batch(ctx, gocql.LoggedBatch)
	if version == nil {
		batch.Query(claimIssueVersionCQL, int64(1), attempt.Phone)
	} else {
		batch.Query(bumpIssueVersionCQL, *version+1, attempt.Phone, *version)
	}
	for _, row := range outstanding {
		batch.Query(invalidateAttemptCQL, attempt.Phone, row.createdAt, row.attemptID)
	}
	batch.Query(insertAttemptCQL,
		attempt.Phone, attempt.CreatedAt, attempt.ID, attempt.CodeHash, attempt.CodeSalt, attempt.PepperVersion,
		attempt.Attempts, attempt.MaxAttempts, attempt.ExpiresAt, attempt.IPAddress,
	)

	applied, casIter, err := r.client.Session.MapExecuteBatchCAS(batch, map[string]interface{}{})
	if casIter != nil {
		_ = casIter.Close()
	}
	if err != nil {
		return 0, fmt.Errorf("failed to issue attempt: %w", err)
	}
	if !applied {
		return 0, repository.ErrConflict
	}

	r.logger.Debug("Verification attempt stored",
		zap.String("attempt_id", attempt.ID),
		zap.Int("invalidated", len(outstanding)))
	return len(outstanding), nil
}

func (r *VerificationRepository) RecordFailedAttempt(ctx context.Context, attempt *models.VerificationAttempt) (bool, error) {
	applied, err := r.client.Query(ctx, recordFailureCQL,
		attempt.Attempts+1, attempt.Phone, attempt.CreatedAt, attempt.ID, attempt.Attempts,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to record failed attempt: %w", err)
	}
	return applied, nil
}

func (r *VerificationRepository) ConsumeAttempt(ctx context.Context, attempt *models.VerificationAttempt, usedAt time.Time) (bool, error) {
	applied, err := r.client.Query(ctx, consumeAttemptCQL,
		attempt.Attempts+1, usedAt, attempt.Phone, attempt.CreatedAt, attempt.ID, attempt.Attempts,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to consume attempt: %w", err)
	}
	return applied, nil
}
