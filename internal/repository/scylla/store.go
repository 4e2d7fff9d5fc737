package scylla

import (
	"go.uber.org/zap"

	"otp-auth-service/internal/repository"
)

// Store implements repository.Store on top of one ScyllaClient
type Store struct {
	*AccountRepository
	*VerificationRepository
	*SessionRepository
	client *ScyllaClient
}

var _ repository.Store = (*Store)(nil)

func NewStore(client *ScyllaClient, logger *zap.Logger) *Store {
	return &Store{
		AccountRepository:      NewAccountRepository(client, logger),
		VerificationRepository: NewVerificationRepository(client, logger),
		SessionRepository:      NewSessionRepository(client, logger),
		client:                 client,
	}
}

func (s *Store) Close() {
	s.client.Close()
}
