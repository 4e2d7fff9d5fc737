package sms

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"otp-auth-service/internal/phone"
)

// LogSender is the development provider: messages go to the log, nothing is
// sent, and results are flagged as test mode.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, to, message string) (*Result, error) {
	id := "log-" + uuid.NewString()
	s.logger.Info("SMS (test mode)",
		zap.String("to", phone.Mask(to)),
		zap.String("provider_message_id", id),
		zap.Int("length", len(message)))
	return &Result{Success: true, ProviderMessageID: id, TestMode: true}, nil
}
