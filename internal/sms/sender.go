package sms

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"otp-auth-service/internal/config"
)

// Result describes one delivery attempt as reported by the provider
type Result struct {
	Success           bool
	ProviderMessageID string
	Cost              float64
	TestMode          bool
}

// Sender delivers a text message to a canonical phone number
type Sender interface {
	Send(ctx context.Context, phone, message string) (*Result, error)
}

// NewSender builds the configured provider wrapped in a circuit breaker.
// "log" writes messages to the logger and never reaches a network.
func NewSender(cfg *config.Config, logger *zap.Logger) (Sender, error) {
	var provider Sender
	switch cfg.SMS.Provider {
	case "twilio":
		if cfg.SMS.AccountSID == "" || cfg.SMS.AuthToken == "" || cfg.SMS.From == "" {
			return nil, fmt.Errorf("twilio provider requires account sid, auth token and sender number")
		}
		provider = NewTwilioSender(cfg.SMS.BaseURL, cfg.SMS.AccountSID, cfg.SMS.AuthToken, cfg.SMS.From, cfg.SMS.Timeout)
	case "log", "":
		provider = NewLogSender(logger)
	default:
		return nil, fmt.Errorf("unknown SMS_PROVIDER %q", cfg.SMS.Provider)
	}

	return NewBreakerSender(provider, BreakerSettings{
		Name:        "sms-" + cfg.SMS.Provider,
		MaxFailures: cfg.SMS.BreakerFailures,
		OpenFor:     cfg.SMS.BreakerOpenFor,
		Timeout:     cfg.SMS.Timeout,
	}, logger), nil
}
