package service

import (
	"go.uber.org/zap"

	"otp-auth-service/internal/audit"
	"otp-auth-service/internal/config"
	"otp-auth-service/internal/hashing"
	"otp-auth-service/internal/repository"
	"otp-auth-service/internal/sms"
	"otp-auth-service/internal/token"
)

// Dependencies are the collaborators every service shares
type Dependencies struct {
	Store    repository.Store
	Hasher   *hashing.Hasher
	Tokens   *token.Manager
	Limiter  RateLimiter
	Sender   sms.Sender
	Cipher   PhoneCipher
	Events   SessionEventPublisher
	Recorder audit.Recorder
}

// ServiceFactory creates and caches service instances
type ServiceFactory struct {
	cfg    *config.Config
	deps   Dependencies
	logger *zap.Logger

	accountService *AccountService
	sessionManager *SessionManager
	issuer         *OTPIssuer
	verifier       *OTPVerifier
	adminService   *AdminService
}

func NewServiceFactory(cfg *config.Config, deps Dependencies, logger *zap.Logger) *ServiceFactory {
	return &ServiceFactory{cfg: cfg, deps: deps, logger: logger}
}

func (f *ServiceFactory) AccountService() *AccountService {
	if f.accountService == nil {
		f.accountService = NewAccountService(f.deps.Store, f.deps.Cipher, f.cfg.Admin.Phones, f.logger)
	}
	return f.accountService
}

func (f *ServiceFactory) SessionManager() *SessionManager {
	if f.sessionManager == nil {
		f.sessionManager = NewSessionManager(
			f.deps.Store,
			f.deps.Store,
			f.deps.Tokens,
			f.deps.Events,
			f.deps.Recorder,
			SessionConfig{
				RefreshTTL:    f.cfg.Token.RefreshTTL,
				TouchInterval: f.cfg.Session.TouchInterval,
				MaxPerAccount: f.cfg.Session.MaxPerAccount,
			},
			f.logger,
		)
	}
	return f.sessionManager
}

func (f *ServiceFactory) OTPIssuer() *OTPIssuer {
	if f.issuer == nil {
		f.issuer = NewOTPIssuer(
			f.deps.Store,
			f.deps.Store,
			f.deps.Hasher,
			f.deps.Limiter,
			f.deps.Sender,
			f.deps.Recorder,
			IssuerConfig{
				CodeLength:      f.cfg.OTP.CodeLength,
				Expiry:          f.cfg.OTPExpiry(),
				MaxAttempts:     f.cfg.OTP.MaxAttempts,
				ResendCooldown:  f.cfg.OTP.ResendCooldown,
				EchoCode:        f.cfg.OTP.EchoCode && !f.cfg.IsProduction(),
				MessageTemplate: f.cfg.OTP.MessageTemplate,
			},
			f.logger,
		)
	}
	return f.issuer
}

func (f *ServiceFactory) OTPVerifier() *OTPVerifier {
	if f.verifier == nil {
		f.verifier = NewOTPVerifier(
			f.deps.Store,
			f.AccountService(),
			f.SessionManager(),
			f.deps.Hasher,
			f.deps.Recorder,
			f.logger,
		)
	}
	return f.verifier
}

func (f *ServiceFactory) AdminService() *AdminService {
	if f.adminService == nil {
		f.adminService = NewAdminService(
			f.AccountService(),
			f.SessionManager(),
			f.deps.Events,
			f.deps.Limiter,
			f.deps.Recorder,
			f.logger,
		)
	}
	return f.adminService
}
