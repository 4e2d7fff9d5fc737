package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"otp-auth-service/internal/config"
	"otp-auth-service/internal/models"
	"otp-auth-service/internal/service"
	"otp-auth-service/internal/util"
)

const refreshRecommendedHeader = "X-Token-Refresh-Recommended"

type contextKey string

const identityKey contextKey = "identity"

// Identity is what the auth middleware attaches to the request context.
// Account is only populated in strict mode or after a role check.
type Identity struct {
	AccountID int64
	SessionID string
	Phone     string
	Account   *models.Account
}

func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey).(*Identity)
	return id, ok
}

// Authenticator validates bearer tokens. In jwt_only mode only the signature
// and expiry are checked; strict mode also checks the session row and the
// account on every request.
type Authenticator struct {
	sessions *service.SessionManager
	accounts *service.AccountService
	mode     string
	logger   *zap.Logger
}

func NewAuthenticator(sessions *service.SessionManager, accounts *service.AccountService, mode string, logger *zap.Logger) *Authenticator {
	if mode == "" {
		mode = config.ValidationModeJWTOnly
	}
	return &Authenticator{sessions: sessions, accounts: accounts, mode: mode, logger: logger}
}

func (a *Authenticator) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			respondWithError(w, a.logger, service.ErrInvalidToken)
			return
		}

		identity, refresh, err := a.authenticate(r.Context(), raw)
		if err != nil {
			respondWithError(w, a.logger, err)
			return
		}
		if refresh {
			w.Header().Set(refreshRecommendedHeader, "true")
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	})
}

func (a *Authenticator) authenticate(ctx context.Context, raw string) (*Identity, bool, error) {
	if a.mode == config.ValidationModeStrict {
		principal, err := a.sessions.Validate(ctx, raw)
		if err != nil {
			return nil, false, err
		}
		return &Identity{
			AccountID: principal.Account.ID,
			SessionID: principal.Session.ID,
			Phone:     principal.Claims.Phone,
			Account:   principal.Account,
		}, principal.NeedsRefresh, nil
	}

	claims, err := a.sessions.ParseAccess(raw)
	if err != nil {
		return nil, false, err
	}
	accountID, err := claims.AccountID()
	if err != nil {
		return nil, false, service.ErrInvalidToken
	}
	return &Identity{
		AccountID: accountID,
		SessionID: claims.SessionID,
		Phone:     claims.Phone,
	}, a.sessions.NeedsRefresh(claims), nil
}

// RequireRole loads the account when the auth mode did not, and rejects
// callers without the role or with a blocked account.
func (a *Authenticator) RequireRole(role models.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := IdentityFrom(r.Context())
			if !ok {
				respondWithError(w, a.logger, service.ErrInvalidToken)
				return
			}
			if identity.Account == nil {
				account, err := a.accounts.GetByID(r.Context(), identity.AccountID)
				if errors.Is(err, service.ErrAccountNotFound) {
					respondWithError(w, a.logger, service.ErrInvalidToken)
					return
				}
				if err != nil {
					respondWithError(w, a.logger, err)
					return
				}
				identity.Account = account
			}
			if identity.Account.IsBlocked {
				respondWithError(w, a.logger, service.ErrAccountBlocked)
				return
			}
			if identity.Account.Role != role {
				respondWithError(w, a.logger, service.ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// requireHTTPS rejects any request that was not made over TLS
func requireHTTPS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUpgradeRequired)
			_, _ = w.Write([]byte(`{"success":false,"error":{"code":"https_required","message":"https required"}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// LoggerMiddleware logs one line per request
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("request_id", middleware.GetReqID(r.Context())),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
