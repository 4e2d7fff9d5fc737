package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"otp-auth-service/internal/models"
	"otp-auth-service/internal/service"
	"otp-auth-service/internal/util"
)

const maxBodyBytes = 16 << 10

var errInvalidBody = errors.New("invalid request body")

type CookieConfig struct {
	Name   string
	Secure bool
	MaxAge time.Duration
}

// AuthHandler serves the phone login flow and the caller's own sessions
type AuthHandler struct {
	issuer   *service.OTPIssuer
	verifier *service.OTPVerifier
	sessions *service.SessionManager
	accounts *service.AccountService
	cookie   CookieConfig
	logger   *zap.Logger
}

func NewAuthHandler(
	issuer *service.OTPIssuer,
	verifier *service.OTPVerifier,
	sessions *service.SessionManager,
	accounts *service.AccountService,
	cookie CookieConfig,
	logger *zap.Logger,
) *AuthHandler {
	if cookie.Name == "" {
		cookie.Name = "refresh_token"
	}
	return &AuthHandler{
		issuer:   issuer,
		verifier: verifier,
		sessions: sessions,
		accounts: accounts,
		cookie:   cookie,
		logger:   logger,
	}
}

type codeRequest struct {
	Phone string `json:"phone"`
}

type verifyRequest struct {
	Phone     string `json:"phone"`
	Code      string `json:"code"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type verifyResponse struct {
	Account         *models.Account `json:"account"`
	AccessToken     string          `json:"access_token"`
	AccessExpiresAt time.Time       `json:"access_expires_at"`
	IsNewAccount    bool            `json:"is_new_account"`
}

type refreshResponse struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
}

// RegisterRoutes mounts public auth routes; protected ones go behind authn
func (h *AuthHandler) RegisterRoutes(router chi.Router, authn *Authenticator) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/code", h.RequestCode)
		r.Post("/verify", h.Verify)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)

		r.Group(func(r chi.Router) {
			r.Use(authn.RequireAuth)
			r.Get("/me", h.Me)
			r.Get("/sessions", h.ListSessions)
			r.Delete("/sessions/{sessionID}", h.RevokeSession)
		})
	})
}

func (h *AuthHandler) RequestCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	result, err := h.issuer.Issue(r.Context(), service.IssueRequest{
		Phone:    req.Phone,
		OriginIP: clientIP(r),
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(result, "Verification code sent"))
}

func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	result, err := h.verifier.Verify(r.Context(), service.VerifyRequest{
		Phone:     req.Phone,
		Code:      req.Code,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Device:    deviceInfo(r),
	})
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}

	h.setRefreshCookie(w, result.Tokens.RefreshToken)
	status := http.StatusOK
	if result.IsNewAccount {
		status = http.StatusCreated
	}
	respondWithJSON(w, h.logger, status, successResponse(verifyResponse{
		Account:         result.Account,
		AccessToken:     result.Tokens.AccessToken,
		AccessExpiresAt: result.Tokens.AccessExpiresAt,
		IsNewAccount:    result.IsNewAccount,
	}, "Phone verified"))
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	presented := h.refreshTokenFrom(r)
	if presented == "" {
		respondWithError(w, h.logger, service.ErrInvalidRefreshToken)
		return
	}

	pair, err := h.sessions.Refresh(r.Context(), presented, deviceInfo(r))
	if err != nil {
		if !errors.Is(err, service.ErrInvalidRefreshToken) {
			h.clearRefreshCookie(w)
		}
		respondWithError(w, h.logger, err)
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken)
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(refreshResponse{
		AccessToken:     pair.AccessToken,
		RefreshToken:    pair.RefreshToken,
		AccessExpiresAt: pair.AccessExpiresAt,
	}, "Token refreshed"))
}

// Logout always succeeds; the session is revoked when the token resolves
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if presented := h.refreshTokenFrom(r); presented != "" {
		if err := h.sessions.Logout(r.Context(), presented); err != nil {
			h.logger.Debug("Logout token did not resolve", util.ErrorField(err))
		}
	}
	h.clearRefreshCookie(w)
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Logged out"))
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	account := identity.Account
	if account == nil {
		var err error
		if account, err = h.accounts.GetByID(r.Context(), identity.AccountID); err != nil {
			if errors.Is(err, service.ErrAccountNotFound) {
				err = service.ErrInvalidToken
			}
			respondWithError(w, h.logger, err)
			return
		}
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(account, ""))
}

func (h *AuthHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	sessions, err := h.sessions.ListActive(r.Context(), identity.AccountID)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(map[string]interface{}{
		"sessions": sessions,
		"current":  identity.SessionID,
	}, ""))
}

func (h *AuthHandler) RevokeSession(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFrom(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	err := h.sessions.RevokeOwned(r.Context(), identity.AccountID, sessionID, models.ReasonManualLogout)
	if errors.Is(err, service.ErrSessionNotFound) {
		respondWithJSON(w, h.logger, http.StatusNotFound, Response{
			Error: &ErrorBody{Code: "session_not_found", Message: err.Error()},
		})
		return
	}
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Session revoked"))
}

func (h *AuthHandler) refreshTokenFrom(r *http.Request) string {
	var req refreshRequest
	if err := decodeJSON(r, &req); err == nil && req.RefreshToken != "" {
		return req.RefreshToken
	}
	if c, err := r.Cookie(h.cookie.Name); err == nil {
		return c.Value
	}
	return ""
}

func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    value,
		Path:     "/api/v1/auth",
		MaxAge:   int(h.cookie.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/api/v1/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// decodeJSON treats an empty body as an empty object
func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return errInvalidBody
	}
	return nil
}

// clientIP relies on RealIP having rewritten RemoteAddr for trusted proxies
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func deviceInfo(r *http.Request) models.DeviceInfo {
	return models.DeviceInfo{IPAddress: clientIP(r), UserAgent: r.UserAgent()}
}
