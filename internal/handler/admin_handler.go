package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"otp-auth-service/internal/models"
	"otp-auth-service/internal/service"
)

// NotificationPublisher delivers a payload to every connection in a room and
// returns how many connections accepted it
type NotificationPublisher interface {
	PublishNotification(room string, payload json.RawMessage) int
}

type AdminHandler struct {
	admin    *service.AdminService
	notifier NotificationPublisher
	logger   *zap.Logger
}

func NewAdminHandler(admin *service.AdminService, notifier NotificationPublisher, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, notifier: notifier, logger: logger}
}

type notificationRequest struct {
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

func (h *AdminHandler) RegisterRoutes(router chi.Router, authn *Authenticator) {
	router.Route("/admin", func(r chi.Router) {
		r.Use(authn.RequireAuth)
		r.Use(authn.RequireRole(models.RoleAdmin))

		r.Post("/accounts/{accountID}/block", h.setBlocked(true))
		r.Post("/accounts/{accountID}/unblock", h.setBlocked(false))
		r.Delete("/accounts/{accountID}/sessions", h.RevokeSessions)
		r.Post("/notifications", h.PublishNotification)
	})
}

func (h *AdminHandler) setBlocked(blocked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID, ok := h.accountID(w, r)
		if !ok {
			return
		}
		identity, _ := IdentityFrom(r.Context())

		account, err := h.admin.SetBlocked(r.Context(), identity.AccountID, accountID, blocked)
		if err != nil {
			respondWithError(w, h.logger, err)
			return
		}
		respondWithJSON(w, h.logger, http.StatusOK, successResponse(account, "Account status updated"))
	}
}

func (h *AdminHandler) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.accountID(w, r)
	if !ok {
		return
	}
	identity, _ := IdentityFrom(r.Context())

	revoked, err := h.admin.RevokeAllSessions(r.Context(), identity.AccountID, accountID)
	if err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(map[string]int{"revoked": revoked}, "Sessions revoked"))
}

func (h *AdminHandler) PublishNotification(w http.ResponseWriter, r *http.Request) {
	var req notificationRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, h.logger, err)
		return
	}
	req.Room = strings.TrimSpace(req.Room)
	if req.Room == "" || len(req.Payload) == 0 {
		respondWithError(w, h.logger, errInvalidBody)
		return
	}
	if h.notifier == nil {
		respondWithJSON(w, h.logger, http.StatusServiceUnavailable, Response{
			Error: &ErrorBody{Code: "gateway_disabled", Message: "real-time gateway is not running"},
		})
		return
	}

	delivered := h.notifier.PublishNotification(req.Room, req.Payload)
	respondWithJSON(w, h.logger, http.StatusAccepted, successResponse(map[string]int{"delivered": delivered}, ""))
}

func (h *AdminHandler) accountID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "accountID"), 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, h.logger, errInvalidBody)
		return 0, false
	}
	return id, true
}
