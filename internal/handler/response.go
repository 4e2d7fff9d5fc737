package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"otp-auth-service/internal/service"
	"otp-auth-service/internal/util"
)

// Response is the envelope for every API reply
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// ErrorBody carries a stable machine-readable code
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func respondWithJSON(w http.ResponseWriter, logger *zap.Logger, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError maps service errors onto status codes and stable error
// codes. Unknown errors are logged and reported as internal_error without
// leaking their text.
func respondWithError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status, code := classify(err)
	message := err.Error()

	var limitErr *service.RateLimitError
	if errors.As(err, &limitErr) {
		// both windows and the cooldown look the same to the client
		message = service.ErrRateLimited.Error()
		if limitErr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(limitErr.RetryAfter.Seconds()))))
		}
	}

	if status == http.StatusInternalServerError {
		logger.Error("Request failed", util.ErrorField(err))
		message = "internal server error"
	} else {
		logger.Debug("Request rejected", util.String("code", code), util.ErrorField(err))
	}

	respondWithJSON(w, logger, status, Response{
		Success: false,
		Error:   &ErrorBody{Code: code, Message: message},
	})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrInvalidPhone):
		return http.StatusBadRequest, "invalid_phone"
	case errors.Is(err, service.ErrInvalidCode):
		return http.StatusBadRequest, "invalid_code"
	case errors.Is(err, errInvalidBody):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, service.ErrFirstNameRequired):
		return http.StatusBadRequest, "first_name_required"
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, service.ErrCodeNotFound):
		return http.StatusUnauthorized, "code_not_found"
	case errors.Is(err, service.ErrCodeExpired):
		return http.StatusUnauthorized, "code_expired"
	case errors.Is(err, service.ErrMaxAttemptsExceeded):
		return http.StatusUnauthorized, "max_attempts_exceeded"
	case errors.Is(err, service.ErrAccountBlocked):
		return http.StatusForbidden, "account_blocked"
	case errors.Is(err, service.ErrInvalidRefreshToken):
		return http.StatusUnauthorized, "invalid_refresh_token"
	case errors.Is(err, service.ErrSessionRevoked):
		return http.StatusUnauthorized, "session_revoked"
	case errors.Is(err, service.ErrSessionExpired):
		return http.StatusUnauthorized, "session_expired"
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusUnauthorized, "session_not_found"
	case errors.Is(err, service.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid_token"
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, service.ErrAccountNotFound):
		return http.StatusNotFound, "account_not_found"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}
