package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ternarybob/ledgerlink/internal/interfaces"
	"github.com/ternarybob/ledgerlink/internal/models"
)

// RequireMethod validates that the HTTP request uses the specified method.
// Returns true if the method matches, false otherwise (and writes error response).
func RequireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a standard success JSON response.
func WriteSuccess(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": message,
	})
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteServiceError maps the typed failure taxonomy onto HTTP status codes.
// Rate limit denials carry a Retry-After header so well-behaved clients back
// off instead of polling harder.
func WriteServiceError(w http.ResponseWriter, err error) error {
	var denied *models.RateLimitDeniedError
	if errors.As(err, &denied) {
		w.Header().Set("Retry-After", strconv.Itoa(int(denied.RetryAfter.Seconds())))
		return WriteError(w, http.StatusTooManyRequests, denied.Error())
	}

	switch {
	case errors.Is(err, models.ErrSettingsIncomplete):
		return WriteError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, models.ErrInvalidOrExpiredState),
		errors.Is(err, models.ErrExpiredCode),
		errors.Is(err, models.ErrRedirectURIMismatch):
		return WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrUnknownTenant), errors.Is(err, interfaces.ErrNotFound):
		return WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrNotConnected),
		errors.Is(err, models.ErrNoTenantSelected),
		errors.Is(err, models.ErrReconnectionRequired):
		return WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrUnauthorized),
		errors.Is(err, models.ErrUnauthorizedClient),
		errors.Is(err, models.ErrRefreshFailed):
		return WriteError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, models.ErrRateLimited):
		return WriteError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, models.ErrRemoteUnavailable):
		return WriteError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, models.ErrTimeout):
		return WriteError(w, http.StatusGatewayTimeout, err.Error())
	default:
		return WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// AccountFromRequest resolves the account the request operates on. Falls back
// to the configured default so single-account deployments need no parameter.
func AccountFromRequest(r *http.Request, defaultAccount string) string {
	if account := r.URL.Query().Get("account"); account != "" {
		return account
	}
	return defaultAccount
}
