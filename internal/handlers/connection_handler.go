package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ledgerlink/internal/interfaces"
	"github.com/ternarybob/ledgerlink/internal/models"
)

// ConnectionHandler exposes the connection lifecycle over HTTP: settings
// management, the OAuth2 authorize/callback pair, refresh, disconnect and
// status.
type ConnectionHandler struct {
	connection     interfaces.ConnectionService
	defaultAccount string
	logger         arbor.ILogger
}

// NewConnectionHandler creates a connection handler.
func NewConnectionHandler(connection interfaces.ConnectionService, defaultAccount string, logger arbor.ILogger) *ConnectionHandler {
	return &ConnectionHandler{
		connection:     connection,
		defaultAccount: defaultAccount,
		logger:         logger,
	}
}

// GetSettingsHandler returns the stored settings with the secret redacted.
func (h *ConnectionHandler) GetSettingsHandler(w http.ResponseWriter, r *http.Request) {
	accountID := AccountFromRequest(r, h.defaultAccount)

	settings, err := h.connection.GetSettings(r.Context(), accountID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, settings)
}

// SaveSettingsHandler validates and stores the OAuth2 client settings.
func (h *ConnectionHandler) SaveSettingsHandler(w http.ResponseWriter, r *http.Request) {
	accountID := AccountFromRequest(r, h.defaultAccount)

	var settings models.ConnectionSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	settings.AccountID = accountID

	if err := h.connection.SaveSettings(r.Context(), &settings); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteSuccess(w, "Connection settings saved")
}

// DeleteSettingsHandler removes the settings and disconnects the account.
func (h *ConnectionHandler) DeleteSettingsHandler(w http.ResponseWriter, r *http.Request) {
	accountID := AccountFromRequest(r, h.defaultAccount)

	if err := h.connection.DeleteSettings(r.Context(), accountID); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteSuccess(w, "Connection settings deleted")
}

// AuthorizeHandler starts the OAuth2 flow and returns the provider URL the
// user's browser should be sent to.
func (h *ConnectionHandler) AuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	accountID := AccountFromRequest(r, h.defaultAccount)

	authorizeURL, err := h.connection.StartAuth(r.Context(), accountID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{
		"authorize_url": authorizeURL,
	})
}

// CallbackHandler receives the provider redirect carrying the authorization
// code and the state nonce.
func (h *ConnectionHandler) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	query := r.URL.Query()
	if errCode := query.Get("error"); errCode != "" {
		h.logger.Warn().
			Str("error", errCode).
			Str("description", query.Get("error_description")).
			Msg("Authorization denied at provider")
		WriteError(w, http.StatusBadRequest, "authorization denied: "+errCode)
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		WriteError(w, http.StatusBadRequest, "missing code or state parameter")
		return
	}

	status, err := h.connection.HandleCallback(r.Context(), code, state)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}

// RefreshHandler forces a token refresh.
func (h *ConnectionHandler) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	accountID := AccountFromRequest(r, h.defaultAccount)

	if err := h.connection.RefreshToken(r.Context(), accountID); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteSuccess(w, "Token refreshed")
}

// DisconnectHandler drops the stored token set and tenant list.
func (h *ConnectionHandler) DisconnectHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	accountID := AccountFromRequest(r, h.defaultAccount)

	if err := h.connection.Disconnect(r.Context(), accountID); err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteSuccess(w, "Disconnected")
}

// StatusHandler reports the current connection status.
func (h *ConnectionHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	accountID := AccountFromRequest(r, h.defaultAccount)

	status, err := h.connection.CheckStatus(r.Context(), accountID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, status)
}
