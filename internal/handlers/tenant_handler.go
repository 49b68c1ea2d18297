package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ledgerlink/internal/interfaces"
)

// TenantHandler exposes the authorized tenant list and selection.
type TenantHandler struct {
	tenants        interfaces.TenantService
	defaultAccount string
	logger         arbor.ILogger
}

// NewTenantHandler creates a tenant handler.
func NewTenantHandler(tenants interfaces.TenantService, defaultAccount string, logger arbor.ILogger) *TenantHandler {
	return &TenantHandler{
		tenants:        tenants,
		defaultAccount: defaultAccount,
		logger:         logger,
	}
}

// ListHandler returns the authorized tenants and the current selection.
func (h *TenantHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	accountID := AccountFromRequest(r, h.defaultAccount)

	response := map[string]interface{}{
		"tenants": h.tenants.Tenants(accountID),
	}
	if selected, ok := h.tenants.Selected(accountID); ok {
		response["selected"] = selected.ID
	}
	WriteJSON(w, http.StatusOK, response)
}

// SelectHandler switches the active tenant.
func (h *TenantHandler) SelectHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	accountID := AccountFromRequest(r, h.defaultAccount)

	var body struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if body.TenantID == "" {
		WriteError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}

	if err := h.tenants.Select(accountID, body.TenantID); err != nil {
		WriteServiceError(w, err)
		return
	}

	h.logger.Info().
		Str("account", accountID).
		Str("tenant", body.TenantID).
		Msg("Tenant selected")

	WriteSuccess(w, "Tenant selected")
}
