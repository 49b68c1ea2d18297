package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ledgerlink/internal/interfaces"
)

// SyncHandler exposes the data load operations.
type SyncHandler struct {
	sync             interfaces.SyncService
	defaultAccount   string
	defaultResources []string
	logger           arbor.ILogger
}

// NewSyncHandler creates a sync handler.
func NewSyncHandler(sync interfaces.SyncService, defaultAccount string, defaultResources []string, logger arbor.ILogger) *SyncHandler {
	return &SyncHandler{
		sync:             sync,
		defaultAccount:   defaultAccount,
		defaultResources: defaultResources,
		logger:           logger,
	}
}

// LoadResourceHandler fetches one resource type for one tenant.
func (h *SyncHandler) LoadResourceHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	accountID := AccountFromRequest(r, h.defaultAccount)

	var body struct {
		Resource string `json:"resource"`
		TenantID string `json:"tenant_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if body.Resource == "" {
		WriteError(w, http.StatusBadRequest, "resource is required")
		return
	}

	result, err := h.sync.LoadResource(r.Context(), accountID, body.Resource, body.TenantID)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// LoadAllHandler runs a sequential bulk load over the requested resource
// types, defaulting to the configured set.
func (h *SyncHandler) LoadAllHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}
	accountID := AccountFromRequest(r, h.defaultAccount)

	var body struct {
		Resources []string `json:"resources"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			WriteError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}

	resources := body.Resources
	if len(resources) == 0 {
		resources = h.defaultResources
	}
	if len(resources) == 0 {
		WriteError(w, http.StatusBadRequest, "no resources requested and no defaults configured")
		return
	}

	batch, err := h.sync.LoadAll(r.Context(), accountID, resources)
	if err != nil {
		WriteServiceError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, batch)
}
