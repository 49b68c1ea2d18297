package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ledgerlink/internal/interfaces"
)

// SchedulerHandler exposes the background job states and manual triggers.
type SchedulerHandler struct {
	scheduler interfaces.SchedulerService
	logger    arbor.ILogger
}

// NewSchedulerHandler creates a scheduler handler.
func NewSchedulerHandler(scheduler interfaces.SchedulerService, logger arbor.ILogger) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler: scheduler,
		logger:    logger,
	}
}

// ListJobsHandler returns every registered job's status.
func (h *SchedulerHandler) ListJobsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"running": h.scheduler.IsRunning(),
		"jobs":    h.scheduler.GetAllJobStatuses(),
	})
}

// TriggerJobHandler runs a job immediately.
func (h *SchedulerHandler) TriggerJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		WriteError(w, http.StatusBadRequest, "name parameter is required")
		return
	}

	if err := h.scheduler.TriggerJob(name); err != nil {
		WriteError(w, http.StatusConflict, err.Error())
		return
	}
	WriteSuccess(w, "Job triggered")
}
