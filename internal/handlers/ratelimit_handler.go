package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ledgerlink/internal/interfaces"
)

// RateLimitHandler exposes the call budget counters and the manual reset.
type RateLimitHandler struct {
	limiter interfaces.RateLimiter
	logger  arbor.ILogger
}

// NewRateLimitHandler creates a rate limit handler.
func NewRateLimitHandler(limiter interfaces.RateLimiter, logger arbor.ILogger) *RateLimitHandler {
	return &RateLimitHandler{
		limiter: limiter,
		logger:  logger,
	}
}

// SnapshotHandler returns the current budget counters.
func (h *RateLimitHandler) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, h.limiter.Snapshot())
}

// ResetHandler closes the circuit and clears all per-key counters. Meant for
// an operator who has confirmed the remote is healthy again.
func (h *RateLimitHandler) ResetHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	h.limiter.Reset()
	h.logger.Info().Msg("Rate limiter reset by operator")
	WriteSuccess(w, "Rate limiter reset")
}
