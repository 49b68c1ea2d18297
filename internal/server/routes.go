package server

import (
	"net/http"

	"github.com/ternarybob/ledgerlink/internal/common"
	"github.com/ternarybob/ledgerlink/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route (status and log streaming)
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Connection settings
	mux.HandleFunc("/api/connection/settings", s.handleSettingsRoute)

	// API routes - Connection lifecycle
	mux.HandleFunc("/api/connection/authorize", s.app.ConnectionHandler.AuthorizeHandler)   // POST - start authorization
	mux.HandleFunc("/api/connection/callback", s.app.ConnectionHandler.CallbackHandler)     // GET - OAuth2 redirect target
	mux.HandleFunc("/api/connection/refresh", s.app.ConnectionHandler.RefreshHandler)       // POST - force token refresh
	mux.HandleFunc("/api/connection/disconnect", s.app.ConnectionHandler.DisconnectHandler) // POST - drop tokens
	mux.HandleFunc("/api/connection/status", s.app.ConnectionHandler.StatusHandler)         // GET - connection status

	// API routes - Tenants
	mux.HandleFunc("/api/tenants", s.app.TenantHandler.ListHandler)
	mux.HandleFunc("/api/tenants/select", s.app.TenantHandler.SelectHandler)

	// API routes - Sync
	mux.HandleFunc("/api/sync/resource", s.app.SyncHandler.LoadResourceHandler)
	mux.HandleFunc("/api/sync/all", s.app.SyncHandler.LoadAllHandler)

	// API routes - Scheduler
	mux.HandleFunc("/api/scheduler/jobs", s.app.SchedulerHandler.ListJobsHandler)
	mux.HandleFunc("/api/scheduler/trigger", s.app.SchedulerHandler.TriggerJobHandler)

	// API routes - Rate limiter
	mux.HandleFunc("/api/ratelimit", s.app.RateLimitHandler.SnapshotHandler)
	mux.HandleFunc("/api/ratelimit/reset", s.app.RateLimitHandler.ResetHandler)

	// API routes - System
	mux.HandleFunc("/api/version", handlers.VersionHandler)
	mux.HandleFunc("/api/health", s.healthHandler)

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.notFoundHandler)

	return mux
}

// handleSettingsRoute routes /api/connection/settings requests
func (s *Server) handleSettingsRoute(w http.ResponseWriter, r *http.Request) {
	RouteCRUD(w, r,
		s.app.ConnectionHandler.GetSettingsHandler,
		s.app.ConnectionHandler.SaveSettingsHandler,
		s.app.ConnectionHandler.SaveSettingsHandler,
		s.app.ConnectionHandler.DeleteSettingsHandler)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	handlers.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"version":    common.GetVersion(),
		"goroutines": common.GetGoroutineCount(),
		"ws_clients": s.app.WSHandler.ClientCount(),
	})
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	handlers.WriteError(w, http.StatusNotFound, "Not found")
}
