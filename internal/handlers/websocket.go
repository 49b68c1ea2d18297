package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/ledgerlink/internal/interfaces"
	"github.com/ternarybob/ledgerlink/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WebSocketHandler pushes connection status changes and log entries to
// connected browser clients. Each client connection has its own write mutex
// because gorilla/websocket permits only one concurrent writer.
type WebSocketHandler struct {
	logger           arbor.ILogger
	connection       interfaces.ConnectionService
	defaultAccount   string
	clients          map[*websocket.Conn]bool
	clientMutex      map[*websocket.Conn]*sync.Mutex
	mu               sync.RWMutex
	serverInstanceID string // Unique ID per startup - clients clear state on change
}

// WSMessage is the envelope for every pushed message.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// LogEntry is one log line pushed to the UI.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// NewWebSocketHandler creates the status event hub.
func NewWebSocketHandler(connection interfaces.ConnectionService, defaultAccount string, logger arbor.ILogger) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		connection:       connection,
		defaultAccount:   defaultAccount,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		serverInstanceID: uuid.New().String(),
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized")

	return h
}

// HandleWebSocket handles WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = &sync.Mutex{}
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Msgf("WebSocket client connected (total: %d)", clientCount)

	// Send the current connection status so a fresh client renders
	// immediately instead of waiting for the next transition.
	h.sendInitialStatus(conn, r)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	// Read messages from client (keep connection alive)
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// sendInitialStatus pushes the current status to a newly connected client.
func (h *WebSocketHandler) sendInitialStatus(conn *websocket.Conn, r *http.Request) {
	accountID := AccountFromRequest(r, h.defaultAccount)

	status, err := h.connection.CheckStatus(r.Context(), accountID)
	if err != nil {
		h.logger.Debug().Err(err).Msg("Skipping initial status push")
		return
	}

	msg := WSMessage{
		Type: "connection_status",
		Payload: map[string]interface{}{
			"status":           status,
			"serverInstanceId": h.serverInstanceID,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()
	if mutex == nil {
		return
	}

	mutex.Lock()
	defer mutex.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Warn().Err(err).Msg("Failed to send initial status to client")
	}
}

// BroadcastConnectionStatus pushes a state transition to every client. Wired
// as a connection service status listener.
func (h *WebSocketHandler) BroadcastConnectionStatus(status *models.ConnectionStatus) {
	h.broadcast(WSMessage{
		Type: "connection_status",
		Payload: map[string]interface{}{
			"status":           status,
			"serverInstanceId": h.serverInstanceID,
		},
	})
}

// BroadcastSyncResult pushes a finished resource load to every client.
func (h *WebSocketHandler) BroadcastSyncResult(result *models.ResourceResult) {
	h.broadcast(WSMessage{
		Type:    "sync_result",
		Payload: result,
	})
}

// BroadcastLog sends a log entry to all connected clients. Called from the
// arbor channel writer; must never log through the same logger or every
// entry would fan out into another broadcast.
func (h *WebSocketHandler) BroadcastLog(entry LogEntry) {
	msg := WSMessage{
		Type:    "log",
		Payload: entry,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.writeToAll(data)
}

func (h *WebSocketHandler) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}
	h.writeToAll(data)
}

func (h *WebSocketHandler) writeToAll(data []byte) {
	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		mutex := mutexes[i]
		mutex.Lock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send message to WebSocket client")
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
