package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/curo/internal/common"
	"github.com/ternarybob/curo/internal/interfaces"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope every broadcast uses
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebSocketHandler fans job lifecycle events out to connected clients.
// Progress events are high frequency and pass through a rate limiter so a
// busy job cannot flood slow clients.
type WebSocketHandler struct {
	logger      arbor.ILogger
	clients     map[*websocket.Conn]bool
	clientMutex map[*websocket.Conn]*sync.Mutex
	mu          sync.RWMutex

	eventService      interfaces.EventService
	allowedEvents     map[string]bool // whitelist, empty = allow all
	progressThrottler *rate.Limiter

	// Unique per startup; clients use it to detect a server restart and
	// drop any state tied to the previous process.
	serverInstanceID string
}

func NewWebSocketHandler(eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		eventService:     eventService,
		allowedEvents:    make(map[string]bool),
		serverInstanceID: uuid.New().String(),
	}

	if config != nil && len(config.AllowedEvents) > 0 {
		for _, eventType := range config.AllowedEvents {
			h.allowedEvents[eventType] = true
		}
	}

	// Throttle only when an interval is configured; nil limiter = no throttling
	if config != nil {
		if intervalStr, ok := config.ThrottleIntervals["job_progress"]; ok {
			if duration, err := time.ParseDuration(intervalStr); err == nil {
				h.progressThrottler = rate.NewLimiter(rate.Every(duration), 1)
			} else {
				logger.Warn().
					Err(err).
					Str("interval", intervalStr).
					Msg("Failed to parse job_progress throttle interval - throttler disabled")
			}
		}
	}

	if eventService != nil {
		h.subscribeToJobEvents()
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized")
	return h
}

// HandleWebSocket upgrades the connection and keeps it registered until
// the client goes away.
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

	h.sendHello(conn)

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		remaining := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	// Drain client messages to keep the connection alive
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// Broadcast sends one message to every connected client
func (h *WebSocketHandler) Broadcast(msgType string, payload interface{}) {
	data, err := json.Marshal(WSMessage{Type: msgType, Payload: payload})
	if err != nil {
		h.logger.Error().Err(err).Str("message_type", msgType).Msg("Failed to marshal WebSocket message")
		return
	}

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
		err := conn.WriteMessage(websocket.TextMessage, data)
		mutex.Unlock()

		if err != nil {
			h.logger.Warn().Err(err).Str("message_type", msgType).Msg("Failed to send message to client")
		}
	}
}

func (h *WebSocketHandler) sendHello(conn *websocket.Conn) {
	data, err := json.Marshal(WSMessage{
		Type: "hello",
		Payload: map[string]string{
			"service":            "curo",
			"server_instance_id": h.serverInstanceID,
		},
	})
	if err != nil {
		return
	}

	h.mu.RLock()
	mutex := h.clientMutex[conn]
	h.mu.RUnlock()

	if mutex != nil {
		mutex.Lock()
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Warn().Err(err).Msg("Failed to send hello message")
		}
		mutex.Unlock()
	}
}

func (h *WebSocketHandler) allowed(eventType string) bool {
	return len(h.allowedEvents) == 0 || h.allowedEvents[eventType]
}

func (h *WebSocketHandler) subscribeToJobEvents() {
	h.eventService.Subscribe(interfaces.EventJobCreated, func(ctx context.Context, event interfaces.Event) error {
		if h.allowed(string(interfaces.EventJobCreated)) {
			h.Broadcast(string(interfaces.EventJobCreated), event.Payload)
		}
		return nil
	})

	h.eventService.Subscribe(interfaces.EventJobStatusChange, func(ctx context.Context, event interfaces.Event) error {
		if h.allowed(string(interfaces.EventJobStatusChange)) {
			h.Broadcast(string(interfaces.EventJobStatusChange), event.Payload)
		}
		return nil
	})

	h.eventService.Subscribe(interfaces.EventOperationCompleted, func(ctx context.Context, event interfaces.Event) error {
		if h.allowed(string(interfaces.EventOperationCompleted)) {
			h.Broadcast(string(interfaces.EventOperationCompleted), event.Payload)
		}
		return nil
	})

	h.eventService.Subscribe(interfaces.EventJobProgress, func(ctx context.Context, event interfaces.Event) error {
		if !h.allowed(string(interfaces.EventJobProgress)) {
			return nil
		}
		// Progress fires on every operation transition; drop excess
		// updates rather than queueing them.
		if h.progressThrottler != nil && !h.progressThrottler.Allow() {
			return nil
		}
		h.Broadcast(string(interfaces.EventJobProgress), event.Payload)
		return nil
	})
}
