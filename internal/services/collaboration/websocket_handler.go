package collaboration

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"codepair/internal/middleware"
	"codepair/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, validate origin properly
		return true
	},
}

// WebSocketHandler upgrades HTTP requests into live session
// connections.
type WebSocketHandler struct {
	hub        *Hub
	dispatcher *Dispatcher
}

// NewWebSocketHandler creates a handler bound to the hub and
// dispatcher.
func NewWebSocketHandler(hub *Hub, dispatcher *Dispatcher) *WebSocketHandler {
	return &WebSocketHandler{hub: hub, dispatcher: dispatcher}
}

// HandleSessionConnection joins the user into the session, upgrades the
// connection, and starts the read/write pumps.
func (h *WebSocketHandler) HandleSessionConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := mux.Vars(r)["id"]

	// User identity comes from query params; auth proper lives in
	// front of this server.
	userID := r.URL.Query().Get("user_id")
	userName := r.URL.Query().Get("user_name")
	clientID := r.URL.Query().Get("client_id")

	if userID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if clientID == "" {
		clientID = uuid.NewString()
	}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("session.id", sessionID),
		attribute.String("user.id", userID),
	)
	defer span.End()

	role := models.Role(r.URL.Query().Get("role"))
	delivery, err := h.dispatcher.Submit(ctx, userID, sessionID, Action{Kind: ActionJoin, Role: role})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	c := &Conn{
		ID:         ksuid.New().String(),
		SessionID:  sessionID,
		UserID:     userID,
		UserName:   userName,
		ClientID:   clientID,
		Socket:     conn,
		Send:       make(chan []byte, 256),
		Hub:        h.hub,
		LastActive: time.Now(),
	}

	h.hub.register <- c
	h.sendInitialState(c, delivery)

	// Separate goroutines prevent deadlock between reading and writing.
	go c.WritePump(ctx)
	go c.ReadPump(ctx, h.dispatcher)

	log.Printf("✓ WebSocket connection established for session %s (user: %s)", sessionID, userID)
}

// sendInitialState pushes the join delivery and the room's awareness
// states to a fresh connection.
func (h *WebSocketHandler) sendInitialState(c *Conn, delivery *Delivery) {
	for _, event := range delivery.ToSubmitter {
		if data, err := json.Marshal(event); err == nil {
			c.queue(data)
		}
	}

	if aware := h.hub.Awareness(c.SessionID); len(aware) > 0 {
		if data, err := json.Marshal(map[string]any{"type": "awareness", "awareness": aware}); err == nil {
			c.queue(data)
		}
	}
}

// statusForError maps core error kinds onto HTTP status codes for the
// pre-upgrade failure path.
func statusForError(err error) int {
	switch {
	case errors.Is(err, models.ErrSessionNotFound), errors.Is(err, models.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrSessionFull), errors.Is(err, models.ErrSessionNotJoinable):
		return http.StatusConflict
	case errors.Is(err, models.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrUserNotInSession):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}
