package collaboration

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"codepair/internal/middleware"
	"codepair/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: TRANSPORT HUB

The hub is the transport adapter in front of the collaboration core:
one websocket per participant, one room per session. The core never
sees a socket — it consumes submitted actions and produces events; the
hub's whole job is moving bytes between the two.

Fan-out is driven by the event bus: the hub subscribes to lifecycle,
document, and conflict events, so a change made over REST reaches
websocket clients exactly the same way as one made over a socket.
*/

// ClientMessage is one inbound websocket frame: either a core action or
// an ephemeral awareness update.
type ClientMessage struct {
	Action    *Action                `json:"action,omitempty"`
	Awareness *models.AwarenessState `json:"awareness,omitempty"`
}

// Conn is one participant's live websocket connection.
type Conn struct {
	ID         string // connection id
	SessionID  string
	UserID     string
	UserName   string
	ClientID   string // stable per-editor id for awareness
	Socket     *websocket.Conn
	Send       chan []byte // buffered outbound queue
	Hub        *Hub
	LastActive time.Time
}

// outbound is a frame addressed to a session room.
type outbound struct {
	SessionID string
	Message   []byte
	Skip      *Conn  // connection to skip, usually the sender
	SkipUser  string // user id to skip, for bus-originated events
}

// Hub manages every live connection, grouped by session.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]bool // sessionID -> set of connections

	register   chan *Conn
	unregister chan *Conn
	broadcast  chan *outbound

	// Awareness state (cursor positions, selections)
	awareness map[string]map[string]*models.AwarenessState // sessionID -> clientID -> state
	awareMu   sync.RWMutex

	presence *PresenceStore // optional cross-node mirror, nil when redis is off

	done chan struct{}
}

// NewHub creates an idle hub; call Start to run its event loop.
func NewHub() *Hub {
	return &Hub{
		rooms:      make(map[string]map[*Conn]bool),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		broadcast:  make(chan *outbound, 256),
		awareness:  make(map[string]map[string]*models.AwarenessState),
		done:       make(chan struct{}),
	}
}

// SetPresenceStore attaches the optional Redis-backed presence mirror
// and cross-node fan-out.
func (h *Hub) SetPresenceStore(store *PresenceStore) {
	h.presence = store
}

// Start begins the hub event loop and the stale-connection sweep.
func (h *Hub) Start() {
	log.Println("🔄 Starting websocket hub...")

	go func() {
		for {
			select {
			case <-h.done:
				log.Println("Hub shutting down...")
				return
			case conn := <-h.register:
				h.handleRegister(conn)
			case conn := <-h.unregister:
				h.handleUnregister(conn)
			case msg := <-h.broadcast:
				h.handleBroadcast(msg)
			}
		}
	}()

	go h.cleanupLoop()

	if h.presence != nil {
		go h.presence.Relay(h)
	}

	log.Println("✓ Websocket hub started")
}

func (h *Hub) handleRegister(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rooms[conn.SessionID] == nil {
		h.rooms[conn.SessionID] = make(map[*Conn]bool)
	}
	h.rooms[conn.SessionID][conn] = true

	log.Printf("  Connection %s joined session %s (total: %d sockets)",
		conn.ID, conn.SessionID, len(h.rooms[conn.SessionID]))
}

func (h *Hub) handleUnregister(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[conn.SessionID]
	if !ok {
		return
	}
	if _, ok := room[conn]; !ok {
		return
	}

	delete(room, conn)
	close(conn.Send)
	if len(room) == 0 {
		delete(h.rooms, conn.SessionID)
	}

	h.awareMu.Lock()
	if aware, exists := h.awareness[conn.SessionID]; exists {
		delete(aware, conn.ClientID)
	}
	h.awareMu.Unlock()

	log.Printf("  Connection %s left session %s (remaining: %d sockets)",
		conn.ID, conn.SessionID, len(room))
}

func (h *Hub) handleBroadcast(msg *outbound) {
	h.mu.RLock()
	room := h.rooms[msg.SessionID]
	conns := make([]*Conn, 0, len(room))
	for conn := range room {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if msg.Skip != nil && conn == msg.Skip {
			continue
		}
		if msg.SkipUser != "" && conn.UserID == msg.SkipUser {
			continue
		}

		select {
		case conn.Send <- msg.Message:
		default:
			// Buffer full - connection is slow or dead.
			log.Printf("⚠️  Connection %s buffer full, dropping it", conn.ID)
			go h.dropConn(conn)
		}
	}
}

// dropConn queues a connection for unregistration without parking the
// caller forever when the hub loop has already shut down.
func (h *Hub) dropConn(conn *Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
	}
}

// Broadcast queues a frame for every connection in a session room.
func (h *Hub) Broadcast(sessionID string, message []byte, skip *Conn) {
	h.broadcast <- &outbound{SessionID: sessionID, Message: message, Skip: skip}
}

// Bus subscriptions. All fan-out flows through here so REST-originated
// and socket-originated changes reach clients identically.

// OnLifecycleEvent implements LifecycleSubscriber.
func (h *Hub) OnLifecycleEvent(event models.Event) {
	h.publishEvent(event, "")
}

// OnDocumentEvent implements DocumentSubscriber. The author's own
// connection is skipped — they already got the ack from the dispatcher.
func (h *Hub) OnDocumentEvent(event models.Event) {
	skipUser := ""
	if payload, ok := event.Payload.(models.OperationPayload); ok && payload.Operation != nil {
		skipUser = payload.Operation.Author
	}
	h.publishEvent(event, skipUser)
}

// OnConflictEvent implements ConflictSubscriber.
func (h *Hub) OnConflictEvent(event models.Event) {
	h.publishEvent(event, "")
}

func (h *Hub) publishEvent(event models.Event, skipUser string) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("⚠️  Failed to marshal event %s: %v", event.Type, err)
		return
	}

	h.broadcast <- &outbound{SessionID: event.SessionID, Message: data, SkipUser: skipUser}

	if h.presence != nil {
		h.presence.Publish(event.SessionID, data)
	}
}

// UpdateAwareness records a presence update and fans it out to the rest
// of the room.
func (h *Hub) UpdateAwareness(sessionID string, state *models.AwarenessState, from *Conn) {
	h.awareMu.Lock()
	if h.awareness[sessionID] == nil {
		h.awareness[sessionID] = make(map[string]*models.AwarenessState)
	}
	h.awareness[sessionID][state.ClientID] = state
	h.awareMu.Unlock()

	if h.presence != nil {
		h.presence.SetAwareness(context.Background(), sessionID, state)
	}

	data, err := json.Marshal(map[string]any{"type": "awareness", "awareness": state})
	if err != nil {
		return
	}
	h.Broadcast(sessionID, data, from)
}

// Awareness returns all presence states for a session.
func (h *Hub) Awareness(sessionID string) map[string]*models.AwarenessState {
	h.awareMu.RLock()
	defer h.awareMu.RUnlock()

	out := make(map[string]*models.AwarenessState, len(h.awareness[sessionID]))
	for id, st := range h.awareness[sessionID] {
		out[id] = st
	}
	return out
}

// cleanupLoop periodically drops connections that stopped answering
// pings.
func (h *Hub) cleanupLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.cleanup()
		}
	}
}

func (h *Hub) cleanup() {
	h.mu.RLock()
	var stale []*Conn
	now := time.Now()
	for _, room := range h.rooms {
		for conn := range room {
			if now.Sub(conn.LastActive) > 5*time.Minute {
				stale = append(stale, conn)
			}
		}
	}
	h.mu.RUnlock()

	for _, conn := range stale {
		log.Printf("  Cleaning up inactive connection %s", conn.ID)
		h.dropConn(conn)
	}
}

// Shutdown closes every connection and stops the loops.
func (h *Hub) Shutdown() {
	log.Println("🛑 Shutting down websocket hub...")

	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, room := range h.rooms {
		for conn := range room {
			close(conn.Send)
			conn.Socket.Close()
		}
	}
	h.rooms = make(map[string]map[*Conn]bool)

	log.Println("✓ Websocket hub shutdown complete")
}

// Connection pumps

// ReadPump reads frames off the socket, hands actions to the
// dispatcher, and sends the submitter's share of the delivery back on
// this connection. Broadcast fan-out happens via the bus subscriptions.
func (c *Conn) ReadPump(ctx context.Context, dispatcher *Dispatcher) {
	defer func() {
		// Leaving the room on disconnect keeps the role invariants
		// live: a vanished driver is replaced immediately.
		if _, err := dispatcher.Submit(ctx, c.UserID, c.SessionID, Action{Kind: ActionLeave}); err != nil {
			log.Printf("  Leave on disconnect for %s: %v", c.UserID, err)
		}
		c.Hub.dropConn(c)
		c.Socket.Close()
	}()

	c.Socket.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Socket.SetPongHandler(func(string) error {
		c.Socket.SetReadDeadline(time.Now().Add(60 * time.Second))
		c.LastActive = time.Now()
		return nil
	})

	for {
		_, message, err := c.Socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		c.LastActive = time.Now()

		msgCtx, span := middleware.StartSpan(ctx, "WebSocket.ProcessMessage",
			attribute.String("connection.id", c.ID),
			attribute.String("session.id", c.SessionID),
			attribute.Int("message.size", len(message)),
		)

		var inbound ClientMessage
		if err := json.Unmarshal(message, &inbound); err != nil {
			c.sendError(err.Error())
			span.End()
			continue
		}

		switch {
		case inbound.Awareness != nil:
			inbound.Awareness.ClientID = c.ClientID
			c.Hub.UpdateAwareness(c.SessionID, inbound.Awareness, c)

		case inbound.Action != nil:
			delivery, err := dispatcher.Submit(msgCtx, c.UserID, c.SessionID, *inbound.Action)
			if err != nil {
				middleware.AddSpanError(msgCtx, err)
				c.sendError(err.Error())
				break
			}
			for _, event := range delivery.ToSubmitter {
				if data, err := json.Marshal(event); err == nil {
					c.queue(data)
				}
			}

		default:
			c.sendError("frame carries neither action nor awareness")
		}

		span.End()
	}
}

// WritePump drains the send queue to the socket. A separate goroutine
// per connection so a slow client never blocks the hub.
func (c *Conn) WritePump(ctx context.Context) {
	ticker := time.NewTicker(54 * time.Second) // ping interval
	defer func() {
		ticker.Stop()
		c.Socket.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Socket.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Socket.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Socket.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.Socket.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) queue(data []byte) {
	select {
	case c.Send <- data:
	default:
		log.Printf("⚠️  Connection %s send queue full", c.ID)
	}
}

func (c *Conn) sendError(msg string) {
	data, err := json.Marshal(map[string]string{"type": "error", "error": msg})
	if err != nil {
		return
	}
	c.queue(data)
}
