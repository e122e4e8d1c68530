package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"codepair/internal/crdt"
	"codepair/internal/models"
	"codepair/internal/repository"
	"codepair/internal/services/collaboration"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests for the session and document surface.
type Handler struct {
	registry    *collaboration.Registry             // concrete type for now
	coordinator Coordinator                         // interface defined in this package
	engine      DocumentEngine                      // interface defined in this package
	users       *repository.UserRepositoryImpl      // identity collaborator
	history     *repository.OperationRepositoryImpl // durable operation log
	wsHandler   *collaboration.WebSocketHandler
}

// DocumentEngine is what handlers need from the CRDT engine.
type DocumentEngine interface {
	State(documentID string) (*crdt.DocumentState, error)
	SyncState(documentID string) (*crdt.SyncState, error)
	OperationsSince(documentID string, version uint64) ([]crdt.Operation, error)
}

func NewHandler(
	registry *collaboration.Registry,
	coordinator Coordinator,
	engine DocumentEngine,
	users *repository.UserRepositoryImpl,
	history *repository.OperationRepositoryImpl,
	wsHandler *collaboration.WebSocketHandler,
) *Handler {
	return &Handler{
		registry:    registry,
		coordinator: coordinator,
		engine:      engine,
		users:       users,
		history:     history,
		wsHandler:   wsHandler,
	}
}

// User handlers

type createUserRequest struct {
	Name string `json:"name"`
}

func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}

	user := models.NewUser(req.Name)
	if err := h.users.Create(r.Context(), user); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.users.GetUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// Session handlers

type createSessionRequest struct {
	HostID   string                  `json:"host_id"`
	Name     string                  `json:"name"`
	Settings *models.SessionSettings `json:"settings,omitempty"`
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.HostID == "" {
		http.Error(w, "host_id is required", http.StatusBadRequest)
		return
	}

	settings := models.DefaultSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}

	session, err := h.registry.CreateSession(r.Context(), req.HostID, req.Name, settings)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.registry.ListSessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.registry.GetSession(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// Action handlers. Each one funnels through the coordinator so REST and
// websocket clients share a single permission-checked path.

type actionRequest struct {
	UserID       string      `json:"user_id"`
	TargetUserID string      `json:"target_user_id,omitempty"`
	Role         models.Role `json:"role,omitempty"`
}

func (h *Handler) submitAction(w http.ResponseWriter, r *http.Request, kind collaboration.ActionKind) {
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	delivery, err := h.coordinator.Submit(r.Context(), req.UserID, mux.Vars(r)["id"], collaboration.Action{
		Kind:         kind,
		Role:         req.Role,
		TargetUserID: req.TargetUserID,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, delivery)
}

func (h *Handler) JoinSession(w http.ResponseWriter, r *http.Request) {
	h.submitAction(w, r, collaboration.ActionJoin)
}

func (h *Handler) LeaveSession(w http.ResponseWriter, r *http.Request) {
	h.submitAction(w, r, collaboration.ActionLeave)
}

func (h *Handler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	h.submitAction(w, r, collaboration.ActionChangeRole)
}

func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	h.submitAction(w, r, collaboration.ActionStart)
}

func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	h.submitAction(w, r, collaboration.ActionEnd)
}

// Document handlers

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	state, err := h.engine.State(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) GetSyncState(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["id"]

	if sinceStr := r.URL.Query().Get("since_version"); sinceStr != "" {
		since, err := strconv.ParseUint(sinceStr, 10, 64)
		if err != nil {
			http.Error(w, "since_version must be a number", http.StatusBadRequest)
			return
		}
		ops, err := h.engine.OperationsSince(sessionID, since)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
		return
	}

	state, err := h.engine.SyncState(sessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.history.ListBySession(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": records})
}

// WebSocket endpoint

func (h *Handler) HandleSessionWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleSessionConnection(w, r)
}

// Helpers

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps core error kinds to HTTP status codes. Unknown errors
// stay 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrUserNotFound),
		errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, crdt.ErrDocumentNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrSessionFull),
		errors.Is(err, models.ErrSessionNotJoinable):
		status = http.StatusConflict
	case errors.Is(err, models.ErrPermissionDenied),
		errors.Is(err, models.ErrUserNotInSession):
		status = http.StatusForbidden
	}
	http.Error(w, err.Error(), status)
}
