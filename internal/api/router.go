package api

import (
	"net/http"

	"codepair/internal/middleware"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler) *mux.Router {
	r := mux.NewRouter()

	// Middleware order: tracing first, then recovery, then CORS.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	api := r.PathPrefix("/api").Subrouter()

	// User endpoints
	api.HandleFunc("/users", h.CreateUser).Methods("POST")
	api.HandleFunc("/users/{id}", h.GetUser).Methods("GET")

	// Session endpoints
	api.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", h.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/join", h.JoinSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/leave", h.LeaveSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/role", h.ChangeRole).Methods("POST")
	api.HandleFunc("/sessions/{id}/start", h.StartSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/end", h.EndSession).Methods("POST")

	// Document endpoints
	api.HandleFunc("/sessions/{id}/document", h.GetDocument).Methods("GET")
	api.HandleFunc("/sessions/{id}/sync", h.GetSyncState).Methods("GET")
	api.HandleFunc("/sessions/{id}/history", h.GetHistory).Methods("GET")

	// Health check endpoint
	api.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// WebSocket routes
	r.HandleFunc("/ws/session/{id}", h.HandleSessionWebSocket)

	return r
}
