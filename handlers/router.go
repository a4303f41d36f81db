package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"chatsync/metrics"
	"chatsync/middleware"
)

// Router wires every endpoint. Everything except health, metrics and logout
// requires a session token.
func (h *Handler) Router(m *metrics.Metrics) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Logging(h.log))

	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	if m != nil {
		r.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}
	r.HandleFunc("/session/logout", h.Logout).Methods(http.MethodPost)

	api := r.NewRoute().Subrouter()
	api.Use(middleware.Auth(h.sessions, h.cookieName, m, h.log))

	api.HandleFunc("/session", h.Me).Methods(http.MethodGet)
	api.HandleFunc("/session/refresh", h.RefreshSession).Methods(http.MethodPost)

	api.HandleFunc("/chats", h.GetChats).Methods(http.MethodGet)
	api.HandleFunc("/chats", h.CreateChat).Methods(http.MethodPost)
	api.HandleFunc("/chats/{chatId}/messages", h.GetMessages).Methods(http.MethodGet)
	api.HandleFunc("/chats/{chatId}/read", h.MarkAsRead).Methods(http.MethodPost)
	api.HandleFunc("/chats/{chatId}/leave", h.LeaveChat).Methods(http.MethodPost)
	api.HandleFunc("/chats/{chatId}/members/{userId}", h.RemoveMember).Methods(http.MethodDelete)
	api.HandleFunc("/chats/{chatId}/messages/{messageId}", h.EditMessage).Methods(http.MethodPatch)
	api.HandleFunc("/chats/{chatId}/messages/{messageId}", h.DeleteMessage).Methods(http.MethodDelete)

	api.HandleFunc("/users/{userId}/presence", h.GetPresence).Methods(http.MethodGet)

	api.HandleFunc("/ws", h.HandleWebSocket).Methods(http.MethodGet)
	return r
}
