package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"chatsync/errs"
	"chatsync/middleware"
	"chatsync/models"
)

// GetChats lists the caller's chats, most recently active first.
func (h *Handler) GetChats(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r)
	if !ok {
		h.writeError(w, r, errs.Authentication("AUTH_REQUIRED", "Unauthorized", nil))
		return
	}

	chats, err := h.chat.ListChats(r.Context(), user.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if chats == nil {
		chats = []models.ChatWithDetails{}
	}
	writeJSON(w, http.StatusOK, chats)
}

// CreateChat creates a chat, or returns the existing direct chat with 200
// when the pair already has one.
func (h *Handler) CreateChat(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r)
	if !ok {
		h.writeError(w, r, errs.Authentication("AUTH_REQUIRED", "Unauthorized", nil))
		return
	}

	var req models.CreateChatRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	chat, created, err := h.chat.CreateChat(r.Context(), user, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, chat)
}

// LeaveChat ends the caller's own membership.
func (h *Handler) LeaveChat(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r)
	if !ok {
		h.writeError(w, r, errs.Authentication("AUTH_REQUIRED", "Unauthorized", nil))
		return
	}

	if err := h.chat.RemoveMember(r.Context(), user.UserID, mux.Vars(r)["chatId"], user.UserID); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// RemoveMember ends another participant's membership of a group chat.
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r)
	if !ok {
		h.writeError(w, r, errs.Authentication("AUTH_REQUIRED", "Unauthorized", nil))
		return
	}

	vars := mux.Vars(r)
	if err := h.chat.RemoveMember(r.Context(), user.UserID, vars["chatId"], vars["userId"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
