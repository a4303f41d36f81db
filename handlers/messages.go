package handlers

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"chatsync/errs"
	"chatsync/middleware"
	"chatsync/models"
)

type markReadRequest struct {
	MessageID string `json:"messageId"`
}

// GetMessages returns one page of chat history. Without a cursor the page is
// anchored on the caller's first unread message.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r)
	if !ok {
		h.writeError(w, r, errs.Authentication("AUTH_REQUIRED", "Unauthorized", nil))
		return
	}

	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 0 {
			h.writeError(w, r, errs.Validation("Invalid limit", map[string]string{"limit": "must be a positive integer"}))
			return
		}
		limit = parsed
	}

	page, err := h.chat.GetPage(r.Context(), user.UserID, mux.Vars(r)["chatId"], limit, r.URL.Query().Get("cursor"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if page.Messages == nil {
		page.Messages = []models.Message{}
	}
	writeJSON(w, http.StatusOK, page)
}

// MarkAsRead advances the caller's read watermark in a chat.
func (h *Handler) MarkAsRead(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r)
	if !ok {
		h.writeError(w, r, errs.Authentication("AUTH_REQUIRED", "Unauthorized", nil))
		return
	}

	var req markReadRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.MessageID == "" {
		h.writeError(w, r, errs.Validation("Message id is required", map[string]string{"messageId": "is required"}))
		return
	}

	advanced, err := h.chat.MarkRead(r.Context(), user.UserID, mux.Vars(r)["chatId"], req.MessageID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true, "advanced": advanced})
}

// EditMessage replaces the content of one of the caller's messages.
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r)
	if !ok {
		h.writeError(w, r, errs.Authentication("AUTH_REQUIRED", "Unauthorized", nil))
		return
	}

	var req models.EditMessageRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	vars := mux.Vars(r)
	msg, err := h.chat.EditMessage(r.Context(), user.UserID, vars["chatId"], vars["messageId"], req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// DeleteMessage soft-deletes a message.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r)
	if !ok {
		h.writeError(w, r, errs.Authentication("AUTH_REQUIRED", "Unauthorized", nil))
		return
	}

	vars := mux.Vars(r)
	msg, err := h.chat.DeleteMessage(r.Context(), user.UserID, vars["chatId"], vars["messageId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}
