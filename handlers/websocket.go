package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"chatsync/errs"
	"chatsync/middleware"
	"chatsync/models"
)

// HandleWebSocket upgrades an authenticated request. The token was checked by
// the auth middleware before the handshake, so a bad token never gets a socket.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r)
	if !ok {
		h.writeError(w, r, errs.Authentication("AUTH_REQUIRED", "Unauthorized", nil))
		return
	}

	if err := h.users.UpsertUser(r.Context(), models.User{ID: user.UserID, Username: user.Username}); err != nil {
		h.log.Warn("failed to record user", zap.String("user_id", user.UserID), zap.Error(err))
	}

	h.gateway.Serve(w, r, user)
}
