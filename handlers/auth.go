package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"chatsync/errs"
	"chatsync/middleware"
	"chatsync/models"
)

type sessionResponse struct {
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Me returns the identity behind the current session.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r)
	if !ok {
		h.writeError(w, r, errs.Authentication("AUTH_REQUIRED", "Not authenticated", nil))
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{UserID: user.UserID, Username: user.Username, ExpiresAt: user.ExpiresAt})
}

// RefreshSession re-issues the session cookie from a still valid token and
// records the user's display name for message payloads.
func (h *Handler) RefreshSession(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUserFromContext(r)
	if !ok {
		h.writeError(w, r, errs.Authentication("AUTH_REQUIRED", "Not authenticated", nil))
		return
	}

	token, expiresAt, err := h.sessions.Issue(user.UserID, user.Username)
	if err != nil {
		h.writeError(w, r, errs.Internal("failed to issue session", err))
		return
	}
	if err := h.users.UpsertUser(r.Context(), models.User{ID: user.UserID, Username: user.Username}); err != nil {
		h.log.Warn("failed to record user", zap.String("user_id", user.UserID), zap.Error(err))
	}

	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"session": sessionResponse{UserID: user.UserID, Username: user.Username, ExpiresAt: expiresAt},
	})
}

// Logout clears the session cookie. Tokens are stateless, so nothing is
// revoked server side.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
