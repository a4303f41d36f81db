// Package handlers exposes the chat core over HTTP: history pages, chat
// listing and creation, message actions, presence lookups, the session
// cookie and the websocket upgrade.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"chatsync/auth"
	"chatsync/errs"
	"chatsync/models"
)

type ChatService interface {
	GetPage(ctx context.Context, userID, chatID string, limit int, cursor string) (*models.Page, error)
	MarkRead(ctx context.Context, userID, chatID, messageID string) (bool, error)
	EditMessage(ctx context.Context, actorID, chatID, messageID string, req models.EditMessageRequest) (*models.Message, error)
	DeleteMessage(ctx context.Context, actorID, chatID, messageID string) (*models.Message, error)
	CreateChat(ctx context.Context, creator auth.Principal, req models.CreateChatRequest) (*models.ChatWithDetails, bool, error)
	ListChats(ctx context.Context, userID string) ([]models.ChatWithDetails, error)
	RemoveMember(ctx context.Context, actorID, chatID, targetID string) error
}

type PresenceService interface {
	Get(ctx context.Context, userID string) (*models.Presence, error)
}

type Users interface {
	UpsertUser(ctx context.Context, u models.User) error
	Ping(ctx context.Context) error
}

type Sessions interface {
	Issue(userID, username string) (string, time.Time, error)
	Verify(token string) (auth.Principal, error)
}

type Gateway interface {
	Serve(w http.ResponseWriter, r *http.Request, p auth.Principal)
}

type Handler struct {
	chat       ChatService
	presence   PresenceService
	users      Users
	sessions   Sessions
	gateway    Gateway
	cookieName string
	log        *zap.Logger
}

func New(chat ChatService, presence PresenceService, users Users, sessions Sessions, gw Gateway, cookieName string, log *zap.Logger) *Handler {
	return &Handler{
		chat:       chat,
		presence:   presence,
		users:      users,
		sessions:   sessions,
		gateway:    gw,
		cookieName: cookieName,
		log:        log.Named("handlers"),
	}
}

type errorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Fields map[string]string `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status by kind. Internal errors are logged and
// their details withheld.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errs.KindOf(err)
	resp := errorResponse{Code: errs.CodeOf(err), Fields: errs.FieldsOf(err)}

	var e *errs.Error
	switch {
	case kind == errs.KindInternal:
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		resp.Error = "Internal server error"
	case errors.As(err, &e):
		resp.Error = e.Message
	default:
		resp.Error = err.Error()
	}
	if kind == errs.KindRetryable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, errs.HTTPStatus(kind), resp)
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errs.Validation("Invalid request body", nil)
	}
	return nil
}
