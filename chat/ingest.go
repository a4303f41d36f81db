package chat

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/auth"
	"chatsync/database"
	"chatsync/errs"
	"chatsync/fanout"
	"chatsync/models"
)

// Send validates and persists a message, then publishes it to the chat's room.
// The returned payload carries the server id and timestamp for the ack.
func (s *Service) Send(ctx context.Context, sender auth.Principal, req models.SendMessageRequest) (*models.MessagePayload, error) {
	if req.ContentType == "" {
		req.ContentType = models.ContentText
	}
	if err := checkSend(req); err != nil {
		return nil, err
	}
	if _, err := s.Authorize(ctx, req.ChatID, sender.UserID); err != nil {
		return nil, err
	}
	if req.ReplyToMessageID != nil {
		parent, err := s.store.GetMessage(ctx, *req.ReplyToMessageID)
		if err != nil && !errs.Is(err, errs.KindNotFound) {
			return nil, err
		}
		if parent == nil || parent.ChatID != req.ChatID {
			return nil, errs.Validation("invalid request", map[string]string{"replyToMessageId": "is not a message of this chat"})
		}
	}

	now := database.Now()
	msg := models.Message{
		ID:          uuid.Must(uuid.NewV7()).String(),
		ChatID:      req.ChatID,
		SenderID:    sender.UserID,
		Content:     req.Content,
		ContentType: req.ContentType,
		MediaURL:    req.MediaURL,
		ReplyToID:   req.ReplyToMessageID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateMessage(ctx, &msg); err != nil {
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.MessagesIngested.Inc()
	}

	name, avatar := s.displayName(ctx, sender.UserID, sender.Username)
	payload := &models.MessagePayload{
		Message:        msg,
		SenderUsername: name,
		SenderAvatar:   avatar,
		ClientTempID:   req.ClientTempID,
	}
	s.publish(ctx, fanout.NewMessage{Message: *payload},
		zap.String("chat_id", msg.ChatID), zap.String("message_id", msg.ID))
	return payload, nil
}

func checkSend(req models.SendMessageRequest) error {
	err := Validate(req)
	fields := errs.FieldsOf(err)
	if err != nil && fields == nil {
		return err
	}
	if fields == nil {
		fields = map[string]string{}
	}

	if !req.ContentType.IsValid() {
		fields["contentType"] = "is not a supported content type"
	} else if req.ContentType == models.ContentSystem {
		fields["contentType"] = "is reserved for the server"
	} else if req.ContentType.NeedsMedia() {
		if req.MediaURL == nil || *req.MediaURL == "" {
			fields["mediaUrl"] = "is required for " + string(req.ContentType) + " messages"
		}
	} else if strings.TrimSpace(req.Content) == "" {
		fields["content"] = "is required"
	}

	if len(fields) > 0 {
		return errs.Validation("invalid message", fields)
	}
	return nil
}
