package chat

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"chatsync/database"
	"chatsync/errs"
	"chatsync/fanout"
	"chatsync/models"
)

// EditMessage replaces the content of the actor's own message.
func (s *Service) EditMessage(ctx context.Context, actorID, chatID, messageID string, req models.EditMessageRequest) (*models.Message, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, errs.Validation("invalid request", map[string]string{"content": "is required"})
	}

	msg, err := s.messageInChat(ctx, chatID, messageID)
	if err != nil {
		return nil, err
	}
	if _, err := s.Authorize(ctx, chatID, actorID); err != nil {
		return nil, err
	}
	if msg.SenderID != actorID {
		return nil, errs.Authorization("only the sender can edit a message")
	}
	if msg.IsDeleted() {
		return nil, errs.NotFound("message")
	}

	content := req.Content
	edited, err := s.store.EditMessage(ctx, msg.ID, content, models.MessageAction{
		ID:         uuid.NewString(),
		MessageID:  msg.ID,
		ActorID:    actorID,
		ActionType: models.ActionEdited,
		Content:    &content,
		CreatedAt:  database.Now(),
	})
	if err != nil {
		if errs.Is(err, errs.KindConflict) {
			return nil, errs.NotFound("message")
		}
		return nil, err
	}

	s.publish(ctx, fanout.MessageEdited{MessageEditedPayload: models.MessageEditedPayload{
		MessageID: edited.ID,
		ChatID:    edited.ChatID,
		Content:   edited.Content,
		UpdatedAt: edited.UpdatedAt,
		EditedBy:  actorID,
	}}, zap.String("chat_id", chatID), zap.String("message_id", msg.ID))
	return edited, nil
}

// DeleteMessage soft-deletes a message. The sender may delete their own
// messages; admins and owners may delete anyone's. Deleting twice is a no-op.
func (s *Service) DeleteMessage(ctx context.Context, actorID, chatID, messageID string) (*models.Message, error) {
	msg, err := s.messageInChat(ctx, chatID, messageID)
	if err != nil {
		return nil, err
	}
	p, err := s.Authorize(ctx, chatID, actorID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != actorID && !p.Role.CanModerate() {
		return nil, errs.Authorization("only the sender or a chat admin can delete a message")
	}
	if msg.IsDeleted() {
		return msg, nil
	}

	deleted, err := s.store.DeleteMessage(ctx, msg.ID, models.MessageAction{
		ID:         uuid.NewString(),
		MessageID:  msg.ID,
		ActorID:    actorID,
		ActionType: models.ActionDeleted,
		CreatedAt:  database.Now(),
	})
	if err != nil {
		if errs.Is(err, errs.KindConflict) {
			return s.store.GetMessage(ctx, msg.ID)
		}
		return nil, err
	}

	s.publish(ctx, fanout.MessageDeleted{MessageDeletedPayload: models.MessageDeletedPayload{
		MessageID: deleted.ID,
		ChatID:    deleted.ChatID,
		DeletedAt: *deleted.DeletedAt,
		DeletedBy: actorID,
	}}, zap.String("chat_id", chatID), zap.String("message_id", msg.ID))
	return deleted, nil
}

func (s *Service) messageInChat(ctx context.Context, chatID, messageID string) (*models.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.ChatID != chatID {
		return nil, errs.NotFound("message")
	}
	return msg, nil
}
