package chat

import (
	"context"

	"go.uber.org/zap"

	"chatsync/database"
	"chatsync/errs"
	"chatsync/fanout"
	"chatsync/models"
)

// casAttempts bounds how often MarkRead re-reads the watermark after losing a
// race with a concurrent reader on another connection.
const casAttempts = 3

// MarkRead records that userID has read messageID. The watermark only ever
// moves forward in message id order; the receipt is written independently
// and is idempotent. A message that does not exist, or belongs to another
// chat, is a silent no-op. advanced reports whether the watermark moved.
func (s *Service) MarkRead(ctx context.Context, userID, chatID, messageID string) (advanced bool, err error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	if msg.ChatID != chatID {
		return false, nil
	}

	p, err := s.Authorize(ctx, chatID, userID)
	if err != nil {
		return false, err
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		if !msg.NewerThan(p.LastReadMessageID) {
			break
		}
		ok, err := s.store.AdvanceWatermark(ctx, chatID, userID, p.LastReadMessageID, msg.ID)
		if err != nil {
			return false, err
		}
		if ok {
			advanced = true
			break
		}
		if p, err = s.Authorize(ctx, chatID, userID); err != nil {
			return false, err
		}
	}

	readAt := database.Now()
	if _, err := s.store.InsertReceipt(ctx, msg.ID, userID, readAt); err != nil {
		return advanced, err
	}

	if advanced {
		if s.metrics != nil {
			s.metrics.ReadsAdvanced.Inc()
		}
		s.publish(ctx, fanout.MessagesRead{MessagesReadPayload: models.MessagesReadPayload{
			ChatID:            chatID,
			UserID:            userID,
			LastReadMessageID: msg.ID,
			ReadAt:            readAt,
		}}, zap.String("chat_id", chatID), zap.String("user_id", userID))
	}
	return advanced, nil
}
