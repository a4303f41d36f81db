package chat

import (
	"context"

	"go.uber.org/zap"

	"chatsync/database"
	"chatsync/errs"
	"chatsync/fanout"
	"chatsync/models"
)

// RemoveMember ends targetID's membership of a chat. Anyone may remove
// themselves. Removing someone else takes a moderator of a group chat, and
// only the owner can be removed by nobody but themselves. Connections of the
// removed user stop receiving the room once the event is delivered.
func (s *Service) RemoveMember(ctx context.Context, actorID, chatID, targetID string) error {
	actor, err := s.Authorize(ctx, chatID, actorID)
	if err != nil {
		return err
	}

	if targetID != actorID {
		c, err := s.store.GetChat(ctx, chatID)
		if err != nil {
			return err
		}
		if !c.IsGroup {
			return errs.Authorization("members cannot be removed from a direct chat")
		}
		if !actor.Role.CanModerate() {
			return errs.Authorization("only moderators can remove members")
		}
		target, err := s.store.GetParticipant(ctx, chatID, targetID)
		if err != nil {
			return err
		}
		if !target.Active() {
			return errs.NotFound("participant")
		}
		if target.Role == models.RoleOwner {
			return errs.Authorization("the owner cannot be removed")
		}
	}

	left, err := s.store.LeaveChat(ctx, chatID, targetID, database.Now())
	if err != nil {
		return err
	}
	if !left {
		// A concurrent removal got there first and announced it.
		return nil
	}

	s.publish(ctx, fanout.MemberRemoved{MemberRemovedPayload: models.MemberRemovedPayload{
		ChatID:    chatID,
		UserID:    targetID,
		RemovedBy: actorID,
	}}, zap.String("chat_id", chatID), zap.String("user_id", targetID))
	return nil
}
