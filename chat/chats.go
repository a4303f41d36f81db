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

// CreateChat creates a chat with the creator as owner. A request with one
// other member and no name is a direct chat; if the pair already shares one,
// that chat is returned with created=false and nothing is broadcast.
func (s *Service) CreateChat(ctx context.Context, creator auth.Principal, req models.CreateChatRequest) (chat *models.ChatWithDetails, created bool, err error) {
	if err := Validate(req); err != nil {
		return nil, false, err
	}

	members := make([]string, 0, len(req.MemberIDs))
	seen := map[string]bool{creator.UserID: true}
	for _, id := range req.MemberIDs {
		id = strings.ToLower(id)
		if !seen[id] {
			seen[id] = true
			members = append(members, id)
		}
	}
	if len(members) == 0 {
		return nil, false, errs.Validation("invalid request", map[string]string{"memberIds": "must include someone other than yourself"})
	}

	name := strings.TrimSpace(req.Name)
	isGroup := len(members) > 1 || name != ""

	if !isGroup {
		existing, err := s.store.FindDirectChat(ctx, creator.UserID, members[0])
		if err == nil {
			details, err := s.details(ctx, existing, creator.UserID)
			return details, false, err
		}
		if !errs.Is(err, errs.KindNotFound) {
			return nil, false, err
		}
	}

	now := database.Now()
	c := models.Chat{
		ID:        uuid.NewString(),
		Name:      name,
		IsGroup:   isGroup,
		CreatedBy: creator.UserID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	parts := make([]models.Participant, 0, len(members)+1)
	parts = append(parts, models.Participant{ChatID: c.ID, UserID: creator.UserID, Role: models.RoleOwner, JoinedAt: &now})
	for _, id := range members {
		parts = append(parts, models.Participant{ChatID: c.ID, UserID: id, Role: models.RoleMember, JoinedAt: &now})
	}
	if err := s.store.CreateChat(ctx, c, parts); err != nil {
		return nil, false, err
	}

	details, err := s.details(ctx, &c, creator.UserID)
	if err != nil {
		return nil, false, err
	}

	userIDs := make([]string, 0, len(parts))
	for _, p := range parts {
		userIDs = append(userIDs, p.UserID)
	}
	s.publish(ctx, fanout.NewChat{Chat: *details, UserIDs: userIDs}, zap.String("chat_id", c.ID))
	return details, true, nil
}

// ListChats returns the user's active chats, most recently active first,
// each with its last message and the user's unread count.
func (s *Service) ListChats(ctx context.Context, userID string) ([]models.ChatWithDetails, error) {
	chats, err := s.store.ListUserChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]models.ChatWithDetails, 0, len(chats))
	for i := range chats {
		d, err := s.details(ctx, &chats[i], userID)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, nil
}

func (s *Service) details(ctx context.Context, c *models.Chat, viewerID string) (*models.ChatWithDetails, error) {
	parts, err := s.store.ListParticipants(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	d := &models.ChatWithDetails{Chat: *c, Participants: parts}

	last, err := s.store.LastMessage(ctx, c.ID)
	switch {
	case err == nil:
		d.LastMessage = last
	case !errs.Is(err, errs.KindNotFound):
		return nil, err
	}

	for i := range parts {
		if parts[i].UserID != viewerID {
			continue
		}
		d.UnreadCount, _, err = s.store.UnreadStats(ctx, &parts[i].Participant)
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}
