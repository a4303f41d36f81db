package database

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"chatsync/models"
)

const chatColumns = `c.id, c.name, c.is_group, c.created_by, c.created_at, c.updated_at`

const participantColumns = `p.chat_id, p.user_id, p.role, p.joined_at, p.left_at, p.last_read_message_id`

// Chat queries

// CreateChat inserts the chat and its participants atomically.
func (s *Store) CreateChat(ctx context.Context, chat models.Chat, participants []models.Participant) error {
	return s.inTx(ctx, "create chat", func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := exec(ctx, tx, `
			INSERT INTO chats (id, name, is_group, created_by, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, chat.ID, chat.Name, chat.IsGroup, chat.CreatedBy, chat.CreatedAt.UTC(), chat.UpdatedAt.UTC()); err != nil {
			return err
		}
		for _, p := range participants {
			if _, err := exec(ctx, tx, `
				INSERT INTO chat_participants (chat_id, user_id, role, joined_at, left_at, last_read_message_id)
				VALUES (?, ?, ?, ?, ?, ?)
			`, chat.ID, p.UserID, p.Role, utcPtr(p.JoinedAt), utcPtr(p.LeftAt), p.LastReadMessageID); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetChat retrieves a chat by id.
func (s *Store) GetChat(ctx context.Context, id string) (*models.Chat, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	chat := &models.Chat{}
	if err := get(ctx, s.db, chat, `SELECT `+chatColumns+` FROM chats c WHERE c.id = ?`, id); err != nil {
		return nil, s.wrap("chat", err)
	}
	return chat, nil
}

// FindDirectChat returns the one-to-one chat both users are active in.
func (s *Store) FindDirectChat(ctx context.Context, userA, userB string) (*models.Chat, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	chat := &models.Chat{}
	err := get(ctx, s.db, chat, `
		SELECT `+chatColumns+`
		FROM chats c
		JOIN chat_participants a ON a.chat_id = c.id AND a.user_id = ? AND a.left_at IS NULL
		JOIN chat_participants b ON b.chat_id = c.id AND b.user_id = ? AND b.left_at IS NULL
		WHERE c.is_group = FALSE
		ORDER BY c.created_at
		LIMIT 1
	`, userA, userB)
	if err != nil {
		return nil, s.wrap("chat", err)
	}
	return chat, nil
}

// ListUserChats returns the chats the user is active in, most recent first.
func (s *Store) ListUserChats(ctx context.Context, userID string) ([]models.Chat, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	chats := []models.Chat{}
	err := selectAll(ctx, s.db, &chats, `
		SELECT `+chatColumns+`
		FROM chats c
		JOIN chat_participants p ON p.chat_id = c.id
		WHERE p.user_id = ? AND p.left_at IS NULL
		ORDER BY c.updated_at DESC, c.id DESC
	`, userID)
	if err != nil {
		return nil, s.wrap("list chats", err)
	}
	return chats, nil
}

// Participant queries

// GetParticipant returns the membership row, active or not.
func (s *Store) GetParticipant(ctx context.Context, chatID, userID string) (*models.Participant, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	p := &models.Participant{}
	err := get(ctx, s.db, p, `
		SELECT `+participantColumns+` FROM chat_participants p WHERE p.chat_id = ? AND p.user_id = ?
	`, chatID, userID)
	if err != nil {
		return nil, s.wrap("participant", err)
	}
	return p, nil
}

// LeaveChat ends an active membership at the given time. It reports false if
// the user was not an active participant.
func (s *Store) LeaveChat(ctx context.Context, chatID, userID string, at time.Time) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := exec(ctx, s.db, `
		UPDATE chat_participants SET left_at = ?
		WHERE chat_id = ? AND user_id = ? AND left_at IS NULL
	`, at.UTC(), chatID, userID)
	if err != nil {
		return false, s.wrap("leave chat", err)
	}
	return n == 1, nil
}

// ListParticipants returns the active participants with their display fields.
func (s *Store) ListParticipants(ctx context.Context, chatID string) ([]models.ParticipantWithUser, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out := []models.ParticipantWithUser{}
	err := selectAll(ctx, s.db, &out, `
		SELECT `+participantColumns+`, COALESCE(u.username, '') AS username, COALESCE(u.avatar, '') AS avatar
		FROM chat_participants p
		LEFT JOIN users u ON u.id = p.user_id
		WHERE p.chat_id = ? AND p.left_at IS NULL
		ORDER BY p.joined_at, p.user_id
	`, chatID)
	if err != nil {
		return nil, s.wrap("list participants", err)
	}
	return out, nil
}
