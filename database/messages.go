package database

import (
	"context"

	"github.com/jmoiron/sqlx"

	"chatsync/errs"
	"chatsync/models"
)

const messageColumns = `m.id, m.chat_id, m.sender_id, m.content, m.content_type, m.media_url,
	m.reply_to_id, m.created_at, m.updated_at, m.deleted_at, m.is_edited`

// Message queries

// CreateMessage persists a message and bumps the chat's recency.
func (s *Store) CreateMessage(ctx context.Context, m *models.Message) error {
	return s.inTx(ctx, "create message", func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := exec(ctx, tx, `
			INSERT INTO messages (id, chat_id, sender_id, content, content_type, media_url, reply_to_id,
				created_at, updated_at, deleted_at, is_edited)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, FALSE)
		`, m.ID, m.ChatID, m.SenderID, m.Content, m.ContentType, m.MediaURL, m.ReplyToID,
			m.CreatedAt.UTC(), m.UpdatedAt.UTC()); err != nil {
			return err
		}
		_, err := exec(ctx, tx, `UPDATE chats SET updated_at = ? WHERE id = ?`, m.CreatedAt.UTC(), m.ChatID)
		return err
	})
}

// GetMessage retrieves a message by id, deleted or not.
func (s *Store) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	m := &models.Message{}
	if err := get(ctx, s.db, m, `SELECT `+messageColumns+` FROM messages m WHERE m.id = ?`, id); err != nil {
		return nil, s.wrap("message", err)
	}
	return m, nil
}

// MessagesBefore returns up to limit messages older than beforeID, newest
// first. An empty beforeID starts from the latest message.
func (s *Store) MessagesBefore(ctx context.Context, chatID, beforeID string, limit int) ([]models.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + messageColumns + ` FROM messages m WHERE m.chat_id = ?`
	args := []interface{}{chatID}
	if beforeID != "" {
		query += ` AND m.id < ?`
		args = append(args, beforeID)
	}
	query += ` ORDER BY m.id DESC LIMIT ?`
	args = append(args, limit)

	out := []models.Message{}
	if err := selectAll(ctx, s.db, &out, query, args...); err != nil {
		return nil, s.wrap("list messages", err)
	}
	return out, nil
}

// MessagesFrom returns messages from fromID onward, oldest first. A limit of
// zero or less returns all of them.
func (s *Store) MessagesFrom(ctx context.Context, chatID, fromID string, limit int) ([]models.Message, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `SELECT ` + messageColumns + ` FROM messages m WHERE m.chat_id = ? AND m.id >= ? ORDER BY m.id ASC`
	args := []interface{}{chatID, fromID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	out := []models.Message{}
	if err := selectAll(ctx, s.db, &out, query, args...); err != nil {
		return nil, s.wrap("list messages", err)
	}
	return out, nil
}

// LastMessage returns the newest message of a chat, or NotFound for an empty chat.
func (s *Store) LastMessage(ctx context.Context, chatID string) (*models.Message, error) {
	msgs, err := s.MessagesBefore(ctx, chatID, "", 1)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errs.NotFound("message")
	}
	return &msgs[0], nil
}

// EditMessage replaces the content of a live message and records the EDITED action.
func (s *Store) EditMessage(ctx context.Context, id, content string, action models.MessageAction) (*models.Message, error) {
	m := &models.Message{}
	err := s.inTx(ctx, "edit message", func(ctx context.Context, tx *sqlx.Tx) error {
		n, err := exec(ctx, tx, `
			UPDATE messages SET content = ?, is_edited = TRUE, updated_at = ?
			WHERE id = ? AND deleted_at IS NULL
		`, content, action.CreatedAt.UTC(), id)
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.Conflict("message was deleted")
		}
		if err := insertAction(ctx, tx, action); err != nil {
			return err
		}
		return get(ctx, tx, m, `SELECT `+messageColumns+` FROM messages m WHERE m.id = ?`, id)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteMessage soft-deletes a message: the content is dropped, the row stays
// so pagination cursors and receipts remain valid.
func (s *Store) DeleteMessage(ctx context.Context, id string, action models.MessageAction) (*models.Message, error) {
	m := &models.Message{}
	err := s.inTx(ctx, "delete message", func(ctx context.Context, tx *sqlx.Tx) error {
		at := action.CreatedAt.UTC()
		n, err := exec(ctx, tx, `
			UPDATE messages SET content = '', media_url = NULL, deleted_at = ?, updated_at = ?
			WHERE id = ? AND deleted_at IS NULL
		`, at, at, id)
		if err != nil {
			return err
		}
		if n == 0 {
			return errs.Conflict("message already deleted")
		}
		if err := insertAction(ctx, tx, action); err != nil {
			return err
		}
		return get(ctx, tx, m, `SELECT `+messageColumns+` FROM messages m WHERE m.id = ?`, id)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListActions returns the audit trail of a message, oldest first.
func (s *Store) ListActions(ctx context.Context, messageID string) ([]models.MessageAction, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out := []models.MessageAction{}
	err := selectAll(ctx, s.db, &out, `
		SELECT id, message_id, actor_id, action_type, content, created_at
		FROM message_actions WHERE message_id = ?
		ORDER BY created_at, id
	`, messageID)
	if err != nil {
		return nil, s.wrap("list actions", err)
	}
	return out, nil
}

func insertAction(ctx context.Context, tx *sqlx.Tx, a models.MessageAction) error {
	_, err := exec(ctx, tx, `
		INSERT INTO message_actions (id, message_id, actor_id, action_type, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, a.ID, a.MessageID, a.ActorID, a.ActionType, a.Content, a.CreatedAt.UTC())
	return err
}
