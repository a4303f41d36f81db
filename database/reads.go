package database

import (
	"context"
	"database/sql"
	"time"

	"chatsync/models"
)

// Read state queries

// AdvanceWatermark moves a participant's last-read pointer from prev to next
// with a compare-and-swap. It reports false when another writer moved the
// pointer first; the caller re-reads and decides again.
func (s *Store) AdvanceWatermark(ctx context.Context, chatID, userID string, prev *string, next string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `UPDATE chat_participants SET last_read_message_id = ?
		WHERE chat_id = ? AND user_id = ? AND left_at IS NULL AND `
	args := []interface{}{next, chatID, userID}
	if prev == nil {
		query += `last_read_message_id IS NULL`
	} else {
		query += `last_read_message_id = ?`
		args = append(args, *prev)
	}

	n, err := exec(ctx, s.db, query, args...)
	if err != nil {
		return false, s.wrap("advance watermark", err)
	}
	return n == 1, nil
}

// InsertReceipt records that userID read messageID. Own messages never get a
// receipt and a repeated read keeps the first timestamp; created reports
// whether a row was written.
func (s *Store) InsertReceipt(ctx context.Context, messageID, userID string, readAt time.Time) (created bool, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := exec(ctx, s.db, `
		INSERT INTO read_receipts (message_id, user_id, read_at)
		SELECT m.id, ?, ? FROM messages m WHERE m.id = ? AND m.sender_id <> ?
		ON CONFLICT (message_id, user_id) DO NOTHING
	`, userID, readAt.UTC(), messageID, userID)
	if err != nil {
		return false, s.wrap("insert receipt", err)
	}
	return n == 1, nil
}

// Receipts lists who has read a message.
func (s *Store) Receipts(ctx context.Context, messageID string) ([]models.ReadReceipt, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out := []models.ReadReceipt{}
	err := selectAll(ctx, s.db, &out, `
		SELECT message_id, user_id, read_at FROM read_receipts
		WHERE message_id = ? ORDER BY read_at, user_id
	`, messageID)
	if err != nil {
		return nil, s.wrap("list receipts", err)
	}
	return out, nil
}

// UnreadStats counts the messages in a chat that are unread for a participant
// and returns the oldest of them. A message is unread when it was created
// after the participant joined, was sent by someone else, is not deleted, has
// no receipt from the participant and is past the watermark.
func (s *Store) UnreadStats(ctx context.Context, p *models.Participant) (count int, firstUnread *string, err error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	query := `
		SELECT COUNT(*) AS unread, MIN(m.id) AS first_unread
		FROM messages m
		WHERE m.chat_id = ? AND m.sender_id <> ? AND m.deleted_at IS NULL
		AND NOT EXISTS (
			SELECT 1 FROM read_receipts r WHERE r.message_id = m.id AND r.user_id = ?
		)`
	args := []interface{}{p.ChatID, p.UserID, p.UserID}
	if p.JoinedAt != nil {
		query += ` AND m.created_at > ?`
		args = append(args, p.JoinedAt.UTC())
	}
	if p.LastReadMessageID != nil {
		query += ` AND m.id > ?`
		args = append(args, *p.LastReadMessageID)
	}

	var row struct {
		Unread      int            `db:"unread"`
		FirstUnread sql.NullString `db:"first_unread"`
	}
	if err := get(ctx, s.db, &row, query, args...); err != nil {
		return 0, nil, s.wrap("unread stats", err)
	}
	if row.FirstUnread.Valid {
		id := row.FirstUnread.String
		firstUnread = &id
	}
	return row.Unread, firstUnread, nil
}
