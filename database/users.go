package database

import (
	"context"

	"chatsync/models"
)

// User queries

// UpsertUser records or refreshes a user's display fields. Empty fields leave
// the stored values alone.
func (s *Store) UpsertUser(ctx context.Context, u models.User) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if u.CreatedAt.IsZero() {
		u.CreatedAt = Now()
	}
	_, err := exec(ctx, s.db, `
		INSERT INTO users (id, username, avatar, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			username = CASE WHEN excluded.username = '' THEN users.username ELSE excluded.username END,
			avatar = CASE WHEN excluded.avatar = '' THEN users.avatar ELSE excluded.avatar END
	`, u.ID, u.Username, u.Avatar, u.CreatedAt.UTC())
	return s.wrap("upsert user", err)
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	u := &models.User{}
	err := get(ctx, s.db, u, `SELECT id, username, avatar, created_at FROM users WHERE id = ?`, id)
	if err != nil {
		return nil, s.wrap("user", err)
	}
	return u, nil
}
