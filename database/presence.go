package database

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"chatsync/errs"
	"chatsync/models"
)

// Session is one live gateway connection as seen by the presence counter.
type Session struct {
	ConnectionID string    `db:"connection_id"`
	UserID       string    `db:"user_id"`
	InstanceID   string    `db:"instance_id"`
	ConnectedAt  time.Time `db:"connected_at"`
	HeartbeatAt  time.Time `db:"heartbeat_at"`
}

const selectPresence = `SELECT user_id, is_online, last_seen_at, connections FROM presence WHERE user_id = ?`

// Presence queries

// OpenSession registers a connection and increments the user's counter in one
// transaction. The returned presence carries the counter after the increment.
func (s *Store) OpenSession(ctx context.Context, sess Session) (*models.Presence, error) {
	p := &models.Presence{}
	err := s.inTx(ctx, "open session", func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := exec(ctx, tx, `
			INSERT INTO presence_sessions (connection_id, user_id, instance_id, connected_at, heartbeat_at)
			VALUES (?, ?, ?, ?, ?)
		`, sess.ConnectionID, sess.UserID, sess.InstanceID, sess.ConnectedAt.UTC(), sess.HeartbeatAt.UTC()); err != nil {
			return err
		}
		if _, err := exec(ctx, tx, `
			INSERT INTO presence (user_id, connections, is_online, last_seen_at)
			VALUES (?, 1, TRUE, NULL)
			ON CONFLICT (user_id) DO UPDATE SET connections = presence.connections + 1, is_online = TRUE
		`, sess.UserID); err != nil {
			return err
		}
		return get(ctx, tx, p, selectPresence, sess.UserID)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// CloseSession removes a connection and decrements its user's counter. When
// the counter reaches zero the user goes offline with last-seen set to at.
// NotFound means the session was already closed, e.g. by the stale sweeper.
func (s *Store) CloseSession(ctx context.Context, connectionID string, at time.Time) (*models.Presence, error) {
	p := &models.Presence{}
	err := s.inTx(ctx, "close session", func(ctx context.Context, tx *sqlx.Tx) error {
		var userID string
		if err := get(ctx, tx, &userID, `
			DELETE FROM presence_sessions WHERE connection_id = ? RETURNING user_id
		`, connectionID); err != nil {
			return err
		}
		// The right-hand sides see the row as it was before the update.
		if _, err := exec(ctx, tx, `
			UPDATE presence SET
				connections = CASE WHEN connections > 0 THEN connections - 1 ELSE 0 END,
				is_online = CASE WHEN connections > 1 THEN TRUE ELSE FALSE END,
				last_seen_at = CASE WHEN connections > 1 THEN last_seen_at ELSE ? END
			WHERE user_id = ?
		`, at.UTC(), userID); err != nil {
			return err
		}
		return get(ctx, tx, p, selectPresence, userID)
	})
	if err != nil {
		if errs.Is(err, errs.KindNotFound) {
			return nil, errs.NotFound("session")
		}
		return nil, err
	}
	return p, nil
}

// GetPresence returns the user's presence; users never seen are offline.
func (s *Store) GetPresence(ctx context.Context, userID string) (*models.Presence, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	p := &models.Presence{}
	err := get(ctx, s.db, p, selectPresence, userID)
	if err != nil {
		err = s.wrap("presence", err)
		if errs.Is(err, errs.KindNotFound) {
			return &models.Presence{UserID: userID}, nil
		}
		return nil, err
	}
	return p, nil
}

// SetPresence overrides the online flag without touching the connection
// counter. lastSeen is only written when non-nil.
func (s *Store) SetPresence(ctx context.Context, userID string, online bool, lastSeen *time.Time) (*models.Presence, error) {
	p := &models.Presence{}
	err := s.inTx(ctx, "set presence", func(ctx context.Context, tx *sqlx.Tx) error {
		if _, err := exec(ctx, tx, `
			INSERT INTO presence (user_id, connections, is_online, last_seen_at)
			VALUES (?, 0, ?, ?)
			ON CONFLICT (user_id) DO UPDATE SET
				is_online = excluded.is_online,
				last_seen_at = COALESCE(excluded.last_seen_at, presence.last_seen_at)
		`, userID, online, utcPtr(lastSeen)); err != nil {
			return err
		}
		return get(ctx, tx, p, selectPresence, userID)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// TouchSessions refreshes the heartbeat of every session owned by an instance.
func (s *Store) TouchSessions(ctx context.Context, instanceID string, at time.Time) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := exec(ctx, s.db, `UPDATE presence_sessions SET heartbeat_at = ? WHERE instance_id = ?`, at.UTC(), instanceID)
	if err != nil {
		return 0, s.wrap("touch sessions", err)
	}
	return n, nil
}

// StaleSessions lists sessions whose heartbeat is older than before.
func (s *Store) StaleSessions(ctx context.Context, before time.Time) ([]Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	out := []Session{}
	err := selectAll(ctx, s.db, &out, `
		SELECT connection_id, user_id, instance_id, connected_at, heartbeat_at
		FROM presence_sessions WHERE heartbeat_at < ?
		ORDER BY heartbeat_at
	`, before.UTC())
	if err != nil {
		return nil, s.wrap("stale sessions", err)
	}
	return out, nil
}
