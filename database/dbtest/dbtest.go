// Package dbtest opens throwaway in-memory stores and seeds them for tests.
package dbtest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatsync/config"
	"chatsync/database"
	"chatsync/models"
)

// New opens a private in-memory sqlite store with the schema applied. The
// pool is pinned to one connection so the database lives as long as the store.
func New(t testing.TB) *database.Store {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	cfg := config.DatabaseConfig{
		Driver:       "sqlite3",
		DSN:          fmt.Sprintf("file:%s_%s?mode=memory&cache=shared&_foreign_keys=on", name, uuid.NewString()[:8]),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
		QueryTimeout: 5 * time.Second,
	}
	store, err := database.Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// Seeder writes fixtures through the public store API.
type Seeder struct {
	t     testing.TB
	Store *database.Store
}

func NewSeeder(t testing.TB, store *database.Store) *Seeder {
	return &Seeder{t: t, Store: store}
}

// User creates a user named after its id.
func (s *Seeder) User(id string) models.User {
	s.t.Helper()
	u := models.User{ID: id, Username: "user-" + id[:min(8, len(id))], Avatar: "", CreatedAt: database.Now()}
	require.NoError(s.t, s.Store.UpsertUser(context.Background(), u))
	return u
}

// Chat creates a chat whose first member is the owner. Every member joined at joinedAt.
func (s *Seeder) Chat(isGroup bool, joinedAt time.Time, members ...string) models.Chat {
	s.t.Helper()
	require.NotEmpty(s.t, members)

	chat := models.Chat{
		ID:        uuid.NewString(),
		Name:      "",
		IsGroup:   isGroup,
		CreatedBy: members[0],
		CreatedAt: joinedAt.UTC(),
		UpdatedAt: joinedAt.UTC(),
	}
	if isGroup {
		chat.Name = "group"
	}
	parts := make([]models.Participant, 0, len(members))
	for i, m := range members {
		role := models.RoleMember
		if i == 0 {
			role = models.RoleOwner
		}
		j := joinedAt.UTC()
		parts = append(parts, models.Participant{ChatID: chat.ID, UserID: m, Role: role, JoinedAt: &j})
	}
	require.NoError(s.t, s.Store.CreateChat(context.Background(), chat, parts))
	return chat
}

// Messages appends n text messages "#1".."#n" one second apart starting at start.
func (s *Seeder) Messages(chatID, senderID string, n int, start time.Time) []models.Message {
	s.t.Helper()
	out := make([]models.Message, 0, n)
	for i := 1; i <= n; i++ {
		at := start.UTC().Add(time.Duration(i) * time.Second)
		m := models.Message{
			ID:          uuid.Must(uuid.NewV7()).String(),
			ChatID:      chatID,
			SenderID:    senderID,
			Content:     fmt.Sprintf("#%d", i),
			ContentType: models.ContentText,
			CreatedAt:   at,
			UpdatedAt:   at,
		}
		require.NoError(s.t, s.Store.CreateMessage(context.Background(), &m))
		out = append(out, m)
	}
	return out
}

// Receipt marks messageID as read by userID.
func (s *Seeder) Receipt(messageID, userID string) {
	s.t.Helper()
	_, err := s.Store.InsertReceipt(context.Background(), messageID, userID, database.Now())
	require.NoError(s.t, err)
}
