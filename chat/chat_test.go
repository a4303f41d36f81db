package chat_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatsync/auth"
	"chatsync/chat"
	"chatsync/config"
	"chatsync/database"
	"chatsync/database/dbtest"
	"chatsync/fanout"
	"chatsync/metrics"
	"chatsync/models"
)

const (
	alice = "11111111-1111-4111-8111-111111111111"
	bob   = "22222222-2222-4222-8222-222222222222"
	carol = "33333333-3333-4333-8333-333333333333"
	dave  = "44444444-4444-4444-8444-444444444444"
)

type recorder struct {
	mu   sync.Mutex
	envs []fanout.Envelope
}

func (r *recorder) Publish(_ context.Context, env fanout.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return nil
}

// events decodes everything published so far with the given type.
func (r *recorder) events(t *testing.T, typ fanout.EventType) []fanout.Event {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []fanout.Event
	for _, env := range r.envs {
		if env.Type != typ {
			continue
		}
		ev, err := fanout.Decode(env)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

type fixture struct {
	svc   *chat.Service
	store *database.Store
	seed  *dbtest.Seeder
	bus   *recorder
}

func newFixture(t *testing.T) *fixture {
	store := dbtest.New(t)
	rec := &recorder{}
	svc := chat.NewService(store, rec, "node-a",
		config.PaginationConfig{DefaultLimit: 50, MaxLimit: 100}, metrics.New(), zap.NewNop())
	return &fixture{svc: svc, store: store, seed: dbtest.NewSeeder(t, store), bus: rec}
}

func principal(id, name string) auth.Principal {
	return auth.Principal{UserID: id, Username: name, ExpiresAt: time.Now().Add(time.Hour)}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}
