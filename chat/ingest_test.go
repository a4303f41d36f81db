package chat_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatsync/chat"
	"chatsync/config"
	"chatsync/database"
	"chatsync/database/dbtest"
	"chatsync/errs"
	"chatsync/fanout"
	"chatsync/metrics"
	"chatsync/models"
)

func TestSendPersistsAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seed.User(alice)
	c := f.seed.Chat(false, time.Now().Add(-time.Hour), alice, bob)

	payload, err := f.svc.Send(ctx, principal(alice, "fallback"), models.SendMessageRequest{
		ChatID:       c.ID,
		Content:      "hello",
		ClientTempID: "temp-1",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, payload.ID)
	assert.Equal(t, models.ContentText, payload.ContentType)
	assert.Equal(t, "user-11111111", payload.SenderUsername, "display name comes from the user record")
	assert.Equal(t, "temp-1", payload.ClientTempID)

	stored, err := f.store.GetMessage(ctx, payload.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.Content)
	assert.True(t, stored.CreatedAt.Equal(payload.CreatedAt))

	events := f.bus.events(t, fanout.TypeNewMessage)
	require.Len(t, events, 1)
	nm := events[0].(fanout.NewMessage)
	assert.Equal(t, payload.ID, nm.Message.ID)
	assert.Equal(t, "temp-1", nm.Message.ClientTempID)
}

func TestSendFallsBackToTokenUsername(t *testing.T) {
	f := newFixture(t)
	c := f.seed.Chat(false, time.Now().Add(-time.Hour), alice, bob)

	payload, err := f.svc.Send(context.Background(), principal(alice, "alice"), models.SendMessageRequest{ChatID: c.ID, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "alice", payload.SenderUsername)
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	c := f.seed.Chat(false, time.Now().Add(-time.Hour), alice, bob)
	img := "https://cdn.example.com/cat.png"

	tests := []struct {
		name  string
		req   models.SendMessageRequest
		field string
	}{
		{"blank text", models.SendMessageRequest{ChatID: c.ID, Content: "   "}, "content"},
		{"image without media", models.SendMessageRequest{ChatID: c.ID, ContentType: models.ContentImage}, "mediaUrl"},
		{"unknown type", models.SendMessageRequest{ChatID: c.ID, Content: "x", ContentType: "sticker"}, "contentType"},
		{"system is reserved", models.SendMessageRequest{ChatID: c.ID, Content: "x", ContentType: models.ContentSystem}, "contentType"},
		{"bad chat id", models.SendMessageRequest{ChatID: "nope", Content: "x"}, "chatId"},
		{"too long", models.SendMessageRequest{ChatID: c.ID, Content: string(make([]byte, 4001))}, "content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Send(context.Background(), principal(alice, "alice"), tt.req)
			require.Error(t, err)
			assert.True(t, errs.Is(err, errs.KindValidation))
			assert.Contains(t, errs.FieldsOf(err), tt.field)
		})
	}

	_, err := f.svc.Send(context.Background(), principal(alice, "alice"),
		models.SendMessageRequest{ChatID: c.ID, ContentType: models.ContentImage, MediaURL: &img})
	assert.NoError(t, err, "media messages need no text")
	assert.Len(t, f.bus.events(t, fanout.TypeNewMessage), 1)
}

func TestSendRequiresActiveParticipant(t *testing.T) {
	f := newFixture(t)
	c := f.seed.Chat(false, time.Now().Add(-time.Hour), alice, bob)

	_, err := f.svc.Send(context.Background(), principal(carol, "carol"), models.SendMessageRequest{ChatID: c.ID, Content: "hi"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindAuthorization))
	assert.Empty(t, f.bus.events(t, fanout.TypeNewMessage))
}

func TestSendReplyMustStayInChat(t *testing.T) {
	f := newFixture(t)
	start := time.Now().Add(-time.Hour)
	c1 := f.seed.Chat(false, start, alice, bob)
	c2 := f.seed.Chat(false, start, alice, carol)
	other := f.seed.Messages(c2.ID, carol, 1, start)[0]
	own := f.seed.Messages(c1.ID, bob, 1, start)[0]

	_, err := f.svc.Send(context.Background(), principal(alice, "alice"),
		models.SendMessageRequest{ChatID: c1.ID, Content: "re", ReplyToMessageID: &other.ID})
	assert.True(t, errs.Is(err, errs.KindValidation))

	reply, err := f.svc.Send(context.Background(), principal(alice, "alice"),
		models.SendMessageRequest{ChatID: c1.ID, Content: "re", ReplyToMessageID: &own.ID})
	require.NoError(t, err)
	require.NotNil(t, reply.ReplyToID)
	assert.Equal(t, own.ID, *reply.ReplyToID)
}

// cancelAfterCommit ends the request right after the message is stored, like a
// client that disconnects while its send is in flight.
type cancelAfterCommit struct {
	*database.Store
	cancel context.CancelFunc
}

func (s cancelAfterCommit) CreateMessage(ctx context.Context, m *models.Message) error {
	err := s.Store.CreateMessage(ctx, m)
	s.cancel()
	return err
}

func TestSendPublishesAfterCallerCancels(t *testing.T) {
	store := dbtest.New(t)
	seed := dbtest.NewSeeder(t, store)
	c := seed.Chat(false, time.Now().Add(-time.Hour), alice, bob)

	bus := fanout.NewMemoryBus(zap.NewNop())
	t.Cleanup(func() { _ = bus.Close() })
	got := make(chan fanout.Envelope, 1)
	bus.Subscribe(func(env fanout.Envelope) { got <- env })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := chat.NewService(cancelAfterCommit{Store: store, cancel: cancel}, bus, "node-a",
		config.PaginationConfig{DefaultLimit: 50, MaxLimit: 100}, metrics.New(), zap.NewNop())

	payload, err := svc.Send(ctx, principal(alice, "alice"), models.SendMessageRequest{ChatID: c.ID, Content: "still delivered"})
	require.NoError(t, err)
	require.Error(t, ctx.Err())

	select {
	case env := <-got:
		assert.Equal(t, fanout.TypeNewMessage, env.Type)
		ev, err := fanout.Decode(env)
		require.NoError(t, err)
		assert.Equal(t, payload.ID, ev.(fanout.NewMessage).Message.ID)
	case <-time.After(time.Second):
		t.Fatal("committed message was not published")
	}
}
