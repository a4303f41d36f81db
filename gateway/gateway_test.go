package gateway_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatsync/auth"
	"chatsync/chat"
	"chatsync/config"
	"chatsync/database"
	"chatsync/database/dbtest"
	"chatsync/fanout"
	"chatsync/gateway"
	"chatsync/metrics"
	"chatsync/models"
	"chatsync/presence"
	"chatsync/reconcile"
)

const (
	alice = "11111111-1111-4111-8111-111111111111"
	bob   = "22222222-2222-4222-8222-222222222222"
	carol = "33333333-3333-4333-8333-333333333333"
)

const wait = 3 * time.Second

var gatewayConfig = config.GatewayConfig{
	SendBuffer:     64,
	WriteWait:      time.Second,
	PongWait:       10 * time.Second,
	MaxMessageSize: 16384,
	TypingInterval: time.Second,
	TypingTimeout:  300 * time.Millisecond,
}

// cluster is a set of gateway processes sharing one store and one bus.
type cluster struct {
	store  *database.Store
	seed   *dbtest.Seeder
	bus    *fanout.MemoryBus
	issuer *auth.Issuer
}

type node struct {
	hub      *gateway.Hub
	srv      *httptest.Server
	chat     *chat.Service
	presence *presence.Tracker
}

func newCluster(t *testing.T) *cluster {
	store := dbtest.New(t)
	bus := fanout.NewMemoryBus(zap.NewNop())
	t.Cleanup(func() { _ = bus.Close() })

	issuer, err := auth.NewIssuer(config.AuthConfig{
		Secret:     "gateway-test-secret-0123456789",
		CookieName: "session",
		Issuer:     "chatsync-test",
		TokenTTL:   time.Hour,
	})
	require.NoError(t, err)
	return &cluster{store: store, seed: dbtest.NewSeeder(t, store), bus: bus, issuer: issuer}
}

func (c *cluster) node(t *testing.T, name string) *node {
	m := metrics.New()
	log := zap.NewNop()
	svc := chat.NewService(c.store, c.bus, name, config.PaginationConfig{DefaultLimit: 50, MaxLimit: 100}, m, log)
	tracker := presence.NewTracker(c.store, c.bus, name, time.Minute, m, log)
	hub := gateway.NewHub(gatewayConfig, nil, svc, tracker, c.bus, name, m, log)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, err := c.issuer.Verify(r.URL.Query().Get("token"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		hub.Serve(w, r, p)
	}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), wait)
		defer cancel()
		assert.NoError(t, hub.Shutdown(ctx))
		srv.Close()
	})
	return &node{hub: hub, srv: srv, chat: svc, presence: tracker}
}

func (c *cluster) token(t *testing.T, userID, name string) string {
	tok, _, err := c.issuer.Issue(userID, name)
	require.NoError(t, err)
	return tok
}

type wsClient struct {
	t       *testing.T
	conn    *websocket.Conn
	frames  chan models.Frame
	pending []models.Frame
	closed  chan struct{}
}

func dial(t *testing.T, n *node, token string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(n.srv.URL, "http") + "/?token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()

	c := &wsClient{t: t, conn: conn, frames: make(chan models.Frame, 256), closed: make(chan struct{})}
	go func() {
		defer close(c.closed)
		for {
			var f models.Frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			c.frames <- f
		}
	}()
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

func (c *wsClient) send(typ, ackID string, payload any) {
	c.t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteJSON(models.Frame{Type: typ, AckID: ackID, Payload: raw}))
}

// next returns the first frame, buffered or incoming, that satisfies match.
// Frames that do not match stay buffered for later calls.
func (c *wsClient) next(what string, match func(models.Frame) bool) models.Frame {
	c.t.Helper()
	for i, f := range c.pending {
		if match(f) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			return f
		}
	}
	deadline := time.After(wait)
	for {
		select {
		case f := <-c.frames:
			if match(f) {
				return f
			}
			c.pending = append(c.pending, f)
		case <-deadline:
			c.t.Fatalf("no %s within %s", what, wait)
			return models.Frame{}
		}
	}
}

func (c *wsClient) expect(typ string, match func(json.RawMessage) bool) models.Frame {
	c.t.Helper()
	return c.next(typ+" frame", func(f models.Frame) bool {
		return f.Type == typ && (match == nil || match(f.Payload))
	})
}

func (c *wsClient) ack(ackID string) models.Frame {
	c.t.Helper()
	return c.next("ack "+ackID, func(f models.Frame) bool {
		return f.Type == models.EventAck && f.AckID == ackID
	})
}

// quiet fails if a frame of type typ arrives within d.
func (c *wsClient) quiet(typ string, d time.Duration) {
	c.t.Helper()
	for _, f := range c.pending {
		if f.Type == typ {
			c.t.Fatalf("unexpected %s frame", typ)
		}
	}
	deadline := time.After(d)
	for {
		select {
		case f := <-c.frames:
			if f.Type == typ {
				c.t.Fatalf("unexpected %s frame", typ)
			}
			c.pending = append(c.pending, f)
		case <-deadline:
			return
		}
	}
}

// join joins chatID and waits for a successful ack.
func (c *wsClient) join(chatID string) {
	c.t.Helper()
	id := "join-" + chatID
	c.send(models.EventJoinChat, id, chatID)
	var a models.Ack
	require.NoError(c.t, json.Unmarshal(c.ack(id).Payload, &a))
	require.True(c.t, a.Success, "join refused: %s", a.Code)
}

func decodeAs[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func TestMessageCrossesProcesses(t *testing.T) {
	cl := newCluster(t)
	a, b := cl.node(t, "node-a"), cl.node(t, "node-b")
	c := cl.seed.Chat(false, time.Now().Add(-time.Hour), alice, bob)

	ac := dial(t, a, cl.token(t, alice, "alice"))
	bc := dial(t, b, cl.token(t, bob, "bob"))
	ac.join(c.ID)
	bc.join(c.ID)

	ac.send(models.EventSendMessage, "s1", models.SendMessageRequest{ChatID: c.ID, Content: "hello", ClientTempID: "temp-1"})
	ack := decodeAs[models.SendMessageAck](t, ac.ack("s1").Payload)
	require.True(t, ack.Success)
	assert.Equal(t, "temp-1", ack.ClientTempID)
	require.NotNil(t, ack.CreatedAt)

	got := decodeAs[models.MessagePayload](t, bc.expect(models.EventReceiveMessage, nil).Payload)
	assert.Equal(t, ack.MessageID, got.ID)
	assert.Equal(t, "hello", got.Content)
	assert.Equal(t, "alice", got.SenderUsername)
	assert.Equal(t, "temp-1", got.ClientTempID)

	echo := decodeAs[models.MessagePayload](t, ac.expect(models.EventReceiveMessage, nil).Payload)
	assert.Equal(t, ack.MessageID, echo.ID, "the sender's own connection gets the echo")

	bc.send(models.EventMarkAsRead, "r1", models.MarkAsReadRequest{ChatID: c.ID, MessageID: got.ID})
	assert.True(t, decodeAs[models.Ack](t, bc.ack("r1").Payload).Success)
	read := decodeAs[models.MessagesReadPayload](t, ac.expect(models.EventMessagesRead, nil).Payload)
	assert.Equal(t, bob, read.UserID)
	assert.Equal(t, got.ID, read.LastReadMessageID)
}

func TestJoinAnnouncesAndRefusesOutsiders(t *testing.T) {
	cl := newCluster(t)
	a, b := cl.node(t, "node-a"), cl.node(t, "node-b")
	c := cl.seed.Chat(true, time.Now().Add(-time.Hour), alice, bob)

	ac := dial(t, a, cl.token(t, alice, "alice"))
	ac.join(c.ID)

	bc := dial(t, b, cl.token(t, bob, "bob"))
	bc.join(c.ID)
	joined := decodeAs[models.RoomMemberPayload](t, ac.expect(models.EventUserJoined, nil).Payload)
	assert.Equal(t, bob, joined.UserID)
	assert.Equal(t, c.ID, joined.ChatID)

	cc := dial(t, b, cl.token(t, carol, "carol"))
	cc.send(models.EventJoinChat, "j1", map[string]string{"chatId": c.ID})
	refused := decodeAs[models.Ack](t, cc.ack("j1").Payload)
	assert.False(t, refused.Success)
	assert.Equal(t, "FORBIDDEN", refused.Code)

	// The connection survives an authorization failure.
	cc.send(models.EventSendMessage, "", models.SendMessageRequest{ChatID: c.ID, Content: "let me in"})
	errFrame := decodeAs[models.ErrorPayload](t, cc.expect(models.EventError, nil).Payload)
	assert.Equal(t, "FORBIDDEN", errFrame.Code)

	bc.send(models.EventLeaveChat, "l1", c.ID)
	assert.True(t, decodeAs[models.Ack](t, bc.ack("l1").Payload).Success)
	left := decodeAs[models.RoomMemberPayload](t, ac.expect(models.EventUserLeft, nil).Payload)
	assert.Equal(t, bob, left.UserID)
}

func TestRemovedMemberStopsReceivingRoom(t *testing.T) {
	cl := newCluster(t)
	a, b := cl.node(t, "node-a"), cl.node(t, "node-b")
	c := cl.seed.Chat(true, time.Now().Add(-time.Hour), alice, bob, carol)

	ac := dial(t, a, cl.token(t, alice, "alice"))
	bc := dial(t, b, cl.token(t, bob, "bob"))
	cc := dial(t, a, cl.token(t, carol, "carol"))
	ac.join(c.ID)
	bc.join(c.ID)
	cc.join(c.ID)

	require.NoError(t, a.chat.RemoveMember(context.Background(), alice, c.ID, bob))

	removed := decodeAs[models.MemberRemovedPayload](t, bc.expect(models.EventMemberRemoved, nil).Payload)
	assert.Equal(t, bob, removed.UserID)
	assert.Equal(t, alice, removed.RemovedBy)
	cc.expect(models.EventMemberRemoved, nil)

	ac.send(models.EventSendMessage, "s1", models.SendMessageRequest{ChatID: c.ID, Content: "after bob left"})
	require.True(t, decodeAs[models.SendMessageAck](t, ac.ack("s1").Payload).Success)
	cc.expect(models.EventReceiveMessage, nil)
	bc.quiet(models.EventReceiveMessage, 300*time.Millisecond)

	bc.send(models.EventTyping, "t1", models.TypingRequest{ChatID: c.ID, IsTyping: true})
	assert.Equal(t, "FORBIDDEN", decodeAs[models.Ack](t, bc.ack("t1").Payload).Code, "no longer in the room")

	bc.send(models.EventJoinChat, "j1", c.ID)
	rejoin := decodeAs[models.Ack](t, bc.ack("j1").Payload)
	assert.False(t, rejoin.Success)
	assert.Equal(t, "FORBIDDEN", rejoin.Code)
}

func TestPresenceFollowsLastConnection(t *testing.T) {
	cl := newCluster(t)
	a, b := cl.node(t, "node-a"), cl.node(t, "node-b")

	watcher := dial(t, a, cl.token(t, alice, "alice"))
	require.Eventually(t, func() bool { return a.hub.Connections() == 1 }, wait, 10*time.Millisecond)
	first := dial(t, a, cl.token(t, bob, "bob"))
	second := dial(t, b, cl.token(t, bob, "bob"))

	isBob := func(online bool) func(json.RawMessage) bool {
		return func(raw json.RawMessage) bool {
			var p models.UserStatusPayload
			return json.Unmarshal(raw, &p) == nil && p.UserID == bob && p.IsOnline == online
		}
	}
	connections := func(n int) func() bool {
		return func() bool {
			p, err := a.presence.Get(context.Background(), bob)
			return err == nil && p.Connections == n
		}
	}
	watcher.expect(models.EventUserStatusChanged, isBob(true))
	require.Eventually(t, connections(2), wait, 10*time.Millisecond)

	require.NoError(t, first.conn.Close())
	require.Eventually(t, connections(1), wait, 10*time.Millisecond)
	p, err := b.presence.Get(context.Background(), bob)
	require.NoError(t, err)
	assert.True(t, p.IsOnline, "one connection is still open")

	require.NoError(t, second.conn.Close())
	offline := decodeAs[models.UserStatusPayload](t, watcher.expect(models.EventUserStatusChanged, isBob(false)).Payload)
	assert.NotNil(t, offline.LastSeenAt)
}

func TestTypingIsRelayedAndAutoStops(t *testing.T) {
	cl := newCluster(t)
	a, b := cl.node(t, "node-a"), cl.node(t, "node-b")
	c := cl.seed.Chat(false, time.Now().Add(-time.Hour), alice, bob)

	ac := dial(t, a, cl.token(t, alice, "alice"))
	bc := dial(t, b, cl.token(t, bob, "bob"))

	ac.send(models.EventTyping, "t0", models.TypingRequest{ChatID: c.ID, IsTyping: true})
	assert.Equal(t, "FORBIDDEN", decodeAs[models.Ack](t, ac.ack("t0").Payload).Code, "typing requires joining first")

	ac.join(c.ID)
	bc.join(c.ID)

	ac.send(models.EventTyping, "", models.TypingRequest{ChatID: c.ID, IsTyping: true})
	started := decodeAs[models.TypingPayload](t, bc.expect(models.EventUserTyping, nil).Payload)
	assert.True(t, started.IsTyping)
	assert.Equal(t, alice, started.UserID)
	assert.Equal(t, "alice", started.Username)

	// No refresh: the indicator switches itself off after the timeout.
	stopped := decodeAs[models.TypingPayload](t, bc.expect(models.EventUserTyping, nil).Payload)
	assert.False(t, stopped.IsTyping)
}

func TestNewChatReachesMembersOnOtherProcesses(t *testing.T) {
	cl := newCluster(t)
	a, b := cl.node(t, "node-a"), cl.node(t, "node-b")

	bc := dial(t, b, cl.token(t, bob, "bob"))
	require.Eventually(t, func() bool { return b.hub.Connections() == 1 }, wait, 10*time.Millisecond)

	created, ok, err := a.chat.CreateChat(context.Background(),
		auth.Principal{UserID: alice, Username: "alice", ExpiresAt: time.Now().Add(time.Hour)},
		models.CreateChatRequest{MemberIDs: []string{bob}})
	require.NoError(t, err)
	require.True(t, ok)

	got := decodeAs[models.ChatWithDetails](t, bc.expect(models.EventChatCreated, nil).Payload)
	assert.Equal(t, created.ID, got.ID)
	assert.Len(t, got.Participants, 2)
}

func TestHandshakeAndExpiry(t *testing.T) {
	cl := newCluster(t)
	a := cl.node(t, "node-a")

	url := "ws" + strings.TrimPrefix(a.srv.URL, "http") + "/?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Token signed so that it lapses about a second from now.
	soon := cl.issuer.WithClock(func() time.Time { return time.Now().Add(-time.Hour + 1200*time.Millisecond) })
	tok, exp, err := soon.Issue(alice, "alice")
	require.NoError(t, err)
	ac := dial(t, a, tok)

	time.Sleep(time.Until(exp) + 100*time.Millisecond)
	ac.send(models.EventJoinChat, "late", "00000000-0000-4000-8000-000000000000")
	expired := decodeAs[models.ErrorPayload](t, ac.expect(models.EventError, nil).Payload)
	assert.Equal(t, auth.CodeExpired, expired.Code)

	select {
	case <-ac.closed:
	case <-time.After(wait):
		t.Fatal("connection was not closed after expiry")
	}
}

func TestOptimisticSendSurvivesReconnect(t *testing.T) {
	cl := newCluster(t)
	a, b := cl.node(t, "node-a"), cl.node(t, "node-b")
	c := cl.seed.Chat(false, time.Now().Add(-time.Hour), alice, bob)

	list := reconcile.NewStore(c.ID, alice, reconcile.DefaultWindow)
	conn := reconcile.NewConnection()

	ac := dial(t, a, cl.token(t, alice, "alice"))
	conn.Established()
	ac.join(c.ID)
	conn.Joined(c.ID)

	entry, req := list.Submit(reconcile.Draft{Content: "hello"})
	ac.send(models.EventSendMessage, "s1", req)
	list.Receive(decodeAs[models.MessagePayload](t, ac.expect(models.EventReceiveMessage, nil).Payload))
	require.NoError(t, list.Ack(entry.TempID, decodeAs[models.SendMessageAck](t, ac.ack("s1").Payload)))

	entries := list.Entries()
	require.Len(t, entries, 1, "the echo replaced the optimistic entry")
	assert.Equal(t, reconcile.StatusConfirmed, entries[0].Status)
	assert.NotEmpty(t, entries[0].Message.ID)

	// Drop the socket and come back through the other process.
	require.NoError(t, ac.conn.Close())
	conn.Lost()
	assert.Equal(t, reconcile.Reconnecting, conn.State())

	ac = dial(t, b, cl.token(t, alice, "alice"))
	for _, room := range conn.Established() {
		ac.join(room)
	}

	bc := dial(t, a, cl.token(t, bob, "bob"))
	bc.join(c.ID)
	bc.send(models.EventSendMessage, "", models.SendMessageRequest{ChatID: c.ID, Content: "welcome back"})
	got := decodeAs[models.MessagePayload](t, ac.expect(models.EventReceiveMessage, nil).Payload)
	assert.Equal(t, reconcile.Appended, list.Receive(got))
	assert.Len(t, list.Entries(), 2)
}
