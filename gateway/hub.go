// Package gateway owns live websocket connections: it authenticates them,
// tracks which chat rooms each connection listens to and delivers fanout
// events to the right sockets.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatsync/auth"
	"chatsync/config"
	"chatsync/fanout"
	"chatsync/metrics"
	"chatsync/models"
)

// Chat is the part of the chat service reachable from a connection.
type Chat interface {
	Authorize(ctx context.Context, chatID, userID string) (*models.Participant, error)
	Send(ctx context.Context, sender auth.Principal, req models.SendMessageRequest) (*models.MessagePayload, error)
	MarkRead(ctx context.Context, userID, chatID, messageID string) (bool, error)
}

type Presence interface {
	Connect(ctx context.Context, userID, connID string) (*models.Presence, error)
	Disconnect(ctx context.Context, connID string) (*models.Presence, error)
}

type clientSet map[*Client]struct{}

// Hub keeps every connection of this process and the rooms they joined.
// Rooms are local; other processes learn about events through the bus only.
type Hub struct {
	cfg        config.GatewayConfig
	chat       Chat
	presence   Presence
	bus        fanout.Bus
	instanceID string
	metrics    *metrics.Metrics
	log        *zap.Logger
	upgrader   websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]clientSet // chat id
	users   map[string]clientSet // user id, the private per-user room
	closed  bool

	conns       sync.WaitGroup
	unsubscribe func()
}

func NewHub(cfg config.GatewayConfig, allowedOrigins []string, chat Chat, presence Presence, bus fanout.Bus, instanceID string, m *metrics.Metrics, log *zap.Logger) *Hub {
	h := &Hub{
		cfg:        cfg,
		chat:       chat,
		presence:   presence,
		bus:        bus,
		instanceID: instanceID,
		metrics:    m,
		log:        log.Named("gateway"),
		clients:    make(map[string]*Client),
		rooms:      make(map[string]clientSet),
		users:      make(map[string]clientSet),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(allowedOrigins),
	}
	h.unsubscribe = bus.Subscribe(h.deliver)
	return h
}

// An empty allow list accepts every origin.
func checkOrigin(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

var errHubClosed = errors.New("gateway: hub closed")

// Serve upgrades an already authenticated request and runs the connection
// until either side closes it.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(h, conn, uuid.NewString(), p)
	if err := h.register(c); err != nil {
		c.finish(websocket.CloseGoingAway, "server shutting down")
		go c.writePump()
		return
	}

	if _, err := h.presence.Connect(c.ctx, p.UserID, c.id); err != nil {
		h.log.Warn("presence connect failed", zap.String("user_id", p.UserID), zap.String("conn_id", c.id), zap.Error(err))
	}
	h.log.Debug("client connected", zap.String("user_id", p.UserID), zap.String("conn_id", c.id))

	go c.writePump()
	go c.readPump()
}

func (h *Hub) register(c *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return errHubClosed
	}
	h.clients[c.id] = c
	addTo(h.users, c.principal.UserID, c)
	h.conns.Add(1)
	if h.metrics != nil {
		h.metrics.Connections.Inc()
	}
	return nil
}

// unregister drops the connection from every room, announces the leaves and
// releases its presence session. Runs once per connection.
func (h *Hub) unregister(c *Client) {
	defer h.conns.Done()

	h.mu.Lock()
	delete(h.clients, c.id)
	removeFrom(h.users, c.principal.UserID, c)
	var left []string
	for chatID, members := range h.rooms {
		if _, ok := members[c]; ok {
			removeFrom(h.rooms, chatID, c)
			left = append(left, chatID)
		}
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Connections.Dec()
		h.metrics.Rooms.Sub(float64(len(left)))
	}

	// The connection context is already cancelled; cleanup still has to reach
	// the store and the bus.
	ctx := context.WithoutCancel(c.ctx)
	c.stopTyping(ctx)
	for _, chatID := range left {
		h.publish(ctx, c.memberEvent(chatID, true))
	}
	if _, err := h.presence.Disconnect(ctx, c.id); err != nil {
		h.log.Warn("presence disconnect failed", zap.String("user_id", c.principal.UserID), zap.String("conn_id", c.id), zap.Error(err))
	}
	h.log.Debug("client disconnected", zap.String("user_id", c.principal.UserID), zap.String("conn_id", c.id))
}

// join adds c to the chat room. It reports false if c was already a member.
func (h *Hub) join(c *Client, chatID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[chatID][c]; ok {
		return false
	}
	addTo(h.rooms, chatID, c)
	if h.metrics != nil {
		h.metrics.Rooms.Inc()
	}
	return true
}

// leave removes c from the chat room. It reports false if c was not a member.
func (h *Hub) leave(c *Client, chatID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[chatID][c]; !ok {
		return false
	}
	removeFrom(h.rooms, chatID, c)
	if h.metrics != nil {
		h.metrics.Rooms.Dec()
	}
	return true
}

// evict takes every local connection of userID out of the chat room once the
// membership has ended.
func (h *Hub) evict(chatID, userID string) {
	h.mu.Lock()
	var evicted []*Client
	for c := range h.rooms[chatID] {
		if c.principal.UserID == userID {
			evicted = append(evicted, c)
		}
	}
	for _, c := range evicted {
		removeFrom(h.rooms, chatID, c)
	}
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Rooms.Sub(float64(len(evicted)))
	}
	for _, c := range evicted {
		c.stopTypingIn(context.WithoutCancel(c.ctx), chatID)
		h.log.Debug("connection evicted from room", zap.String("chat_id", chatID), zap.String("conn_id", c.id))
	}
}

func (h *Hub) inRoom(c *Client, chatID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[chatID][c]
	return ok
}

// Connections returns the number of live connections on this process.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every connection, waits for their cleanup to finish and
// detaches from the bus. The bus itself is left open for the caller to close.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.finish(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	h.unsubscribe()
	return err
}

// deliver routes one envelope from the bus to local sockets.
func (h *Hub) deliver(env fanout.Envelope) {
	ev, err := fanout.Decode(env)
	if err != nil {
		h.log.Warn("dropping fanout envelope", zap.String("event", string(env.Type)), zap.String("origin", env.Origin), zap.Error(err))
		return
	}
	if h.metrics != nil {
		h.metrics.FanoutReceived.WithLabelValues(string(env.Type)).Inc()
	}

	switch e := ev.(type) {
	case fanout.NewMessage:
		h.toRoom(e.Message.ChatID, models.EventReceiveMessage, e.Message, nil)
	case fanout.MessageEdited:
		h.toRoom(e.ChatID, models.EventMessageEdited, e.MessageEditedPayload, nil)
	case fanout.MessageDeleted:
		h.toRoom(e.ChatID, models.EventMessageDeleted, e.MessageDeletedPayload, nil)
	case fanout.MessagesRead:
		h.toRoom(e.ChatID, models.EventMessagesRead, e.MessagesReadPayload, nil)
	case fanout.RoomMember:
		event := models.EventUserJoined
		if e.Left {
			event = models.EventUserLeft
		}
		h.toRoom(e.ChatID, event, e.RoomMemberPayload, func(c *Client) bool { return c.id == e.ConnID })
	case fanout.Typing:
		h.toRoom(e.ChatID, models.EventUserTyping, e.TypingPayload, func(c *Client) bool { return c.principal.UserID == e.UserID })
	case fanout.UserStatusChanged:
		h.toAll(models.EventUserStatusChanged, e.UserStatusPayload, func(c *Client) bool { return c.principal.UserID == e.UserID })
	case fanout.NewChat:
		h.toUsers(e.UserIDs, models.EventChatCreated, e.Chat)
	case fanout.MemberRemoved:
		h.toRoom(e.ChatID, models.EventMemberRemoved, e.MemberRemovedPayload, nil)
		h.evict(e.ChatID, e.UserID)
	default:
		h.log.Warn("unhandled fanout event", zap.String("event", string(env.Type)))
	}
}

func (h *Hub) toRoom(chatID, event string, payload any, skip func(*Client) bool) {
	msg, ok := h.frame(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	targets := collect(h.rooms[chatID], skip)
	h.mu.RUnlock()
	h.push(targets, msg)
}

func (h *Hub) toUsers(userIDs []string, event string, payload any) {
	msg, ok := h.frame(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	var targets []*Client
	for _, id := range userIDs {
		targets = append(targets, collect(h.users[id], nil)...)
	}
	h.mu.RUnlock()
	h.push(targets, msg)
}

func (h *Hub) toAll(event string, payload any, skip func(*Client) bool) {
	msg, ok := h.frame(event, payload)
	if !ok {
		return
	}
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		if skip == nil || !skip(c) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	h.push(targets, msg)
}

func (h *Hub) push(targets []*Client, msg []byte) {
	for _, c := range targets {
		c.enqueue(msg)
	}
}

func (h *Hub) frame(event string, payload any) ([]byte, bool) {
	f, err := models.NewFrame(event, payload)
	if err == nil {
		var b []byte
		if b, err = json.Marshal(f); err == nil {
			return b, true
		}
	}
	h.log.Error("failed to encode frame", zap.String("event", event), zap.Error(err))
	return nil, false
}

// publish is fire-and-forget, like every other room broadcast.
func (h *Hub) publish(ctx context.Context, ev fanout.Event) {
	typ := string(ev.EventType())
	env, err := fanout.Encode(h.instanceID, ev)
	if err == nil {
		err = h.bus.Publish(context.WithoutCancel(ctx), env)
	}
	if err != nil {
		if h.metrics != nil {
			h.metrics.FanoutFailures.WithLabelValues(typ).Inc()
		}
		h.log.Warn("fanout publish failed", zap.String("event", typ), zap.Error(err))
		return
	}
	if h.metrics != nil {
		h.metrics.FanoutPublished.WithLabelValues(typ).Inc()
	}
}

func addTo(m map[string]clientSet, key string, c *Client) {
	set, ok := m[key]
	if !ok {
		set = make(clientSet)
		m[key] = set
	}
	set[c] = struct{}{}
}

func removeFrom(m map[string]clientSet, key string, c *Client) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(m, key)
	}
}

func collect(set clientSet, skip func(*Client) bool) []*Client {
	out := make([]*Client, 0, len(set))
	for c := range set {
		if skip == nil || !skip(c) {
			out = append(out, c)
		}
	}
	return out
}
