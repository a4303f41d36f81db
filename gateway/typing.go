package gateway

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"chatsync/fanout"
	"chatsync/models"
)

// typingState is the indicator of one connection in one chat. Starts are
// throttled by limiter; the timer turns the indicator off when the client
// stops refreshing it.
type typingState struct {
	limiter  *rate.Limiter
	timer    *time.Timer
	deadline time.Time
	active   bool
}

func (c *Client) startTyping(ctx context.Context, chatID string) {
	cfg := c.hub.cfg

	c.typingMu.Lock()
	st, ok := c.typing[chatID]
	if !ok {
		st = &typingState{limiter: rate.NewLimiter(rate.Every(cfg.TypingInterval), 1)}
		c.typing[chatID] = st
	}
	announce := st.limiter.Allow() || !st.active
	st.active = true
	st.deadline = time.Now().Add(cfg.TypingTimeout)
	if st.timer == nil {
		st.timer = time.AfterFunc(cfg.TypingTimeout, func() { c.expireTyping(chatID, st) })
	} else {
		st.timer.Reset(cfg.TypingTimeout)
	}
	c.typingMu.Unlock()

	if announce {
		c.publishTyping(ctx, chatID, true)
	}
}

// stopTypingIn turns the indicator off and announces it if it was on. It
// reports whether an announcement was made.
func (c *Client) stopTypingIn(ctx context.Context, chatID string) bool {
	c.typingMu.Lock()
	st, ok := c.typing[chatID]
	wasActive := ok && st.active
	if ok {
		st.active = false
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	c.typingMu.Unlock()

	if wasActive {
		c.publishTyping(ctx, chatID, false)
	}
	return wasActive
}

// stopTyping clears every indicator of the connection; used on disconnect.
func (c *Client) stopTyping(ctx context.Context) {
	c.typingMu.Lock()
	var active []string
	for chatID, st := range c.typing {
		if st.timer != nil {
			st.timer.Stop()
		}
		if st.active {
			active = append(active, chatID)
		}
	}
	c.typing = make(map[string]*typingState)
	c.typingMu.Unlock()

	for _, chatID := range active {
		c.publishTyping(ctx, chatID, false)
	}
}

func (c *Client) expireTyping(chatID string, st *typingState) {
	c.typingMu.Lock()
	// A refresh after the timer fired moved the deadline; that run will fire again.
	if c.typing[chatID] != st || !st.active || time.Now().Before(st.deadline) {
		c.typingMu.Unlock()
		return
	}
	st.active = false
	c.typingMu.Unlock()

	c.publishTyping(context.WithoutCancel(c.ctx), chatID, false)
}

func (c *Client) publishTyping(ctx context.Context, chatID string, typing bool) {
	c.hub.publish(ctx, fanout.Typing{TypingPayload: models.TypingPayload{
		ChatID:   chatID,
		UserID:   c.principal.UserID,
		Username: c.principal.Username,
		IsTyping: typing,
	}})
}
