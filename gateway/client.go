package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chatsync/auth"
	"chatsync/errs"
	"chatsync/fanout"
	"chatsync/models"
)

// Client is one websocket connection. Only readPump touches the dispatch
// table; only writePump writes to the socket.
type Client struct {
	id        string
	hub       *Hub
	conn      *websocket.Conn
	principal auth.Principal
	send      chan []byte

	// ctx is cancelled when the connection finishes; in-flight store writes
	// that already committed are not affected.
	ctx    context.Context
	cancel context.CancelFunc

	handlers map[string]handlerFunc

	typingMu sync.Mutex
	typing   map[string]*typingState

	done       chan struct{}
	finishOnce sync.Once
	closeCode  int
	closeText  string
	log        *zap.Logger
}

func newClient(h *Hub, conn *websocket.Conn, id string, p auth.Principal) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:        id,
		hub:       h,
		conn:      conn,
		principal: p,
		send:      make(chan []byte, h.cfg.SendBuffer),
		ctx:       ctx,
		cancel:    cancel,
		typing:    make(map[string]*typingState),
		done:      make(chan struct{}),
		log:       h.log.With(zap.String("conn_id", id), zap.String("user_id", p.UserID)),
	}
	c.handlers = c.dispatchTable()
	return c
}

// finish ends the connection: the writer flushes what is queued, sends a
// close frame with code and closes the socket, which stops the reader.
func (c *Client) finish(code int, text string) {
	c.finishOnce.Do(func() {
		c.closeCode = code
		c.closeText = text
		c.cancel()
		close(c.done)
	})
}

// enqueue hands msg to the writer. A client that cannot keep up is dropped
// rather than allowed to stall delivery to everyone else.
func (c *Client) enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- msg:
	default:
		c.log.Warn("send buffer full, disconnecting slow client")
		c.finish(websocket.CloseTryAgainLater, "send buffer full")
	}
}

func (c *Client) sendFrame(f models.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		c.log.Error("failed to encode frame", zap.String("event", f.Type), zap.Error(err))
		return
	}
	c.enqueue(b)
}

func (c *Client) sendError(err error) {
	payload := models.ErrorPayload{
		Message: clientMessage(err),
		Code:    errs.CodeOf(err),
		Fields:  errs.FieldsOf(err),
	}
	f, ferr := models.NewFrame(models.EventError, payload)
	if ferr != nil {
		return
	}
	c.sendFrame(f)
}

// clientMessage hides internal error details from the socket.
func clientMessage(err error) string {
	var e *errs.Error
	if !errors.As(err, &e) || e.Kind == errs.KindInternal {
		return "internal error"
	}
	return e.Message
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.finish(websocket.CloseNormalClosure, "")
	}()

	cfg := c.hub.cfg
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Debug("websocket read failed", zap.Error(err))
			}
			return
		}

		if c.principal.Expired(time.Now()) {
			if c.hub.metrics != nil {
				c.hub.metrics.AuthFailures.Inc()
			}
			c.sendError(errs.Authentication(auth.CodeExpired, "session expired", nil))
			c.finish(websocket.ClosePolicyViolation, "session expired")
			return
		}

		var f models.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.sendError(errs.Validation("malformed frame", nil))
			continue
		}
		c.handle(f)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingPeriod())
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.finish(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.finish(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.flush()
			return
		}
	}
}

// flush writes whatever is still queued, then the close frame.
func (c *Client) flush() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			if c.closeCode != websocket.CloseAbnormalClosure {
				_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeText))
			}
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
	return c.conn.WriteMessage(messageType, data)
}

func (c *Client) memberEvent(chatID string, left bool) fanout.RoomMember {
	return fanout.RoomMember{
		RoomMemberPayload: models.RoomMemberPayload{
			ChatID:   chatID,
			UserID:   c.principal.UserID,
			Username: c.principal.Username,
		},
		ConnID: c.id,
		Left:   left,
	}
}
