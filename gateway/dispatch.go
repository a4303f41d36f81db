package gateway

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"chatsync/chat"
	"chatsync/errs"
	"chatsync/models"
)

// handlerFunc processes one inbound event. The returned value becomes the
// ack payload when the frame carried an ack id.
type handlerFunc func(ctx context.Context, payload json.RawMessage) (any, error)

func (c *Client) dispatchTable() map[string]handlerFunc {
	return map[string]handlerFunc{
		models.EventJoinChat:    c.onJoin,
		models.EventLeaveChat:   c.onLeave,
		models.EventSendMessage: c.onSend,
		models.EventMarkAsRead:  c.onMarkRead,
		models.EventTyping:      c.onTyping,
	}
}

// handle runs one frame to completion before the next one is read, so events
// of a connection are processed in arrival order.
func (c *Client) handle(f models.Frame) {
	h, ok := c.handlers[f.Type]
	if !ok {
		c.reply(f, nil, errs.Validation("unknown event", map[string]string{"type": f.Type}))
		return
	}
	result, err := h(c.ctx, f.Payload)
	if err != nil && errs.KindOf(err) == errs.KindInternal {
		c.log.Error("event failed", zap.String("event", f.Type), zap.Error(err))
	}
	c.reply(f, result, err)
}

// reply acknowledges a frame that asked for it, and reports errors of those
// that did not as an error event.
func (c *Client) reply(f models.Frame, result any, err error) {
	if f.AckID == "" {
		if err != nil {
			c.sendError(err)
		}
		return
	}

	if result == nil {
		result = models.Ack{Success: err == nil}
	}
	if err != nil {
		if a, ok := result.(models.Ack); ok {
			a.Error = clientMessage(err)
			a.Code = errs.CodeOf(err)
			result = a
		}
	}
	ack, ferr := models.NewFrame(models.EventAck, result)
	if ferr != nil {
		c.log.Error("failed to encode ack", zap.String("event", f.Type), zap.Error(ferr))
		return
	}
	ack.AckID = f.AckID
	c.sendFrame(ack)
}

func decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, errs.Validation("missing payload", nil)
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, errs.Validation("malformed payload", nil)
	}
	if err := chat.Validate(v); err != nil {
		return v, err
	}
	return v, nil
}

func (c *Client) onJoin(ctx context.Context, payload json.RawMessage) (any, error) {
	ref, err := decode[models.ChatRef](payload)
	if err != nil {
		return nil, err
	}
	if _, err := c.hub.chat.Authorize(ctx, ref.ChatID, c.principal.UserID); err != nil {
		return nil, err
	}
	if !c.hub.join(c, ref.ChatID) {
		return nil, nil
	}
	// A removal delivered between the check and the join found nothing to
	// evict; checking again closes that gap.
	if _, err := c.hub.chat.Authorize(ctx, ref.ChatID, c.principal.UserID); err != nil {
		c.hub.leave(c, ref.ChatID)
		return nil, err
	}
	c.hub.publish(ctx, c.memberEvent(ref.ChatID, false))
	return nil, nil
}

func (c *Client) onLeave(ctx context.Context, payload json.RawMessage) (any, error) {
	ref, err := decode[models.ChatRef](payload)
	if err != nil {
		return nil, err
	}
	if c.hub.leave(c, ref.ChatID) {
		c.stopTypingIn(ctx, ref.ChatID)
		c.hub.publish(ctx, c.memberEvent(ref.ChatID, true))
	}
	return nil, nil
}

func (c *Client) onSend(ctx context.Context, payload json.RawMessage) (any, error) {
	var req models.SendMessageRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return models.SendMessageAck{Success: false, Error: "malformed payload", Code: "VALIDATION_FAILED"},
				errs.Validation("malformed payload", nil)
		}
	}

	msg, err := c.hub.chat.Send(ctx, c.principal, req)
	if err != nil {
		return models.SendMessageAck{
			Success:      false,
			ClientTempID: req.ClientTempID,
			Error:        clientMessage(err),
			Code:         errs.CodeOf(err),
			Fields:       errs.FieldsOf(err),
		}, err
	}
	c.stopTypingIn(ctx, req.ChatID)

	createdAt := msg.CreatedAt
	return models.SendMessageAck{
		Success:      true,
		MessageID:    msg.ID,
		CreatedAt:    &createdAt,
		ClientTempID: req.ClientTempID,
	}, nil
}

func (c *Client) onMarkRead(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[models.MarkAsReadRequest](payload)
	if err != nil {
		return nil, err
	}
	_, err = c.hub.chat.MarkRead(ctx, c.principal.UserID, req.ChatID, req.MessageID)
	return nil, err
}

func (c *Client) onTyping(ctx context.Context, payload json.RawMessage) (any, error) {
	req, err := decode[models.TypingRequest](payload)
	if err != nil {
		return nil, err
	}
	if !c.hub.inRoom(c, req.ChatID) {
		return nil, errs.Authorization("join the chat before typing in it")
	}
	if req.IsTyping {
		c.startTyping(ctx, req.ChatID)
		return nil, nil
	}
	// An explicit stop is never throttled.
	if !c.stopTypingIn(ctx, req.ChatID) {
		c.publishTyping(ctx, req.ChatID, false)
	}
	return nil, nil
}
