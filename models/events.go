package models

import (
	"bytes"
	"encoding/json"
	"time"
)

// Client to server event names.
const (
	EventJoinChat    = "join_chat"
	EventLeaveChat   = "leave_chat"
	EventSendMessage = "send_message"
	EventMarkAsRead  = "mark_as_read"
	EventTyping      = "typing"
)

// Server to client event names.
const (
	EventReceiveMessage    = "receive_message"
	EventMessageEdited     = "message_edited"
	EventMessageDeleted    = "message_deleted"
	EventMessagesRead      = "messages_read"
	EventUserJoined        = "user_joined"
	EventUserLeft          = "user_left"
	EventUserStatusChanged = "user_status_changed"
	EventUserTyping        = "user_typing"
	EventChatCreated       = "chat_created"
	EventMemberRemoved     = "member_removed"
	EventError             = "error"
	EventAck               = "ack"
)

// Frame is the websocket wire format in both directions. A request carrying
// AckID is answered with an "ack" frame echoing it.
type Frame struct {
	Type    string          `json:"type"`
	AckID   string          `json:"ackId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a frame.
func NewFrame(eventType string, payload any) (Frame, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: eventType, Payload: raw}, nil
}

// ChatRef accepts either a bare chat id string or {"chatId": "..."}.
type ChatRef struct {
	ChatID string `json:"chatId" validate:"required,uuid"`
}

func (c *ChatRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.ChatID)
	}
	type plain ChatRef
	return json.Unmarshal(data, (*plain)(c))
}

type SendMessageRequest struct {
	ChatID           string      `json:"chatId" validate:"required,uuid"`
	Content          string      `json:"content" validate:"max=4000"`
	ContentType      ContentType `json:"contentType"`
	MediaURL         *string     `json:"mediaUrl,omitempty" validate:"omitempty,url,max=2048"`
	ReplyToMessageID *string     `json:"replyToMessageId,omitempty" validate:"omitempty,uuid"`
	ClientTempID     string      `json:"clientTempId,omitempty" validate:"max=128"`
}

// SendMessageAck acknowledges send_message to the initiating connection.
type SendMessageAck struct {
	Success      bool              `json:"success"`
	MessageID    string            `json:"messageId,omitempty"`
	CreatedAt    *time.Time        `json:"createdAt,omitempty"`
	ClientTempID string            `json:"clientTempId,omitempty"`
	Error        string            `json:"error,omitempty"`
	Code         string            `json:"code,omitempty"`
	Fields       map[string]string `json:"fields,omitempty"`
}

// Ack is the generic acknowledgement for events other than send_message.
type Ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

type MarkAsReadRequest struct {
	ChatID    string `json:"chatId" validate:"required,uuid"`
	MessageID string `json:"messageId" validate:"required,uuid"`
}

type TypingRequest struct {
	ChatID   string `json:"chatId" validate:"required,uuid"`
	IsTyping bool   `json:"isTyping"`
}

type MessageEditedPayload struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	Content   string    `json:"content"`
	UpdatedAt time.Time `json:"updatedAt"`
	EditedBy  string    `json:"editedBy"`
}

type MessageDeletedPayload struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	DeletedAt time.Time `json:"deletedAt"`
	DeletedBy string    `json:"deletedBy"`
}

type MessagesReadPayload struct {
	ChatID            string    `json:"chatId"`
	UserID            string    `json:"userId"`
	LastReadMessageID string    `json:"lastReadMessageId"`
	ReadAt            time.Time `json:"readAt"`
}

// RoomMemberPayload is sent with user_joined and user_left.
type RoomMemberPayload struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// MemberRemovedPayload is sent to the chat room when a membership ends. The
// removed user's connections get it too, then stop receiving the room.
type MemberRemovedPayload struct {
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId"`
	RemovedBy string `json:"removedBy"`
}

type UserStatusPayload struct {
	UserID     string     `json:"userId"`
	IsOnline   bool       `json:"isOnline"`
	LastSeenAt *time.Time `json:"lastSeenAt"`
}

type TypingPayload struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

type ErrorPayload struct {
	Message string            `json:"message"`
	Code    string            `json:"code"`
	Fields  map[string]string `json:"fields,omitempty"`
}
