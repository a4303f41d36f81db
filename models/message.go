package models

import "time"

// ContentType is the kind of payload a message carries.
type ContentType string

const (
	ContentText   ContentType = "text"
	ContentImage  ContentType = "image"
	ContentVideo  ContentType = "video"
	ContentAudio  ContentType = "audio"
	ContentFile   ContentType = "file"
	ContentSystem ContentType = "system"
)

func (c ContentType) IsValid() bool {
	switch c {
	case ContentText, ContentImage, ContentVideo, ContentAudio, ContentFile, ContentSystem:
		return true
	}
	return false
}

// NeedsMedia reports whether messages of this type must reference media.
func (c ContentType) NeedsMedia() bool {
	return c != ContentText && c != ContentSystem
}

// Message is a persisted chat message. ID is a time-ordered UUIDv7, so
// lexical order of IDs within a chat matches creation order.
type Message struct {
	ID          string      `db:"id" json:"id"`
	ChatID      string      `db:"chat_id" json:"chatId"`
	SenderID    string      `db:"sender_id" json:"senderId"`
	Content     string      `db:"content" json:"content"`
	ContentType ContentType `db:"content_type" json:"contentType"`
	MediaURL    *string     `db:"media_url" json:"mediaUrl,omitempty"`
	ReplyToID   *string     `db:"reply_to_id" json:"replyToMessageId,omitempty"`
	CreatedAt   time.Time   `db:"created_at" json:"createdAt"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updatedAt"`
	DeletedAt   *time.Time  `db:"deleted_at" json:"deletedAt,omitempty"`
	IsEdited    bool        `db:"is_edited" json:"isEdited"`
}

// IsDeleted reports whether a DELETED action has superseded the content.
func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// NewerThan reports whether m sorts after the message with the given id. Nil
// means no message. IDs are time-ordered, and this is the order history pages
// and unread counts use; CreatedAt is display data only.
func (m *Message) NewerThan(id *string) bool {
	return id == nil || m.ID > *id
}

// MessagePayload is what gets delivered to room members. Sender display fields
// are denormalized so receivers never look the sender up.
type MessagePayload struct {
	Message
	SenderUsername string `json:"senderUsername"`
	SenderAvatar   string `json:"senderAvatar"`
	ClientTempID   string `json:"clientTempId,omitempty"`
}

// ReadReceipt records that a user has read a message authored by someone else.
type ReadReceipt struct {
	MessageID string    `db:"message_id" json:"messageId"`
	UserID    string    `db:"user_id" json:"userId"`
	ReadAt    time.Time `db:"read_at" json:"readAt"`
}

type ActionType string

const (
	ActionEdited    ActionType = "edited"
	ActionDeleted   ActionType = "deleted"
	ActionForwarded ActionType = "forwarded"
	ActionPinned    ActionType = "pinned"
	ActionUnpinned  ActionType = "unpinned"
)

// MessageAction is an append-only audit entry.
type MessageAction struct {
	ID         string     `db:"id" json:"id"`
	MessageID  string     `db:"message_id" json:"messageId"`
	ActorID    string     `db:"actor_id" json:"actorId"`
	ActionType ActionType `db:"action_type" json:"actionType"`
	Content    *string    `db:"content" json:"content,omitempty"`
	CreatedAt  time.Time  `db:"created_at" json:"createdAt"`
}

// Page is one unread-anchored or cursor-keyed slice of chat history, oldest first.
type Page struct {
	Messages      []Message `json:"messages"`
	NextCursor    *string   `json:"nextCursor"`
	FirstUnreadID *string   `json:"firstUnreadId,omitempty"`
	UnreadCount   int       `json:"unreadCount"`
}
