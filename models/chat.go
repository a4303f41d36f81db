package models

import "time"

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
	RoleOwner  Role = "owner"
)

// CanModerate reports whether the role may delete other members' messages
// and remove other members.
func (r Role) CanModerate() bool {
	return r == RoleAdmin || r == RoleOwner
}

type Chat struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	IsGroup   bool      `db:"is_group" json:"isGroup"`
	CreatedBy string    `db:"created_by" json:"createdBy"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// Participant is a user's membership in a chat. A nil JoinedAt comes from
// legacy rows and is treated as "joined at the beginning of history".
type Participant struct {
	ChatID            string     `db:"chat_id" json:"chatId"`
	UserID            string     `db:"user_id" json:"userId"`
	Role              Role       `db:"role" json:"role"`
	JoinedAt          *time.Time `db:"joined_at" json:"joinedAt"`
	LeftAt            *time.Time `db:"left_at" json:"leftAt,omitempty"`
	LastReadMessageID *string    `db:"last_read_message_id" json:"lastReadMessageId"`
}

// Active participants count as members and receive deliveries.
func (p *Participant) Active() bool {
	return p.LeftAt == nil
}

type ParticipantWithUser struct {
	Participant
	Username string `db:"username" json:"username"`
	Avatar   string `db:"avatar" json:"avatar"`
}

// ChatWithDetails is the chat listing entry and the NEW_CHAT payload.
type ChatWithDetails struct {
	Chat
	Participants []ParticipantWithUser `json:"participants"`
	LastMessage  *Message              `json:"lastMessage,omitempty"`
	UnreadCount  int                   `json:"unreadCount"`
}

// CreateChatRequest creates a group chat, or a direct chat when exactly one
// other member is given and no name.
type CreateChatRequest struct {
	Name      string   `json:"name" validate:"max=100"`
	MemberIDs []string `json:"memberIds" validate:"required,min=1,max=256,dive,required,uuid"`
}

type EditMessageRequest struct {
	Content string `json:"content" validate:"required,max=4000"`
}
