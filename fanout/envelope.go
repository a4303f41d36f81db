// Package fanout propagates room and user events between gateway processes
// over a single named channel.
package fanout

import (
	"encoding/json"
	"errors"
	"fmt"

	"chatsync/models"
)

type EventType string

const (
	TypeNewMessage        EventType = "NEW_MESSAGE"
	TypeMessageEdited     EventType = "MESSAGE_EDITED"
	TypeMessageDeleted    EventType = "MESSAGE_DELETED"
	TypeMessagesRead      EventType = "MESSAGES_READ"
	TypeUserJoined        EventType = "USER_JOINED"
	TypeUserLeft          EventType = "USER_LEFT"
	TypeUserStatusChanged EventType = "USER_STATUS_CHANGED"
	TypeTyping            EventType = "TYPING"
	TypeNewChat           EventType = "NEW_CHAT"
	TypeMemberRemoved     EventType = "MEMBER_REMOVED"
)

// ErrUnknownType is returned by Decode for envelopes this build does not know.
// Subscribers log and drop them.
var ErrUnknownType = errors.New("fanout: unknown event type")

// Envelope is the channel payload. Origin names the publishing instance.
type Envelope struct {
	Type   EventType       `json:"type"`
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// Event is implemented by every payload that can travel in an envelope.
type Event interface {
	EventType() EventType
}

// NewMessage is delivered to the chat room.
type NewMessage struct {
	Message models.MessagePayload `json:"message"`
}

type MessageEdited struct {
	models.MessageEditedPayload
}

type MessageDeleted struct {
	models.MessageDeletedPayload
}

type MessagesRead struct {
	models.MessagesReadPayload
}

// RoomMember announces a connection joining or leaving a room. ConnID is
// excluded from delivery.
type RoomMember struct {
	models.RoomMemberPayload
	ConnID string `json:"connId"`
	Left   bool   `json:"left,omitempty"`
}

// UserStatusChanged goes to every connection except the user's own.
type UserStatusChanged struct {
	models.UserStatusPayload
}

// Typing goes to the chat room, skipping the typing user's connections.
type Typing struct {
	models.TypingPayload
}

// NewChat is delivered to the private room of every listed user.
type NewChat struct {
	Chat    models.ChatWithDetails `json:"chat"`
	UserIDs []string               `json:"userIds"`
}

// MemberRemoved ends a membership: it is delivered to the room, after which
// every connection of the user leaves the room.
type MemberRemoved struct {
	models.MemberRemovedPayload
}

func (NewMessage) EventType() EventType        { return TypeNewMessage }
func (MessageEdited) EventType() EventType     { return TypeMessageEdited }
func (MessageDeleted) EventType() EventType    { return TypeMessageDeleted }
func (MessagesRead) EventType() EventType      { return TypeMessagesRead }
func (UserStatusChanged) EventType() EventType { return TypeUserStatusChanged }
func (Typing) EventType() EventType            { return TypeTyping }
func (NewChat) EventType() EventType           { return TypeNewChat }
func (MemberRemoved) EventType() EventType     { return TypeMemberRemoved }

func (r RoomMember) EventType() EventType {
	if r.Left {
		return TypeUserLeft
	}
	return TypeUserJoined
}

// Encode wraps ev in an envelope stamped with origin.
func Encode(origin string, ev Event) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return Envelope{Type: ev.EventType(), Origin: origin, Data: data}, nil
}

// Decode returns the typed event carried by env.
func Decode(env Envelope) (Event, error) {
	var (
		ev  Event
		err error
	)
	switch env.Type {
	case TypeNewMessage:
		ev, err = decodeAs[NewMessage](env.Data)
	case TypeMessageEdited:
		ev, err = decodeAs[MessageEdited](env.Data)
	case TypeMessageDeleted:
		ev, err = decodeAs[MessageDeleted](env.Data)
	case TypeMessagesRead:
		ev, err = decodeAs[MessagesRead](env.Data)
	case TypeUserJoined, TypeUserLeft:
		var rm RoomMember
		rm, err = decodeAs[RoomMember](env.Data)
		rm.Left = env.Type == TypeUserLeft
		ev = rm
	case TypeUserStatusChanged:
		ev, err = decodeAs[UserStatusChanged](env.Data)
	case TypeTyping:
		ev, err = decodeAs[Typing](env.Data)
	case TypeNewChat:
		ev, err = decodeAs[NewChat](env.Data)
	case TypeMemberRemoved:
		ev, err = decodeAs[MemberRemoved](env.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return ev, nil
}

func decodeAs[T Event](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}
