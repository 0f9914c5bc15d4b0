package models

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrAuthRequired = errors.New("authentication required")
)

type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeFile  ContentType = "file"
)

// Message is a single chat message. Once delivered it is immutable except
// for Status, which only moves forward (sending -> sent -> delivered, or
// sending -> failed).
type Message struct {
	ID          string        `json:"message_id"`
	ThreadID    string        `json:"thread_id"`
	SenderID    string        `json:"sender_id"`
	Content     string        `json:"content"`
	ContentType ContentType   `json:"content_type"`
	CreatedAt   time.Time     `json:"created_at"`
	Status      MessageStatus `json:"-"`
}

// Thread is a read-only projection of one direct conversation, as exposed
// to the UI layer. Messages are ordered by CreatedAt ascending.
type Thread struct {
	ID          string
	Messages    []Message
	LastMessage *Message
	UnreadCount int
	TypingUsers []string
}

// LastActivity is the timestamp of the most recent message, or the zero
// time for a thread with no messages yet.
func (t Thread) LastActivity() time.Time {
	if t.LastMessage == nil {
		return time.Time{}
	}
	return t.LastMessage.CreatedAt
}

type UserStatus string

const (
	UserStatusOnline       UserStatus = "online"
	UserStatusOffline      UserStatus = "offline"
	UserStatusAway         UserStatus = "away"
	UserStatusDoNotDisturb UserStatus = "do_not_disturb"
)

// Presence is the last known online state of a remote user.
type Presence struct {
	UserID   string     `json:"user_id"`
	Status   UserStatus `json:"status"`
	LastSeen time.Time  `json:"last_seen"`
}

// MessagePage is one page of durable message history returned by the
// server's paginated REST endpoint.
type MessagePage struct {
	Messages    []Message `json:"messages"`
	CurrentPage int       `json:"current_page"`
	PageSize    int       `json:"page_size"`
	HasMore     bool      `json:"has_more"`
}

type EnvelopeKind string

const (
	KindNewMessage EnvelopeKind = "new_message"
	KindTyping     EnvelopeKind = "typing"
	KindStopTyping EnvelopeKind = "stop_typing"
	KindUserJoined EnvelopeKind = "user_joined"
	KindUserLeft   EnvelopeKind = "user_left"
	KindUserStatus EnvelopeKind = "user_status"
	KindError      EnvelopeKind = "error"
	KindPing       EnvelopeKind = "ping"
)

// Envelope is the discriminated unit exchanged over the websocket in both
// directions. Which fields are populated depends on Type.
type Envelope struct {
	Type        EnvelopeKind `json:"type"`
	MessageID   string       `json:"message_id,omitempty"`
	ThreadID    string       `json:"thread_id,omitempty"`
	SenderID    string       `json:"sender_id,omitempty"`
	UserID      string       `json:"user_id,omitempty"`
	Content     string       `json:"content,omitempty"`
	ContentType ContentType  `json:"content_type,omitempty"`
	Status      UserStatus   `json:"status,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"created_at,omitzero"`
	Timestamp   time.Time    `json:"timestamp,omitzero"`
}

// Message converts a new_message envelope into a Message record.
func (e Envelope) Message() Message {
	ct := e.ContentType
	if ct == "" {
		ct = ContentTypeText
	}
	return Message{
		ID:          e.MessageID,
		ThreadID:    e.ThreadID,
		SenderID:    e.SenderID,
		Content:     e.Content,
		ContentType: ct,
		CreatedAt:   e.CreatedAt,
		Status:      StatusDelivered,
	}
}
