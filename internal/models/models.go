package models

import (
	"errors"
	"sort"
	"strings"
)

var (
	ErrNotFound = errors.New("not found")
)

// UserSnapshot is the denormalized sender profile embedded into every
// persisted message, so readers never need a join against the user
// directory.
type UserSnapshot struct {
	ID          string `json:"id"`
	UserName    string `json:"userName,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Message is a durable chat message. Exactly one of RecipientID
// (direct) or ChatID (group) is set.
type Message struct {
	ID          string        `json:"id"`
	SenderID    string        `json:"senderId"`
	RecipientID string        `json:"recipientId,omitempty"`
	ChatID      string        `json:"chatId,omitempty"`
	Content     string        `json:"content"`
	CreatedAt   int64         `json:"createdAt"` // Unix timestamp (seconds)
	Sender      *UserSnapshot `json:"sender,omitempty"`
}

// ConversationID returns the storage key grouping this message with
// the rest of its conversation: the chat ID for group messages, or a
// deterministic "dm_<a>_<b>" key for direct ones.
func (m Message) ConversationID() string {
	if m.ChatID != "" {
		return m.ChatID
	}
	return DMConversationID(m.SenderID, m.RecipientID)
}

// DMConversationID builds the direct-conversation key for a pair of
// users. Order of arguments does not matter.
func DMConversationID(u1, u2 string) string {
	ids := []string{u1, u2}
	sort.Strings(ids)
	return "dm_" + strings.Join(ids, "_")
}

// ChatRoom is a group conversation with a fixed participant list.
type ChatRoom struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
}

type EventType string

const (
	EventAuth          EventType = "auth"
	EventConnectionAck EventType = "connection_ack"
	EventMessage       EventType = "message"
	EventGroupMessage  EventType = "group_message"
	EventMessageSent   EventType = "message_sent"
	EventTypingStart   EventType = "typing_start"
	EventTypingStop    EventType = "typing_stop"
	EventMessageRead   EventType = "message_read"
	EventHeartbeat     EventType = "heartbeat"
	EventUserOnline    EventType = "user_online"
	EventUserOffline   EventType = "user_offline"
	EventError         EventType = "error"
)

// Event is the single wire frame exchanged over the socket in both
// directions. Type selects which of the optional fields are
// meaningful; unused fields are omitted from the JSON encoding.
type Event struct {
	Type EventType `json:"type"`

	// auth
	Token string `json:"token,omitempty"`

	// connection_ack, user_online, user_offline; also carries the
	// originating identity on forwarded typing/read events.
	Status      string   `json:"status,omitempty"`
	UserID      string   `json:"userId,omitempty"`
	OnlineUsers []string `json:"onlineUsers,omitempty"`

	// message / group_message (client to server)
	RecipientID string `json:"recipientId,omitempty"`
	ChatID      string `json:"chatId,omitempty"`
	Content     string `json:"content,omitempty"`

	// message / message_sent (server to client)
	Message *Message `json:"message,omitempty"`

	// message_read
	MessageID string `json:"messageId,omitempty"`
	SenderID  string `json:"senderId,omitempty"`

	// typing_start / typing_stop
	IsGroupChat bool `json:"isGroupChat,omitempty"`

	// heartbeat
	Timestamp int64 `json:"timestamp,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}
