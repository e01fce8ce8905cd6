package storage

import (
	"trailtalk/internal/models"
)

// Store is the full persistence surface the relay daemon wires up:
// durable messages, group membership and the user directory. Both the
// bbolt and the Postgres backends implement it.
type Store interface {
	InsertMessage(msg models.Message) error
	ListMessages(conversationID string, from, to int64) ([]models.Message, error)

	UpsertChat(chat models.ChatRoom) error
	Participants(chatID string) ([]string, error)

	UpsertUser(user models.UserSnapshot) error
	GetUser(id string) (models.UserSnapshot, bool)

	Close() error
}
