package storage

import (
	"errors"
	"fmt"
	"time"

	"trailtalk/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketMessages = []byte("messages")
	bucketChats    = []byte("chats")
	bucketUsers    = []byte("users")
)

// BoltStore is the default single-file message store. Messages live in
// per-conversation sub-buckets keyed by a big-endian bucket sequence,
// so iteration order is arrival order.
type BoltStore struct {
	db *bbolt.DB
}

func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketChats); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketUsers); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// InsertMessage saves a chat message under its conversation bucket.
func (s *BoltStore) InsertMessage(msg models.Message) error {
	if msg.RecipientID == "" && msg.ChatID == "" {
		return errors.New("message missing recipient and chat")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		mainBucket := tx.Bucket(bucketMessages)
		convBucket, err := mainBucket.CreateBucketIfNotExists([]byte(msg.ConversationID()))
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		seq, err := convBucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		dbMsg := DBMessage{
			Seq:         seq,
			ID:          msg.ID,
			SenderID:    msg.SenderID,
			RecipientID: msg.RecipientID,
			ChatID:      msg.ChatID,
			Content:     msg.Content,
			CreatedAt:   msg.CreatedAt,
		}
		if msg.Sender != nil {
			dbMsg.Sender = &DBUser{
				ID:          msg.Sender.ID,
				UserName:    msg.Sender.UserName,
				DisplayName: msg.Sender.DisplayName,
				AvatarURL:   msg.Sender.AvatarURL,
			}
		}

		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return convBucket.Put(dbMsg.Key(), data)
	})
}

// ListMessages returns the messages of a conversation whose creation
// timestamp falls within [from, to], in arrival order.
func (s *BoltStore) ListMessages(conversationID string, from, to int64) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		mainBucket := tx.Bucket(bucketMessages)
		convBucket := mainBucket.Bucket([]byte(conversationID))
		if convBucket == nil {
			return nil // No messages for this conversation
		}

		return convBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbMsg.CreatedAt < from || dbMsg.CreatedAt > to {
				return nil
			}
			msg := models.Message{
				ID:          dbMsg.ID,
				SenderID:    dbMsg.SenderID,
				RecipientID: dbMsg.RecipientID,
				ChatID:      dbMsg.ChatID,
				Content:     dbMsg.Content,
				CreatedAt:   dbMsg.CreatedAt,
			}
			if dbMsg.Sender != nil {
				msg.Sender = &models.UserSnapshot{
					ID:          dbMsg.Sender.ID,
					UserName:    dbMsg.Sender.UserName,
					DisplayName: dbMsg.Sender.DisplayName,
					AvatarURL:   dbMsg.Sender.AvatarURL,
				}
			}
			messages = append(messages, msg)
			return nil
		})
	})
	return messages, err
}

// UpsertChat saves a group chat and its participant list.
func (s *BoltStore) UpsertChat(chat models.ChatRoom) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChats)
		dbChat := DBChat{
			ID:           chat.ID,
			Name:         chat.Name,
			Participants: chat.Participants,
		}
		data, err := dbChat.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbChat.Key(), data)
	})
}

// Participants returns the member identities of a group chat.
func (s *BoltStore) Participants(chatID string) ([]string, error) {
	var participants []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChats)
		data := b.Get([]byte(chatID))
		if data == nil {
			return models.ErrNotFound
		}
		var dbChat DBChat
		if err := dbChat.UnmarshalBinary(data); err != nil {
			return err
		}
		participants = dbChat.Participants
		return nil
	})
	return participants, err
}

// UpsertUser stores a user profile for sender snapshot lookups.
func (s *BoltStore) UpsertUser(user models.UserSnapshot) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		dbUser := DBUser{
			ID:          user.ID,
			UserName:    user.UserName,
			DisplayName: user.DisplayName,
			AvatarURL:   user.AvatarURL,
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), data)
	})
}

func (s *BoltStore) GetUser(id string) (models.UserSnapshot, bool) {
	var user models.UserSnapshot
	found := false
	_ = s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(id))
		if data == nil {
			return nil
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		user = models.UserSnapshot{
			ID:          dbUser.ID,
			UserName:    dbUser.UserName,
			DisplayName: dbUser.DisplayName,
			AvatarURL:   dbUser.AvatarURL,
		}
		found = true
		return nil
	})
	return user, found
}
