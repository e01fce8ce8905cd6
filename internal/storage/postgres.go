package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trailtalk/internal/models"

	_ "github.com/lib/pq"
)

// PostgresStore is the relational message store, used when a DSN is
// configured. Sender snapshots are denormalized into columns on the
// messages table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return store, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id VARCHAR(255) PRIMARY KEY,
		user_name VARCHAR(255),
		display_name VARCHAR(255),
		avatar_url TEXT
	);

	CREATE TABLE IF NOT EXISTS chats (
		id VARCHAR(255) PRIMARY KEY,
		name VARCHAR(255) NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_members (
		chat_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		PRIMARY KEY (chat_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL PRIMARY KEY,
		id VARCHAR(255) UNIQUE NOT NULL,
		conversation_id VARCHAR(255) NOT NULL,
		sender_id VARCHAR(255) NOT NULL,
		recipient_id VARCHAR(255),
		chat_id VARCHAR(255),
		content TEXT,
		created_at BIGINT NOT NULL,
		sender_user_name VARCHAR(255),
		sender_display_name VARCHAR(255),
		sender_avatar_url TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);
	CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages(sender_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) InsertMessage(msg models.Message) error {
	if msg.RecipientID == "" && msg.ChatID == "" {
		return errors.New("message missing recipient and chat")
	}

	var userName, displayName, avatarURL string
	if msg.Sender != nil {
		userName = msg.Sender.UserName
		displayName = msg.Sender.DisplayName
		avatarURL = msg.Sender.AvatarURL
	}

	query := `
	INSERT INTO messages (id, conversation_id, sender_id, recipient_id, chat_id, content, created_at,
		sender_user_name, sender_display_name, sender_avatar_url)
	VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7, $8, $9, $10)
	ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.Exec(query,
		msg.ID, msg.ConversationID(), msg.SenderID, msg.RecipientID, msg.ChatID,
		msg.Content, msg.CreatedAt, userName, displayName, avatarURL)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListMessages(conversationID string, from, to int64) ([]models.Message, error) {
	query := `
	SELECT id, sender_id, COALESCE(recipient_id, ''), COALESCE(chat_id, ''), content, created_at,
		sender_user_name, sender_display_name, sender_avatar_url
	FROM messages
	WHERE conversation_id = $1 AND created_at BETWEEN $2 AND $3
	ORDER BY seq
	`
	rows, err := s.db.Query(query, conversationID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		var userName, displayName, avatarURL string
		err := rows.Scan(&msg.ID, &msg.SenderID, &msg.RecipientID, &msg.ChatID,
			&msg.Content, &msg.CreatedAt, &userName, &displayName, &avatarURL)
		if err != nil {
			return nil, err
		}
		msg.Sender = &models.UserSnapshot{
			ID:          msg.SenderID,
			UserName:    userName,
			DisplayName: displayName,
			AvatarURL:   avatarURL,
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *PostgresStore) UpsertChat(chat models.ChatRoom) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`
		INSERT INTO chats (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`,
		chat.ID, chat.Name)
	if err != nil {
		return fmt.Errorf("failed to upsert chat: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM chat_members WHERE chat_id = $1`, chat.ID); err != nil {
		return err
	}
	for _, userID := range chat.Participants {
		_, err := tx.Exec(`INSERT INTO chat_members (chat_id, user_id) VALUES ($1, $2)`, chat.ID, userID)
		if err != nil {
			return fmt.Errorf("failed to insert chat member: %w", err)
		}
	}

	return tx.Commit()
}

func (s *PostgresStore) Participants(chatID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT user_id FROM chat_members WHERE chat_id = $1 ORDER BY user_id`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, err
		}
		participants = append(participants, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(participants) == 0 {
		return nil, models.ErrNotFound
	}
	return participants, nil
}

func (s *PostgresStore) UpsertUser(user models.UserSnapshot) error {
	_, err := s.db.Exec(`
		INSERT INTO users (id, user_name, display_name, avatar_url) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			user_name = EXCLUDED.user_name,
			display_name = EXCLUDED.display_name,
			avatar_url = EXCLUDED.avatar_url`,
		user.ID, user.UserName, user.DisplayName, user.AvatarURL)
	return err
}

func (s *PostgresStore) GetUser(id string) (models.UserSnapshot, bool) {
	var user models.UserSnapshot
	err := s.db.QueryRow(`
		SELECT id, COALESCE(user_name, ''), COALESCE(display_name, ''), COALESCE(avatar_url, '')
		FROM users WHERE id = $1`, id).
		Scan(&user.ID, &user.UserName, &user.DisplayName, &user.AvatarURL)
	if err != nil {
		return models.UserSnapshot{}, false
	}
	return user, true
}
