package relay

import (
	"context"
	"net/http"
	"time"

	"trailtalk/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
)

// TokenVerifier resolves the auth frame's bearer token to an identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// MessageStore persists chat messages. Every forwarded message is
// inserted first; forwarding never happens for a failed insert.
type MessageStore interface {
	InsertMessage(msg models.Message) error
}

// ChatDirectory resolves the participants of a group chat.
type ChatDirectory interface {
	Participants(chatID string) ([]string, error)
}

// UserDirectory looks up profiles for sender snapshot denormalization.
type UserDirectory interface {
	GetUser(id string) (models.UserSnapshot, bool)
}

// Server terminates one WebSocket per authenticated user and relays
// chat traffic between them.
type Server struct {
	verifier TokenVerifier
	store    MessageStore
	chats    ChatDirectory
	users    UserDirectory
	registry *Registry

	upgrader *websocket.Upgrader
	policy   *bluemonday.Policy
	logger   zerolog.Logger
	now      func() time.Time
}

func NewServer(
	verifier TokenVerifier,
	store MessageStore,
	chats ChatDirectory,
	users UserDirectory,
	registry *Registry,
	logger zerolog.Logger,
) *Server {
	return &Server{
		verifier: verifier,
		store:    store,
		chats:    chats,
		users:    users,
		registry: registry,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
		policy: bluemonday.UGCPolicy(),
		logger: logger,
		now:    time.Now,
	}
}

// HandleConnections is the HTTP entry point. The relay serves no other
// purpose on this route, so anything that is not an upgrade request is
// rejected outright.
func (s *Server) HandleConnections(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	s.serve(r.Context(), newWSSocket(conn))
}

// serve runs the handshake and then the per-connection event loop.
// The first frame must be auth; everything else closes the socket with
// a policy violation before any state is created.
func (s *Server) serve(ctx context.Context, sock socket) {
	var ev models.Event
	if err := sock.ReadJSON(&ev); err != nil {
		_ = sock.Close()
		return
	}

	if ev.Type != models.EventAuth || ev.Token == "" {
		s.logger.Warn().Str("type", string(ev.Type)).Msg("rejecting unauthenticated frame")
		_ = sock.CloseWithCode(websocket.ClosePolicyViolation, "authentication required")
		return
	}

	userID, err := s.verifier.Verify(ctx, ev.Token)
	if err != nil {
		s.logger.Warn().Err(err).Msg("token verification failed")
		_ = sock.CloseWithCode(websocket.ClosePolicyViolation, "invalid token")
		return
	}

	// Last writer wins: a fresh login for the same identity replaces
	// the previous socket. The displaced side gets a clean close, no
	// kick frame.
	if displaced := s.registry.Register(userID, sock); displaced != nil {
		_ = displaced.CloseWithCode(websocket.CloseNormalClosure, "connected elsewhere")
	}

	s.registry.Broadcast(models.Event{Type: models.EventUserOnline, UserID: userID}, userID)

	ack := models.Event{
		Type:        models.EventConnectionAck,
		Status:      "ok",
		UserID:      userID,
		OnlineUsers: s.registry.Online(),
	}
	if err := sock.WriteJSON(ack); err != nil {
		s.disconnect(userID, sock)
		return
	}

	s.logger.Info().Str("user_id", userID).Msg("connection authenticated")
	defer s.disconnect(userID, sock)

	for {
		var ev models.Event
		if err := sock.ReadJSON(&ev); err != nil {
			return
		}
		s.registry.Touch(userID)

		switch ev.Type {
		case models.EventMessage:
			s.handleDirectMessage(userID, sock, ev)
		case models.EventGroupMessage:
			s.handleGroupMessage(userID, sock, ev)
		case models.EventTypingStart, models.EventTypingStop:
			s.handleTyping(userID, ev)
		case models.EventMessageRead:
			s.handleMessageRead(userID, ev)
		case models.EventHeartbeat:
			s.handleHeartbeat(sock)
		case models.EventAuth:
			// Already authenticated.
		default:
			s.logger.Debug().Str("user_id", userID).Str("type", string(ev.Type)).Msg("ignoring unknown event type")
		}
	}
}

func (s *Server) disconnect(userID string, sock socket) {
	_ = sock.Close()
	if s.registry.Remove(userID, sock) {
		s.registry.Broadcast(models.Event{Type: models.EventUserOffline, UserID: userID}, userID)
		s.logger.Info().Str("user_id", userID).Msg("user disconnected")
	}
}

func (s *Server) handleDirectMessage(senderID string, sock socket, ev models.Event) {
	if ev.RecipientID == "" || ev.Content == "" {
		s.logger.Warn().Str("user_id", senderID).Msg("dropping malformed message event")
		return
	}

	msg := s.newMessage(senderID, ev.RecipientID, "", ev.Content)
	if err := s.store.InsertMessage(msg); err != nil {
		s.logger.Error().Err(err).Str("user_id", senderID).Msg("failed to persist message")
		_ = sock.WriteJSON(models.Event{Type: models.EventError, Error: "message could not be stored"})
		return
	}

	// Best effort: offline recipients are simply skipped.
	s.registry.SendTo(ev.RecipientID, models.Event{Type: models.EventMessage, Message: &msg})
	_ = sock.WriteJSON(models.Event{Type: models.EventMessageSent, Message: &msg})
}

func (s *Server) handleGroupMessage(senderID string, sock socket, ev models.Event) {
	if ev.ChatID == "" || ev.Content == "" {
		s.logger.Warn().Str("user_id", senderID).Msg("dropping malformed group message event")
		return
	}

	participants, err := s.chats.Participants(ev.ChatID)
	if err != nil {
		s.logger.Warn().Err(err).Str("chat_id", ev.ChatID).Msg("dropping message for unknown chat")
		return
	}

	msg := s.newMessage(senderID, "", ev.ChatID, ev.Content)
	if err := s.store.InsertMessage(msg); err != nil {
		s.logger.Error().Err(err).Str("chat_id", ev.ChatID).Msg("failed to persist group message")
		_ = sock.WriteJSON(models.Event{Type: models.EventError, Error: "message could not be stored"})
		return
	}

	fwd := models.Event{Type: models.EventMessage, Message: &msg}
	for _, p := range participants {
		if p == senderID {
			continue
		}
		s.registry.SendTo(p, fwd)
	}
	_ = sock.WriteJSON(models.Event{Type: models.EventMessageSent, Message: &msg})
}

// handleTyping forwards a typing indicator without persisting it.
// Offline targets are dropped silently.
func (s *Server) handleTyping(senderID string, ev models.Event) {
	fwd := models.Event{
		Type:        ev.Type,
		UserID:      senderID,
		RecipientID: ev.RecipientID,
		ChatID:      ev.ChatID,
		IsGroupChat: ev.IsGroupChat,
	}

	if ev.IsGroupChat && ev.ChatID != "" {
		participants, err := s.chats.Participants(ev.ChatID)
		if err != nil {
			return
		}
		for _, p := range participants {
			if p == senderID {
				continue
			}
			s.registry.SendTo(p, fwd)
		}
		return
	}

	if ev.RecipientID != "" {
		s.registry.SendTo(ev.RecipientID, fwd)
	}
}

// handleMessageRead forwards a read receipt to the original sender.
// Read-state persistence, if any, belongs to outer layers.
func (s *Server) handleMessageRead(readerID string, ev models.Event) {
	if ev.MessageID == "" || ev.SenderID == "" {
		return
	}
	s.registry.SendTo(ev.SenderID, models.Event{
		Type:      models.EventMessageRead,
		MessageID: ev.MessageID,
		SenderID:  ev.SenderID,
		UserID:    readerID,
	})
}

func (s *Server) handleHeartbeat(sock socket) {
	_ = sock.WriteJSON(models.Event{Type: models.EventHeartbeat, Timestamp: s.now().Unix()})
}

func (s *Server) newMessage(senderID, recipientID, chatID, content string) models.Message {
	snapshot := models.UserSnapshot{ID: senderID}
	if s.users != nil {
		if u, ok := s.users.GetUser(senderID); ok {
			snapshot = u
		}
	}

	return models.Message{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		ChatID:      chatID,
		Content:     s.policy.Sanitize(content),
		CreatedAt:   s.now().Unix(),
		Sender:      &snapshot,
	}
}
