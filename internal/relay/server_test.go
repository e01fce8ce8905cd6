package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"trailtalk/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeVerifier struct {
	tokens map[string]string
}

func (v *fakeVerifier) Verify(_ context.Context, token string) (string, error) {
	if userID, ok := v.tokens[token]; ok {
		return userID, nil
	}
	return "", errors.New("invalid token")
}

type fakeStore struct {
	mu       sync.Mutex
	inserted []models.Message
	err      error
}

func (s *fakeStore) InsertMessage(msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.inserted = append(s.inserted, msg)
	return nil
}

func (s *fakeStore) messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]models.Message, len(s.inserted))
	copy(cp, s.inserted)
	return cp
}

func (s *fakeStore) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type fakeChats map[string][]string

func (c fakeChats) Participants(chatID string) ([]string, error) {
	if p, ok := c[chatID]; ok {
		return p, nil
	}
	return nil, models.ErrNotFound
}

type fakeUsers map[string]models.UserSnapshot

func (u fakeUsers) GetUser(id string) (models.UserSnapshot, bool) {
	snap, ok := u[id]
	return snap, ok
}

func newTestRelay(chats fakeChats, users fakeUsers) (*Server, *fakeStore, *Registry) {
	verifier := &fakeVerifier{tokens: map[string]string{
		"token-alice": "alice",
		"token-bob":   "bob",
		"token-carol": "carol",
	}}
	store := &fakeStore{}
	registry := NewRegistry(RegistryConfig{}, zerolog.Nop())
	server := NewServer(verifier, store, chats, users, registry, zerolog.Nop())
	return server, store, registry
}

// connect authenticates a fresh mock socket and waits for the ack.
func connect(t *testing.T, s *Server, token string) *mockSocket {
	t.Helper()
	sock := newMockSocket()
	go s.serve(context.Background(), sock)
	sock.readCh <- models.Event{Type: models.EventAuth, Token: token}
	require.Eventually(t, func() bool {
		return len(sock.writtenOfType(models.EventConnectionAck)) == 1
	}, time.Second, 5*time.Millisecond, "no connection_ack received")
	return sock
}

func TestHandleConnections_RejectsPlainHTTP(t *testing.T) {
	server, _, registry := newTestRelay(nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	rec := httptest.NewRecorder()
	server.HandleConnections(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, registry.Count())
}

func TestServe_RejectsNonAuthFirstFrame(t *testing.T) {
	server, store, registry := newTestRelay(nil, nil)

	sock := newMockSocket()
	done := make(chan struct{})
	go func() {
		server.serve(context.Background(), sock)
		close(done)
	}()

	sock.readCh <- models.Event{Type: models.EventMessage, RecipientID: "bob", Content: "hi"}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("serve did not return")
	}

	assert.Equal(t, websocket.ClosePolicyViolation, sock.getCloseCode())
	assert.Equal(t, 0, registry.Count())
	assert.Empty(t, store.messages())
}

func TestServe_RejectsMissingToken(t *testing.T) {
	server, _, registry := newTestRelay(nil, nil)

	sock := newMockSocket()
	done := make(chan struct{})
	go func() {
		server.serve(context.Background(), sock)
		close(done)
	}()

	sock.readCh <- models.Event{Type: models.EventAuth}
	<-done

	assert.Equal(t, websocket.ClosePolicyViolation, sock.getCloseCode())
	assert.Equal(t, 0, registry.Count())
}

func TestServe_RejectsInvalidToken(t *testing.T) {
	server, _, registry := newTestRelay(nil, nil)

	sock := newMockSocket()
	done := make(chan struct{})
	go func() {
		server.serve(context.Background(), sock)
		close(done)
	}()

	sock.readCh <- models.Event{Type: models.EventAuth, Token: "bogus"}
	<-done

	assert.Equal(t, websocket.ClosePolicyViolation, sock.getCloseCode())
	assert.Equal(t, 0, registry.Count())
}

func TestServe_HandshakePresence(t *testing.T) {
	server, _, registry := newTestRelay(nil, nil)

	alice := connect(t, server, "token-alice")
	ack := alice.writtenOfType(models.EventConnectionAck)[0]
	assert.Equal(t, "ok", ack.Status)
	assert.Equal(t, "alice", ack.UserID)
	assert.Equal(t, []string{"alice"}, ack.OnlineUsers)

	bob := connect(t, server, "token-bob")

	// Alice hears about bob; bob's ack lists alice.
	require.Eventually(t, func() bool {
		return len(alice.writtenOfType(models.EventUserOnline)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "bob", alice.writtenOfType(models.EventUserOnline)[0].UserID)

	bobAck := bob.writtenOfType(models.EventConnectionAck)[0]
	assert.Equal(t, []string{"alice", "bob"}, bobAck.OnlineUsers)
	assert.Equal(t, 2, registry.Count())
}

func TestServe_AtMostOneLiveSocket(t *testing.T) {
	server, _, registry := newTestRelay(nil, nil)

	first := connect(t, server, "token-alice")
	second := connect(t, server, "token-alice")

	assert.Equal(t, 1, registry.Count())
	require.Eventually(t, first.isClosed, time.Second, 5*time.Millisecond)
	assert.Equal(t, websocket.CloseNormalClosure, first.getCloseCode())
	assert.False(t, second.isClosed())
}

func TestServe_DirectMessagePersistThenForward(t *testing.T) {
	users := fakeUsers{"alice": {ID: "alice", UserName: "alice", DisplayName: "Alice"}}
	server, store, _ := newTestRelay(nil, users)

	alice := connect(t, server, "token-alice")
	bob := connect(t, server, "token-bob")

	alice.readCh <- models.Event{Type: models.EventMessage, RecipientID: "bob", Content: "hi <script>alert(1)</script>there"}

	require.Eventually(t, func() bool {
		return len(bob.writtenOfType(models.EventMessage)) == 1
	}, time.Second, 5*time.Millisecond)

	msgs := store.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice", msgs[0].SenderID)
	assert.Equal(t, "bob", msgs[0].RecipientID)
	assert.Equal(t, "hi there", msgs[0].Content)
	assert.NotEmpty(t, msgs[0].ID)
	require.NotNil(t, msgs[0].Sender)
	assert.Equal(t, "Alice", msgs[0].Sender.DisplayName)

	delivered := bob.writtenOfType(models.EventMessage)[0]
	require.NotNil(t, delivered.Message)
	assert.Equal(t, msgs[0].ID, delivered.Message.ID)

	// Sender gets the echo for optimistic-UI reconciliation.
	require.Eventually(t, func() bool {
		return len(alice.writtenOfType(models.EventMessageSent)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, msgs[0].ID, alice.writtenOfType(models.EventMessageSent)[0].Message.ID)
}

func TestServe_OfflineRecipientDroppedSilently(t *testing.T) {
	server, store, registry := newTestRelay(nil, nil)

	alice := connect(t, server, "token-alice")
	alice.readCh <- models.Event{Type: models.EventMessage, RecipientID: "bob", Content: "anyone home?"}

	require.Eventually(t, func() bool {
		return len(alice.writtenOfType(models.EventMessageSent)) == 1
	}, time.Second, 5*time.Millisecond)

	msgs := store.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "bob", msgs[0].RecipientID)
	_, online := registry.Get("bob")
	assert.False(t, online)
	assert.Empty(t, alice.writtenOfType(models.EventError))
}

func TestServe_PersistFailureNotForwarded(t *testing.T) {
	server, store, _ := newTestRelay(nil, nil)

	alice := connect(t, server, "token-alice")
	bob := connect(t, server, "token-bob")

	store.setErr(errors.New("disk full"))
	alice.readCh <- models.Event{Type: models.EventMessage, RecipientID: "bob", Content: "doomed"}

	require.Eventually(t, func() bool {
		return len(alice.writtenOfType(models.EventError)) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, bob.writtenOfType(models.EventMessage))
	assert.Empty(t, alice.writtenOfType(models.EventMessageSent))
}

func TestServe_GroupMessageFanOut(t *testing.T) {
	chats := fakeChats{"trip-42": {"alice", "bob", "carol"}}
	server, store, _ := newTestRelay(chats, nil)

	alice := connect(t, server, "token-alice")
	bob := connect(t, server, "token-bob")
	carol := connect(t, server, "token-carol")

	alice.readCh <- models.Event{Type: models.EventGroupMessage, ChatID: "trip-42", Content: "meet at the hostel"}

	require.Eventually(t, func() bool {
		return len(bob.writtenOfType(models.EventMessage)) == 1 &&
			len(carol.writtenOfType(models.EventMessage)) == 1
	}, time.Second, 5*time.Millisecond)

	msgs := store.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "trip-42", msgs[0].ChatID)
	assert.Empty(t, msgs[0].RecipientID)

	// The sender gets an echo, not a fan-out copy.
	require.Eventually(t, func() bool {
		return len(alice.writtenOfType(models.EventMessageSent)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, alice.writtenOfType(models.EventMessage))
}

func TestServe_TypingForwardedNotPersisted(t *testing.T) {
	server, store, _ := newTestRelay(nil, nil)

	alice := connect(t, server, "token-alice")
	bob := connect(t, server, "token-bob")

	alice.readCh <- models.Event{Type: models.EventTypingStart, RecipientID: "bob"}

	require.Eventually(t, func() bool {
		return len(bob.writtenOfType(models.EventTypingStart)) == 1
	}, time.Second, 5*time.Millisecond)

	fwd := bob.writtenOfType(models.EventTypingStart)[0]
	assert.Equal(t, "alice", fwd.UserID)
	assert.Empty(t, store.messages())
}

func TestServe_ReadReceiptForwarded(t *testing.T) {
	server, _, _ := newTestRelay(nil, nil)

	alice := connect(t, server, "token-alice")
	bob := connect(t, server, "token-bob")

	bob.readCh <- models.Event{Type: models.EventMessageRead, MessageID: "m1", SenderID: "alice"}

	require.Eventually(t, func() bool {
		return len(alice.writtenOfType(models.EventMessageRead)) == 1
	}, time.Second, 5*time.Millisecond)

	receipt := alice.writtenOfType(models.EventMessageRead)[0]
	assert.Equal(t, "m1", receipt.MessageID)
	assert.Equal(t, "bob", receipt.UserID)
}

func TestServe_HeartbeatEchoAndUnknownTolerance(t *testing.T) {
	server, _, _ := newTestRelay(nil, nil)

	alice := connect(t, server, "token-alice")

	// Unknown event types are logged and ignored.
	alice.readCh <- models.Event{Type: "voice_call_offer"}
	alice.readCh <- models.Event{Type: models.EventHeartbeat, Timestamp: 123}

	require.Eventually(t, func() bool {
		return len(alice.writtenOfType(models.EventHeartbeat)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.NotZero(t, alice.writtenOfType(models.EventHeartbeat)[0].Timestamp)
	assert.False(t, alice.isClosed())
}

func TestServe_DisconnectBroadcastsOffline(t *testing.T) {
	server, _, registry := newTestRelay(nil, nil)

	alice := connect(t, server, "token-alice")
	bob := connect(t, server, "token-bob")

	require.NoError(t, alice.Close())

	require.Eventually(t, func() bool {
		return len(bob.writtenOfType(models.EventUserOffline)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "alice", bob.writtenOfType(models.EventUserOffline)[0].UserID)
	assert.Equal(t, 1, registry.Count())
}

func TestServe_DisplacedSocketDoesNotBroadcastOffline(t *testing.T) {
	server, _, _ := newTestRelay(nil, nil)

	bob := connect(t, server, "token-bob")
	_ = connect(t, server, "token-alice")
	second := connect(t, server, "token-alice")

	// The displaced socket's teardown must not mark alice offline:
	// her newer socket is still registered.
	require.Eventually(t, func() bool {
		return len(bob.writtenOfType(models.EventUserOnline)) == 2
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, bob.writtenOfType(models.EventUserOffline))
	assert.False(t, second.isClosed())
}
