package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// socket abstracts the underlying WebSocket connection so the relay
// can be exercised with mocks in tests.
type socket interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	CloseWithCode(code int, reason string) error
	Close() error
}

// wsSocket wraps a gorilla connection. Reads happen on a single
// goroutine per connection; writes can come from that goroutine, the
// registry broadcast path and the sweeper, so they are serialized.
type wsSocket struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSSocket(conn *websocket.Conn) *wsSocket {
	return &wsSocket{conn: conn}
}

func (s *wsSocket) ReadJSON(v any) error {
	return s.conn.ReadJSON(v)
}

func (s *wsSocket) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *wsSocket) CloseWithCode(code int, reason string) error {
	s.mu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.mu.Unlock()
	return s.conn.Close()
}

func (s *wsSocket) Close() error {
	return s.conn.Close()
}
