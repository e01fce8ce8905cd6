package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Socket is the client's view of the wire. Mockable in tests.
type Socket interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	CloseWithCode(code int, reason string) error
	Close() error
}

// Dialer opens a WebSocket connection to the relay.
type Dialer func(ctx context.Context, url string, header http.Header) (Socket, error)

// DialWebSocket is the default Dialer, backed by gorilla's dialer.
func DialWebSocket(ctx context.Context, url string, header http.Header) (Socket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return &wsSocket{conn: conn}, nil
}

// wsSocket serializes writes: the send path, the heartbeat ticker and
// the queue drain can all write concurrently.
type wsSocket struct {
	conn *websocket.Conn
	mu   sync.Mutex
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
