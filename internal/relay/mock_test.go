package relay

import (
	"errors"
	"sync"

	"trailtalk/internal/models"
)

// mockSocket implements socket for tests without a real WebSocket.
type mockSocket struct {
	mu        sync.Mutex
	written   []models.Event
	writeErr  error
	readCh    chan models.Event
	closed    bool
	closedCh  chan struct{}
	closeCode int
}

func newMockSocket() *mockSocket {
	return &mockSocket{
		readCh:   make(chan models.Event, 16),
		closedCh: make(chan struct{}),
	}
}

func (m *mockSocket) ReadJSON(v any) error {
	select {
	case ev := <-m.readCh:
		if ptr, ok := v.(*models.Event); ok {
			*ptr = ev
		}
		return nil
	case <-m.closedCh:
		return errors.New("connection closed")
	}
}

func (m *mockSocket) WriteJSON(v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	if ev, ok := v.(models.Event); ok {
		m.written = append(m.written, ev)
	}
	return nil
}

func (m *mockSocket) CloseWithCode(code int, _ string) error {
	m.mu.Lock()
	if m.closeCode == 0 {
		m.closeCode = code
	}
	m.mu.Unlock()
	return m.Close()
}

func (m *mockSocket) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.closedCh)
	}
	return nil
}

func (m *mockSocket) setWriteErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *mockSocket) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockSocket) getCloseCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCode
}

func (m *mockSocket) getWritten() []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]models.Event, len(m.written))
	copy(cp, m.written)
	return cp
}

// writtenOfType filters recorded frames by event type.
func (m *mockSocket) writtenOfType(t models.EventType) []models.Event {
	var out []models.Event
	for _, ev := range m.getWritten() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
