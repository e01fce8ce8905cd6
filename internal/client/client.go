package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"trailtalk/internal/identity"
	"trailtalk/internal/models"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

var ErrAckTimeout = errors.New("timed out waiting for connection ack")

// SendOutcome tags whether a send went out on the wire immediately or
// was deferred to the outbound queue.
type SendOutcome int

const (
	Queued SendOutcome = iota
	Sent
)

func (o SendOutcome) String() string {
	if o == Sent {
		return "sent"
	}
	return "queued"
}

// Handler receives every decoded inbound event except the internal
// heartbeat and connection_ack frames.
type Handler func(ev models.Event)

type queuedMessage struct {
	recipientID string
	chatID      string
	content     string
	enqueuedAt  time.Time
}

type Options struct {
	URL     string
	Session identity.SessionProvider
	Logger  zerolog.Logger

	// Dial opens the WebSocket; nil uses the gorilla dialer.
	Dial Dialer

	AckTimeout           time.Duration // default 10s
	HeartbeatInterval    time.Duration // default 30s
	BackoffBase          time.Duration // default 1s, doubled per attempt
	MaxReconnectAttempts int           // default 5
	QueueLimit           int           // 0 = unbounded; overflow drops oldest
}

func (o *Options) norm() {
	if o.Dial == nil {
		o.Dial = DialWebSocket
	}
	if o.AckTimeout <= 0 {
		o.AckTimeout = 10 * time.Second
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 5
	}
}

// Manager is the single point of truth for the client-side connection
// lifecycle. One logical connection per Manager.
//
// State machine: disconnected -> connecting -> connected. An abnormal
// close while connected schedules a backoff reconnect; a failed
// Connect call or an explicit Disconnect does not.
type Manager struct {
	opts Options

	mu        sync.Mutex
	state     State
	sock      Socket
	userID    string
	queue     []queuedMessage
	handlers  map[int]Handler
	nextID    int
	attempts  int
	hbStop    chan struct{}
	reconnect *time.Timer
	closing   bool
}

func New(opts Options) *Manager {
	opts.norm()
	return &Manager{
		opts:     opts,
		state:    StateDisconnected,
		handlers: make(map[int]Handler),
	}
}

// Connect establishes the connection and performs the auth handshake.
// It is idempotent: a call while connecting or connected returns nil
// immediately without side effects. It returns once connection_ack
// arrives or the ack timeout elapses; a failure here is final for this
// call (the caller retries if desired).
func (m *Manager) Connect(ctx context.Context, userID string) error {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.userID = userID
	m.closing = false
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.mu.Unlock()

	if err := m.dial(ctx); err != nil {
		m.mu.Lock()
		if m.state == StateConnecting {
			m.state = StateDisconnected
		}
		m.mu.Unlock()
		return err
	}

	m.drainQueue()
	return nil
}

func (m *Manager) dial(ctx context.Context) error {
	token, err := m.opts.Session.Token()
	if err != nil {
		return fmt.Errorf("no valid session: %w", err)
	}

	sock, err := m.opts.Dial(ctx, m.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	if err := sock.WriteJSON(models.Event{Type: models.EventAuth, Token: token}); err != nil {
		_ = sock.Close()
		return fmt.Errorf("failed to send auth frame: %w", err)
	}

	ackCh := make(chan models.Event, 1)
	readDone := make(chan struct{})
	go func() {
		err := m.readLoop(sock, ackCh)
		close(readDone)
		m.handleClose(sock, err)
	}()

	select {
	case <-ackCh:
	case <-time.After(m.opts.AckTimeout):
		_ = sock.Close()
		return ErrAckTimeout
	case <-ctx.Done():
		_ = sock.Close()
		return ctx.Err()
	}

	m.mu.Lock()
	// Disconnect, or the socket dying right after the ack, may have
	// landed while we waited; committing now would resurrect a
	// torn-down manager. readDone closes before handleClose runs, so a
	// socket that dies after this check is torn down through the
	// normal close path once the commit is visible.
	dead := false
	select {
	case <-readDone:
		dead = true
	default:
	}
	if dead || m.closing || m.state != StateConnecting {
		m.mu.Unlock()
		_ = sock.Close()
		return errors.New("connection torn down during handshake")
	}
	m.state = StateConnected
	m.sock = sock
	m.attempts = 0
	m.startHeartbeatLocked(sock)
	m.mu.Unlock()

	m.opts.Logger.Info().Str("user_id", m.userID).Msg("connected")
	return nil
}

// readLoop pumps inbound frames until the socket errors; the caller
// runs the close handling with the returned error.
func (m *Manager) readLoop(sock Socket, ackCh chan<- models.Event) error {
	for {
		var ev models.Event
		if err := sock.ReadJSON(&ev); err != nil {
			return err
		}

		switch ev.Type {
		case models.EventConnectionAck:
			select {
			case ackCh <- ev:
			default:
			}
		case models.EventHeartbeat:
			// Liveness echo, consumed here.
		default:
			m.dispatch(ev)
		}
	}
}

func (m *Manager) handleClose(sock Socket, err error) {
	m.mu.Lock()
	if m.sock != sock {
		// Pre-ack failure, or a socket already replaced by reconnect.
		m.mu.Unlock()
		return
	}
	m.sock = nil
	m.stopHeartbeatLocked()
	m.state = StateDisconnected

	intentional := m.closing || websocket.IsCloseError(err, websocket.CloseNormalClosure)
	if !intentional {
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	if intentional {
		m.opts.Logger.Info().Msg("connection closed")
	} else {
		m.opts.Logger.Warn().Err(err).Msg("connection lost")
	}
}

// scheduleReconnectLocked arms the backoff timer: base delay doubled
// per attempt, bounded by MaxReconnectAttempts, counter reset on a
// successful handshake. No jitter.
func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.opts.MaxReconnectAttempts {
		m.opts.Logger.Error().Int("attempts", m.attempts).Msg("giving up on reconnect")
		return
	}

	delay := m.opts.BackoffBase << m.attempts
	m.attempts++
	userID := m.userID
	m.opts.Logger.Info().Dur("delay", delay).Int("attempt", m.attempts).Msg("scheduling reconnect")

	m.reconnect = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnect = nil
		closing := m.closing
		m.mu.Unlock()
		if closing {
			return
		}

		if err := m.Connect(context.Background(), userID); err != nil {
			m.opts.Logger.Warn().Err(err).Msg("reconnect attempt failed")
			m.mu.Lock()
			if m.state == StateDisconnected && !m.closing {
				m.scheduleReconnectLocked()
			}
			m.mu.Unlock()
		}
	})
}

// drainQueue replays the outbound queue in enqueue order through the
// normal send path, so a message that fails again is re-queued rather
// than dropped.
func (m *Manager) drainQueue() {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, q := range pending {
		if q.chatID != "" {
			m.SendGroupMessage(q.chatID, q.content)
		} else {
			m.SendMessage(q.recipientID, q.content)
		}
	}
}

// SendMessage transmits a direct message, or queues it when the
// connection is down. The queued path never returns an error; delivery
// is fire-and-forget.
func (m *Manager) SendMessage(recipientID, content string) SendOutcome {
	return m.send(
		models.Event{Type: models.EventMessage, RecipientID: recipientID, Content: content},
		queuedMessage{recipientID: recipientID, content: content},
	)
}

// SendGroupMessage transmits a group message, or queues it when the
// connection is down.
func (m *Manager) SendGroupMessage(chatID, content string) SendOutcome {
	return m.send(
		models.Event{Type: models.EventGroupMessage, ChatID: chatID, Content: content},
		queuedMessage{chatID: chatID, content: content},
	)
}

func (m *Manager) send(ev models.Event, q queuedMessage) SendOutcome {
	m.mu.Lock()
	if m.state == StateConnected && m.sock != nil {
		sock := m.sock
		m.mu.Unlock()
		if err := sock.WriteJSON(ev); err == nil {
			return Sent
		} else {
			m.opts.Logger.Warn().Err(err).Msg("send failed, queueing message")
		}
		m.mu.Lock()
	}

	q.enqueuedAt = time.Now()
	m.enqueueLocked(q)
	userID := m.userID
	idle := m.state == StateDisconnected
	m.mu.Unlock()

	// Opportunistic reconnect with the last known identity.
	if idle && userID != "" {
		go func() { _ = m.Connect(context.Background(), userID) }()
	}
	return Queued
}

func (m *Manager) enqueueLocked(q queuedMessage) {
	if m.opts.QueueLimit > 0 && len(m.queue) >= m.opts.QueueLimit {
		m.opts.Logger.Warn().Msg("outbound queue full, dropping oldest message")
		m.queue = m.queue[1:]
	}
	m.queue = append(m.queue, q)
}

// SendTypingIndicator is best-effort: a no-op when disconnected.
// Transient signals are not worth replaying late, so they never queue.
func (m *Manager) SendTypingIndicator(targetID string, typing, isGroup bool) {
	ev := models.Event{IsGroupChat: isGroup}
	if typing {
		ev.Type = models.EventTypingStart
	} else {
		ev.Type = models.EventTypingStop
	}
	if isGroup {
		ev.ChatID = targetID
	} else {
		ev.RecipientID = targetID
	}
	m.sendBestEffort(ev)
}

// MarkMessageAsRead is best-effort: a no-op when disconnected.
func (m *Manager) MarkMessageAsRead(messageID, senderID string) {
	m.sendBestEffort(models.Event{
		Type:      models.EventMessageRead,
		MessageID: messageID,
		SenderID:  senderID,
	})
}

func (m *Manager) sendBestEffort(ev models.Event) {
	m.mu.Lock()
	sock := m.sock
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || sock == nil {
		return
	}
	_ = sock.WriteJSON(ev)
}

// OnMessage registers a subscriber and returns its unsubscribe
// function. A panicking handler is logged and does not affect delivery
// to the others.
func (m *Manager) OnMessage(h Handler) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.handlers[id] = h
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

func (m *Manager) dispatch(ev models.Event) {
	m.mu.Lock()
	hs := make([]Handler, 0, len(m.handlers))
	for _, h := range m.handlers {
		hs = append(hs, h)
	}
	m.mu.Unlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.opts.Logger.Error().Interface("panic", r).Msg("message handler panicked")
				}
			}()
			h(ev)
		}()
	}
}

// Disconnect tears the connection down for good: reconnect timer and
// heartbeat are cancelled, the socket closes with a normal-closure
// code and all client state is cleared. No reconnect follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.stopHeartbeatLocked()
	sock := m.sock
	m.sock = nil
	m.state = StateDisconnected
	m.queue = nil
	m.handlers = make(map[int]Handler)
	m.userID = ""
	m.attempts = 0
	m.mu.Unlock()

	if sock != nil {
		_ = sock.CloseWithCode(websocket.CloseNormalClosure, "client disconnect")
	}
}

func (m *Manager) startHeartbeatLocked(sock Socket) {
	// Never accumulate tickers across reconnect cycles.
	m.stopHeartbeatLocked()

	stop := make(chan struct{})
	m.hbStop = stop
	interval := m.opts.HeartbeatInterval

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				_ = sock.WriteJSON(models.Event{Type: models.EventHeartbeat, Timestamp: time.Now().Unix()})
			case <-stop:
				return
			}
		}
	}()
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbStop != nil {
		close(m.hbStop)
		m.hbStop = nil
	}
}

func (m *Manager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateConnected
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) QueuedMessageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
