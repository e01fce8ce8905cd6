package relay

import (
	"context"
	"sort"
	"sync"
	"time"

	"trailtalk/internal/models"

	"github.com/rs/zerolog"
)

const (
	DefaultSweepInterval   = 30 * time.Second
	DefaultLivenessTimeout = 60 * time.Second
)

type peer struct {
	sock     socket
	lastSeen time.Time
}

type RegistryConfig struct {
	SweepInterval   time.Duration
	LivenessTimeout time.Duration
	Clock           func() time.Time // injectable for tests; nil => time.Now
}

func (c *RegistryConfig) norm() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.LivenessTimeout <= 0 {
		c.LivenessTimeout = DefaultLivenessTimeout
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Registry is the process-wide map of user identity to live socket.
// At most one socket is registered per identity; a newer authenticated
// connection displaces the older one.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*peer

	conf   RegistryConfig
	logger zerolog.Logger
}

func NewRegistry(conf RegistryConfig, logger zerolog.Logger) *Registry {
	conf.norm()
	return &Registry{
		peers:  make(map[string]*peer),
		conf:   conf,
		logger: logger,
	}
}

// Register installs s as the live socket for userID and returns the
// displaced socket, if any. Last writer wins.
func (r *Registry) Register(userID string, s socket) socket {
	now := r.conf.Clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	var displaced socket
	if old, ok := r.peers[userID]; ok && old.sock != s {
		displaced = old.sock
	}
	r.peers[userID] = &peer{sock: s, lastSeen: now}
	return displaced
}

// Touch refreshes the last-seen timestamp. Called on every inbound
// frame so active connections survive the liveness sweep.
func (r *Registry) Touch(userID string) {
	now := r.conf.Clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[userID]; ok {
		p.lastSeen = now
	}
}

// Remove deletes the entry for userID if it still refers to s. It
// reports whether the user should now be treated as offline: false
// means a newer socket has taken over the identity. Removal of an
// already-absent entry (swept concurrently) is not an error.
func (r *Registry) Remove(userID string, s socket) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.peers[userID]
	if !ok {
		return true
	}
	if cur.sock != s {
		return false
	}
	delete(r.peers, userID)
	return true
}

// Get returns the live socket for userID.
func (r *Registry) Get(userID string) (socket, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[userID]
	if !ok {
		return nil, false
	}
	return p.sock, true
}

// Online returns the sorted list of registered identities.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.peers))
	for id := range r.peers {
		users = append(users, id)
	}
	sort.Strings(users)
	return users
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// SendTo delivers an event to the identity's live socket. A stale
// socket that errors on write is evicted so the registry heals itself.
// Returns false when the user is offline or the send failed.
func (r *Registry) SendTo(userID string, ev models.Event) bool {
	r.mu.RLock()
	p, ok := r.peers[userID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	if err := p.sock.WriteJSON(ev); err != nil {
		r.logger.Warn().Str("user_id", userID).Err(err).Msg("evicting stale socket")
		r.Remove(userID, p.sock)
		_ = p.sock.Close()
		return false
	}
	return true
}

// Broadcast sends an event to every registered socket except exclude.
// Iteration runs over a snapshot; a failed send evicts that peer but
// does not abort delivery to the rest.
func (r *Registry) Broadcast(ev models.Event, exclude string) {
	type target struct {
		userID string
		sock   socket
	}

	r.mu.RLock()
	targets := make([]target, 0, len(r.peers))
	for id, p := range r.peers {
		if id == exclude {
			continue
		}
		targets = append(targets, target{userID: id, sock: p.sock})
	}
	r.mu.RUnlock()

	for _, t := range targets {
		if err := t.sock.WriteJSON(ev); err != nil {
			r.logger.Warn().Str("user_id", t.userID).Err(err).Msg("evicting stale socket")
			r.Remove(t.userID, t.sock)
			_ = t.sock.Close()
		}
	}
}

// Run drives the periodic liveness sweep until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	t := time.NewTicker(r.conf.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			// lastSeen comes from conf.Clock, so the comparison has to.
			r.sweepOnce(r.conf.Clock())
		}
	}
}

// sweepOnce evicts and closes every entry whose last-seen exceeds the
// liveness timeout. Closing the socket makes its connection loop exit,
// which broadcasts the offline event through the normal path.
func (r *Registry) sweepOnce(now time.Time) {
	type expired struct {
		userID string
		sock   socket
	}

	var dead []expired
	r.mu.Lock()
	for id, p := range r.peers {
		if now.Sub(p.lastSeen) > r.conf.LivenessTimeout {
			dead = append(dead, expired{userID: id, sock: p.sock})
			delete(r.peers, id)
		}
	}
	r.mu.Unlock()

	for _, d := range dead {
		r.logger.Info().Str("user_id", d.userID).Msg("evicting idle connection")
		_ = d.sock.Close()
	}
}
