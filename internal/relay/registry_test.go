package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"trailtalk/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_LastWriterWins(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, zerolog.Nop())

	s1 := newMockSocket()
	s2 := newMockSocket()

	require.Nil(t, r.Register("alice", s1))
	displaced := r.Register("alice", s2)
	require.Equal(t, s1, displaced)

	assert.Equal(t, 1, r.Count())
	cur, ok := r.Get("alice")
	require.True(t, ok)
	assert.Equal(t, s2, cur)
}

func TestRegistry_RemoveIdempotent(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, zerolog.Nop())
	s1 := newMockSocket()

	r.Register("alice", s1)
	assert.True(t, r.Remove("alice", s1))
	// Already absent: still treated as offline.
	assert.True(t, r.Remove("alice", s1))

	// A different live socket holds the identity: not offline.
	s2 := newMockSocket()
	r.Register("alice", s2)
	assert.False(t, r.Remove("alice", s1))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_SweepEvictsIdle(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	r := NewRegistry(RegistryConfig{Clock: clock}, zerolog.Nop())

	idle := newMockSocket()
	active := newMockSocket()
	r.Register("idle", idle)
	r.Register("active", active)

	// Heartbeats every 30s keep the active connection alive.
	now = now.Add(30 * time.Second)
	r.Touch("active")
	now = now.Add(31 * time.Second)
	r.Touch("active")

	r.sweepOnce(now)

	assert.Equal(t, 1, r.Count())
	_, ok := r.Get("idle")
	assert.False(t, ok)
	assert.True(t, idle.isClosed())
	assert.False(t, active.isClosed())
}

func TestRegistry_SweepKeepsFreshConnections(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	r := NewRegistry(RegistryConfig{Clock: clock}, zerolog.Nop())

	s := newMockSocket()
	r.Register("alice", s)

	now = now.Add(59 * time.Second)
	r.sweepOnce(now)

	assert.Equal(t, 1, r.Count())
	assert.False(t, s.isClosed())
}

func TestRegistry_RunSweepsByInjectedClock(t *testing.T) {
	// A clock a day ahead of the wall: an eviction can only come from
	// the injected clock, never from the ticker's own tick time.
	var mu sync.Mutex
	now := time.Now().Add(24 * time.Hour)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	r := NewRegistry(RegistryConfig{SweepInterval: 5 * time.Millisecond, Clock: clock}, zerolog.Nop())

	s := newMockSocket()
	r.Register("alice", s)

	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	require.Eventually(t, func() bool {
		return r.Count() == 0
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.isClosed())
}

func TestRegistry_BroadcastSelfHealing(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, zerolog.Nop())

	healthy := newMockSocket()
	stale := newMockSocket()
	stale.setWriteErr(errors.New("broken pipe"))

	r.Register("healthy", healthy)
	r.Register("stale", stale)

	r.Broadcast(models.Event{Type: models.EventUserOnline, UserID: "carol"}, "")

	// The stale peer is evicted without aborting delivery to the rest.
	require.Len(t, healthy.writtenOfType(models.EventUserOnline), 1)
	assert.Equal(t, 1, r.Count())
	_, ok := r.Get("stale")
	assert.False(t, ok)
	assert.True(t, stale.isClosed())
}

func TestRegistry_SendToOffline(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, zerolog.Nop())
	assert.False(t, r.SendTo("ghost", models.Event{Type: models.EventMessage}))
}

func TestRegistry_BroadcastExcludesSender(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, zerolog.Nop())

	alice := newMockSocket()
	bob := newMockSocket()
	r.Register("alice", alice)
	r.Register("bob", bob)

	r.Broadcast(models.Event{Type: models.EventUserOnline, UserID: "alice"}, "alice")

	assert.Empty(t, alice.getWritten())
	require.Len(t, bob.writtenOfType(models.EventUserOnline), 1)
	assert.Equal(t, "alice", bob.writtenOfType(models.EventUserOnline)[0].UserID)
}
