// ABOUTME: Tests for the peer Registry: registration from announcements, heartbeats and expiry.
// ABOUTME: Uses an injected clock and a family-pattern subscription on registry:*.

package peer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mux/internal/bus"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type registryFixture struct {
	reg     *Registry
	clock   *stepClock
	peer    *bus.LocalNode
	mu      sync.Mutex
	regEvts []bus.Event
}

func newRegistryFixture(t *testing.T) *registryFixture {
	t.Helper()
	hub := bus.NewHub(nil)
	regNode, err := hub.CreateNode("registry")
	require.NoError(t, err)
	peerNode, err := hub.CreateNode("peer-a")
	require.NoError(t, err)
	watcher, err := hub.CreateNode("watcher")
	require.NoError(t, err)

	f := &registryFixture{
		clock: &stepClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)},
		peer:  peerNode,
	}
	watcher.On(bus.TopicRegistryAll, func(ev bus.Event) {
		f.mu.Lock()
		f.regEvts = append(f.regEvts, ev)
		f.mu.Unlock()
	})
	f.reg = NewRegistry(regNode, nil, RegistryOptions{Expiry: time.Minute, Now: f.clock.Now})
	t.Cleanup(f.reg.Close)
	return f
}

func (f *registryFixture) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.regEvts))
	for _, ev := range f.regEvts {
		out = append(out, ev.Topic)
	}
	return out
}

func TestRegistry_RegistersFromAnnouncements(t *testing.T) {
	f := newRegistryFixture(t)

	f.peer.Emit(bus.TopicPeerAnnounce, bus.PeerEvent{NodeID: "peer-a", AgentID: "agent-a", Capabilities: []string{"go", "review"}})
	f.peer.Emit(bus.TopicPeerAnnounce, bus.PeerEvent{NodeID: "peer-a", AgentID: "agent-a", Capabilities: []string{"go"}})

	e, ok := f.reg.Get("peer-a")
	require.True(t, ok)
	assert.Equal(t, "agent-a", e.AgentID)
	assert.Equal(t, []string{"go"}, e.Capabilities, "re-announce replaces capabilities")
	assert.Equal(t, []string{bus.TopicRegistryRegister}, f.topics(), "registered once")
}

func TestRegistry_ExpiresSilentPeers(t *testing.T) {
	f := newRegistryFixture(t)

	f.reg.Register("quiet", "", nil)
	f.reg.Register("chatty", "", nil)

	f.clock.Advance(45 * time.Second)
	f.peer.Emit(bus.TopicRegistryHeartbeat, bus.RegistryEvent{NodeID: "chatty"})
	f.clock.Advance(30 * time.Second)

	assert.Equal(t, []string{"quiet"}, f.reg.Sweep())
	_, ok := f.reg.Get("quiet")
	assert.False(t, ok)
	_, ok = f.reg.Get("chatty")
	assert.True(t, ok)

	assert.Contains(t, f.topics(), bus.TopicRegistryExpired)
	assert.Empty(t, f.reg.Sweep(), "nothing left to expire")
}

func TestRegistry_HeartbeatUnknownPeer(t *testing.T) {
	f := newRegistryFixture(t)
	assert.False(t, f.reg.Heartbeat("ghost"))

	f.reg.Register("known", "", nil)
	assert.True(t, f.reg.Heartbeat("known"))
	assert.Contains(t, f.topics(), bus.TopicRegistryHeartbeat)
}

func TestRegistry_LeaveRemoves(t *testing.T) {
	f := newRegistryFixture(t)
	f.reg.Register("peer-a", "agent-a", nil)

	f.peer.Emit(bus.TopicPeerLeave, bus.PeerEvent{NodeID: "peer-a"})

	assert.Empty(t, f.reg.List())
	f.mu.Lock()
	last := f.regEvts[len(f.regEvts)-1]
	f.mu.Unlock()
	assert.Equal(t, bus.TopicRegistryRemove, last.Topic)
	assert.Equal(t, ReasonLeave, last.Payload.(bus.RegistryEvent).Reason)
	assert.False(t, f.reg.Remove("peer-a", ReasonLeave), "second remove is a no-op")
}

func TestRegistry_CountsMessagesAndFindsCapabilities(t *testing.T) {
	f := newRegistryFixture(t)
	f.reg.Register("peer-a", "", []string{"go"})
	f.reg.Register("peer-b", "", []string{"python", "go"})
	f.reg.Register("peer-c", "", []string{"python"})

	f.peer.Emit(bus.TopicPeerMessage, bus.PeerEvent{NodeID: "peer-a", To: "all", MessageID: "1"})
	f.peer.Emit(bus.TopicPeerMessage, bus.PeerEvent{NodeID: "peer-a", To: "peer-b", MessageID: "2"})

	e, _ := f.reg.Get("peer-a")
	assert.Equal(t, int64(2), e.Messages)

	var ids []string
	for _, e := range f.reg.FindByCapability("go") {
		ids = append(ids, e.NodeID)
	}
	assert.Equal(t, []string{"peer-a", "peer-b"}, ids)
	assert.Empty(t, f.reg.FindByCapability("rust"))
}

func TestRegistry_RunStopsWithContext(t *testing.T) {
	hub := bus.NewHub(nil)
	node, err := hub.CreateNode("registry")
	require.NoError(t, err)
	reg := NewRegistry(node, nil, RegistryOptions{Expiry: time.Millisecond, SweepInterval: 5 * time.Millisecond})
	defer reg.Close()

	reg.Register("fleeting", "", nil)

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, reg.Run(ctx), context.DeadlineExceeded)
	assert.Empty(t, reg.List())
}

func TestRegistry_CloseDetaches(t *testing.T) {
	f := newRegistryFixture(t)
	f.reg.Close()
	f.reg.Close()

	f.peer.Emit(bus.TopicPeerAnnounce, bus.PeerEvent{NodeID: "late"})
	assert.Empty(t, f.reg.List())
}
