// ABOUTME: Registry keeps a last-seen table of peers from announcements and heartbeats.
// ABOUTME: A sweeper expires silent peers; every change is announced on registry:* topics.

package peer

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-mux/internal/bus"
)

// Registry defaults.
const (
	DefaultExpiry        = 90 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// Removal reasons carried on registry:remove and registry:expired.
const (
	ReasonLeave   = "leave"
	ReasonExpired = "expired"
)

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Expiry        time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// Entry is the registry's record of one peer.
type Entry struct {
	NodeID       string    `json:"nodeId"`
	AgentID      string    `json:"agentId,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	FirstSeen    time.Time `json:"firstSeen"`
	LastSeen     time.Time `json:"lastSeen"`
	Messages     int64     `json:"messages"`
}

// HasCapability reports whether the peer advertised capability.
func (e Entry) HasCapability(capability string) bool {
	return slices.Contains(e.Capabilities, capability)
}

// Registry tracks peers seen on the bus.
type Registry struct {
	node   bus.Node
	opts   RegistryOptions
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	subs    []bus.Subscription
	closed  bool
}

// NewRegistry creates a Registry listening on node. Call Run to expire
// silent peers.
func NewRegistry(node bus.Node, logger *slog.Logger, opts RegistryOptions) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultExpiry
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Registry{
		node:    node,
		opts:    opts,
		logger:  logger.With("component", "registry"),
		entries: make(map[string]*Entry),
	}
	r.subs = []bus.Subscription{
		node.On(bus.TopicPeerAnnounce, func(ev bus.Event) {
			if a, ok := ev.Payload.(bus.PeerEvent); ok {
				r.Register(a.NodeID, a.AgentID, a.Capabilities)
			}
		}),
		node.On(bus.TopicPeerLeave, func(ev bus.Event) {
			if l, ok := ev.Payload.(bus.PeerEvent); ok {
				r.Remove(l.NodeID, ReasonLeave)
			}
		}),
		node.On(bus.TopicPeerMessage, func(ev bus.Event) {
			if m, ok := ev.Payload.(bus.PeerEvent); ok {
				r.countMessage(m.NodeID)
			}
		}),
		node.On(bus.TopicRegistryHeartbeat, func(ev bus.Event) {
			if h, ok := ev.Payload.(bus.RegistryEvent); ok && ev.Source != node.ID() {
				r.touch(h.NodeID)
			}
		}),
	}
	return r
}

// Register adds or refreshes a peer. New peers are announced on
// registry:register.
func (r *Registry) Register(nodeID, agentID string, capabilities []string) {
	if nodeID == "" {
		return
	}
	now := r.opts.Now()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	e, exists := r.entries[nodeID]
	if !exists {
		e = &Entry{NodeID: nodeID, FirstSeen: now}
		r.entries[nodeID] = e
	}
	e.AgentID = agentID
	e.Capabilities = slices.Clone(capabilities)
	e.LastSeen = now
	r.mu.Unlock()

	if exists {
		return
	}
	r.logger.Debug("peer registered", "peer", nodeID, "capabilities", capabilities)
	r.node.Emit(bus.TopicRegistryRegister, bus.RegistryEvent{
		NodeID:       nodeID,
		AgentID:      agentID,
		Capabilities: capabilities,
		LastSeen:     now,
	})
}

// Heartbeat refreshes nodeID and announces it on registry:heartbeat. It
// reports false for unknown peers.
func (r *Registry) Heartbeat(nodeID string) bool {
	now, ok := r.refresh(nodeID)
	if !ok {
		return false
	}
	r.node.Emit(bus.TopicRegistryHeartbeat, bus.RegistryEvent{NodeID: nodeID, LastSeen: now})
	return true
}

// touch refreshes nodeID from a heartbeat emitted elsewhere.
func (r *Registry) touch(nodeID string) {
	if _, ok := r.refresh(nodeID); !ok {
		r.logger.Debug("heartbeat from unregistered peer", "peer", nodeID)
	}
}

func (r *Registry) refresh(nodeID string) (time.Time, bool) {
	now := r.opts.Now()
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[nodeID]
	if !ok {
		return time.Time{}, false
	}
	e.LastSeen = now
	return now, true
}

func (r *Registry) countMessage(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[nodeID]; ok {
		e.Messages++
		e.LastSeen = r.opts.Now()
	}
}

// Remove drops nodeID and announces registry:remove. Unknown IDs are ignored.
func (r *Registry) Remove(nodeID, reason string) bool {
	r.mu.Lock()
	e, ok := r.entries[nodeID]
	if ok {
		delete(r.entries, nodeID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.logger.Debug("peer removed", "peer", nodeID, "reason", reason)
	r.node.Emit(bus.TopicRegistryRemove, bus.RegistryEvent{
		NodeID:   nodeID,
		AgentID:  e.AgentID,
		LastSeen: e.LastSeen,
		Reason:   reason,
	})
	return true
}

// Sweep expires peers not seen within the expiry window and returns their IDs.
func (r *Registry) Sweep() []string {
	now := r.opts.Now()

	r.mu.Lock()
	var expired []*Entry
	for id, e := range r.entries {
		if now.Sub(e.LastSeen) > r.opts.Expiry {
			expired = append(expired, e)
			delete(r.entries, id)
		}
	}
	r.mu.Unlock()

	slices.SortFunc(expired, func(a, b *Entry) int { return strings.Compare(a.NodeID, b.NodeID) })
	ids := make([]string, 0, len(expired))
	for _, e := range expired {
		ids = append(ids, e.NodeID)
		r.logger.Info("peer expired", "peer", e.NodeID, "last_seen", e.LastSeen)
		r.node.Emit(bus.TopicRegistryExpired, bus.RegistryEvent{
			NodeID:   e.NodeID,
			AgentID:  e.AgentID,
			LastSeen: e.LastSeen,
			Reason:   ReasonExpired,
		})
	}
	return ids
}

// Run sweeps periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Get returns a copy of the entry for nodeID.
func (r *Registry) Get(nodeID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[nodeID]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns all entries ordered by node ID.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.NodeID, b.NodeID) })
	return out
}

// FindByCapability returns peers advertising capability, ordered by node ID.
func (r *Registry) FindByCapability(capability string) []Entry {
	var out []Entry
	for _, e := range r.List() {
		if e.HasCapability(capability) {
			out = append(out, e)
		}
	}
	return out
}

// Close detaches the registry from the bus.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	subs := r.subs
	r.subs = nil
	r.mu.Unlock()

	for _, sub := range subs {
		r.node.Off(sub)
	}
}
