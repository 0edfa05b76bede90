// ABOUTME: PeerAgent pairs one agent subprocess with a bus node and speaks the peer:* protocol.
// ABOUTME: Handles discovery, direct and broadcast messages, and request/response between peers.

package peer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-mux/internal/bus"
	"github.com/2389/coven-mux/internal/dedupe"
	"github.com/2389/coven-mux/internal/mux"
	"github.com/2389/coven-mux/internal/protocol"
)

// ErrNotInitialized indicates the peer has not joined the network yet.
var ErrNotInitialized = errors.New("peer not initialized")

// ErrShutdown indicates the peer has left the network.
var ErrShutdown = errors.New("peer shut down")

// BroadcastTarget addresses every peer.
const BroadcastTarget = "all"

// DefaultRequestTimeout bounds RequestFromPeer when Options.RequestTimeout is zero.
const DefaultRequestTimeout = 30 * time.Second

// Input types used when forwarding peer traffic to the subprocess.
const (
	InputPeerMessage = "peer-message"
	InputPeerRequest = "peer-request"
)

// Agents is the subset of the multiplexer a peer needs.
type Agents interface {
	Spawn(ctx context.Context, opts mux.SpawnOptions) (string, error)
	Send(agentID string, msg protocol.Input) error
	Kill(agentID string) error
	IsRunning(agentID string) bool
}

// Options configures a PeerAgent.
type Options struct {
	// AgentID attaches to an already running agent when set; otherwise a new
	// agent is spawned with Spawn (and this ID, if given).
	AgentID      string
	Spawn        mux.SpawnOptions
	Capabilities []string

	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	Dedupe            dedupe.Options
}

// Info describes a known peer.
type Info struct {
	NodeID       string    `json:"nodeId"`
	AgentID      string    `json:"agentId,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	DiscoveredAt time.Time `json:"discoveredAt"`
}

// Stats are cumulative message counters.
type Stats struct {
	Sent       int64 `json:"sent"`
	Received   int64 `json:"received"`
	Duplicates int64 `json:"duplicates"`
	Requests   int64 `json:"requests"`
	Answered   int64 `json:"answered"`
}

// PeerAgent is one node in the peer network.
type PeerAgent struct {
	node   bus.Node
	agents Agents
	opts   Options
	logger *slog.Logger

	mu          sync.Mutex
	agentID     string
	initialized bool
	shutdown    bool
	peers       map[string]Info
	pending     map[string]chan any // outgoing requests by correlation ID
	inbound     map[string]string   // forwarded requests: correlation ID -> requesting node
	subs        []bus.Subscription
	stopBeat    context.CancelFunc
	beatDone    chan struct{}

	seen *dedupe.Window

	sent       atomic.Int64
	received   atomic.Int64
	duplicates atomic.Int64
	requests   atomic.Int64
	answered   atomic.Int64
}

// NewPeerAgent creates a peer on node. Call Initialize to join.
func NewPeerAgent(node bus.Node, agents Agents, logger *slog.Logger, opts Options) *PeerAgent {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &PeerAgent{
		node:    node,
		agents:  agents,
		opts:    opts,
		logger:  logger.With("component", "peer", "node_id", node.ID()),
		peers:   make(map[string]Info),
		pending: make(map[string]chan any),
		inbound: make(map[string]string),
	}
}

// NodeID returns the bus node ID this peer speaks as.
func (p *PeerAgent) NodeID() string { return p.node.ID() }

// AgentID returns the subprocess this peer fronts, once initialized.
func (p *PeerAgent) AgentID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agentID
}

// Initialize starts or attaches to the agent subprocess, subscribes to peer
// traffic and announces the node. Calling it again is a no-op.
func (p *PeerAgent) Initialize(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return ErrShutdown
	}
	if p.initialized {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	agentID := p.opts.AgentID
	if agentID == "" || !p.agents.IsRunning(agentID) {
		spawn := p.opts.Spawn
		if spawn.ID == "" {
			spawn.ID = agentID
		}
		id, err := p.agents.Spawn(ctx, spawn)
		if err != nil {
			return fmt.Errorf("starting agent for peer %s: %w", p.NodeID(), err)
		}
		agentID = id
	}

	beatCtx, cancel := context.WithCancel(context.Background())

	p.mu.Lock()
	p.agentID = agentID
	p.initialized = true
	p.seen = dedupe.NewWindow(p.opts.Dedupe)
	p.stopBeat = cancel
	p.subs = []bus.Subscription{
		p.node.On(bus.TopicPeerAnnounce, p.onAnnounce),
		p.node.On(bus.TopicPeerLeave, p.onLeave),
		p.node.On(bus.TopicPeerMessage, p.onMessage),
		p.node.On(bus.TopicPeerRequest, p.onRequest),
		p.node.On(bus.TopicPeerResponse, p.onResponse),
		p.node.On(bus.TopicMessageReceive, p.onAgentMessage),
	}
	p.mu.Unlock()

	p.logger.Info("peer joined", "agent_id", agentID, "capabilities", p.opts.Capabilities)
	p.announce("")

	if p.opts.HeartbeatInterval > 0 {
		p.beatDone = make(chan struct{})
		go p.heartbeat(beatCtx, p.beatDone)
	} else {
		cancel()
	}
	return nil
}

func (p *PeerAgent) announce(to string) {
	p.node.Emit(bus.TopicPeerAnnounce, bus.PeerEvent{
		NodeID:       p.NodeID(),
		AgentID:      p.AgentID(),
		Capabilities: p.opts.Capabilities,
		To:           to,
	})
}

func (p *PeerAgent) heartbeat(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			p.node.Emit(bus.TopicRegistryHeartbeat, bus.RegistryEvent{
				NodeID:       p.NodeID(),
				AgentID:      p.AgentID(),
				Capabilities: p.opts.Capabilities,
				LastSeen:     t,
			})
		}
	}
}

// addressed reports whether a peer event from another node targets this one.
func (p *PeerAgent) addressed(ev bus.PeerEvent, allowBroadcast bool) bool {
	if ev.NodeID == p.NodeID() {
		return false
	}
	switch ev.To {
	case p.NodeID():
		return true
	case BroadcastTarget:
		return allowBroadcast
	default:
		return false
	}
}

func (p *PeerAgent) onAnnounce(ev bus.Event) {
	a, ok := ev.Payload.(bus.PeerEvent)
	if !ok || a.NodeID == p.NodeID() {
		return
	}
	if a.To != "" && a.To != p.NodeID() {
		return
	}

	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return
	}
	_, known := p.peers[a.NodeID]
	p.peers[a.NodeID] = Info{
		NodeID:       a.NodeID,
		AgentID:      a.AgentID,
		Capabilities: a.Capabilities,
		DiscoveredAt: ev.Time,
	}
	p.mu.Unlock()

	if !known {
		p.logger.Info("peer discovered", "peer", a.NodeID, "capabilities", a.Capabilities)
		p.node.Emit(bus.TopicPeerDiscovered, bus.PeerEvent{
			NodeID:       a.NodeID,
			AgentID:      a.AgentID,
			Capabilities: a.Capabilities,
		})
	}

	// Answer broadcast announcements so the newcomer learns about this node.
	if a.To == "" {
		p.announce(a.NodeID)
	}
}

func (p *PeerAgent) onLeave(ev bus.Event) {
	l, ok := ev.Payload.(bus.PeerEvent)
	if !ok || l.NodeID == p.NodeID() {
		return
	}
	p.mu.Lock()
	_, known := p.peers[l.NodeID]
	delete(p.peers, l.NodeID)
	p.mu.Unlock()
	if known {
		p.logger.Info("peer left", "peer", l.NodeID)
	}
}

func (p *PeerAgent) onMessage(ev bus.Event) {
	m, ok := ev.Payload.(bus.PeerEvent)
	if !ok || !p.addressed(m, true) {
		return
	}
	if m.MessageID != "" && p.seen.Seen(m.MessageID) {
		p.duplicates.Add(1)
		p.logger.Debug("dropping duplicate peer message", "message_id", m.MessageID, "from", m.NodeID)
		return
	}
	p.received.Add(1)

	err := p.agents.Send(p.AgentID(), protocol.Input{
		Type:    InputPeerMessage,
		Content: contentText(m.Content),
		From:    m.NodeID,
		Payload: m.Content,
	})
	if err != nil {
		p.logger.Warn("forwarding peer message to agent", "from", m.NodeID, "error", err)
	}
}

func (p *PeerAgent) onRequest(ev bus.Event) {
	r, ok := ev.Payload.(bus.PeerEvent)
	if !ok || !p.addressed(r, false) || r.CorrelationID == "" {
		return
	}
	p.requests.Add(1)

	p.mu.Lock()
	p.inbound[r.CorrelationID] = r.NodeID
	agentID := p.agentID
	p.mu.Unlock()

	err := p.agents.Send(agentID, protocol.Input{
		Type:          InputPeerRequest,
		Content:       contentText(r.Content),
		CorrelationID: r.CorrelationID,
		From:          r.NodeID,
		Payload:       r.Content,
	})
	if err != nil {
		p.mu.Lock()
		delete(p.inbound, r.CorrelationID)
		p.mu.Unlock()
		p.logger.Warn("forwarding peer request to agent", "from", r.NodeID, "correlation_id", r.CorrelationID, "error", err)
	}
}

// onAgentMessage answers forwarded requests when our subprocess replies.
func (p *PeerAgent) onAgentMessage(ev bus.Event) {
	me, ok := ev.Payload.(bus.MessageEvent)
	if !ok || me.Message == nil || me.Message.CorrelationID == "" {
		return
	}
	msg := me.Message
	if msg.Kind != protocol.KindResponse && msg.Kind != protocol.KindError {
		return
	}

	p.mu.Lock()
	if msg.AgentID != p.agentID {
		p.mu.Unlock()
		return
	}
	requester, ok := p.inbound[msg.CorrelationID]
	if ok {
		delete(p.inbound, msg.CorrelationID)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	p.answered.Add(1)
	p.node.Emit(bus.TopicPeerResponse, bus.PeerEvent{
		NodeID:        p.NodeID(),
		AgentID:       msg.AgentID,
		To:            requester,
		CorrelationID: msg.CorrelationID,
		Content:       msg.Payload,
	})
}

func (p *PeerAgent) onResponse(ev bus.Event) {
	r, ok := ev.Payload.(bus.PeerEvent)
	if !ok || !p.addressed(r, false) {
		return
	}
	p.settle(r.CorrelationID, r.Content)
}

func (p *PeerAgent) settle(correlationID string, content any) bool {
	p.mu.Lock()
	ch, ok := p.pending[correlationID]
	if ok {
		delete(p.pending, correlationID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	ch <- content
	return true
}

func (p *PeerAgent) ready() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.shutdown:
		return ErrShutdown
	case !p.initialized:
		return ErrNotInitialized
	default:
		return nil
	}
}

// SendToPeer delivers content to target at most once and returns the message
// ID. There is no acknowledgement and no retry.
func (p *PeerAgent) SendToPeer(target string, content any) (string, error) {
	if err := p.ready(); err != nil {
		return "", err
	}
	id := uuid.New().String()
	p.sent.Add(1)
	p.node.Emit(bus.TopicPeerMessage, bus.PeerEvent{
		NodeID:    p.NodeID(),
		AgentID:   p.AgentID(),
		To:        target,
		MessageID: id,
		Content:   content,
	})
	return id, nil
}

// Broadcast sends content to every peer.
func (p *PeerAgent) Broadcast(content any) (string, error) {
	return p.SendToPeer(BroadcastTarget, content)
}

// RequestFromPeer asks target's subprocess a question and waits for its
// answer. It returns (nil, nil) when no answer arrives in time.
func (p *PeerAgent) RequestFromPeer(ctx context.Context, target string, query any) (any, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	ch := make(chan any, 1)

	p.mu.Lock()
	p.pending[id] = ch
	p.mu.Unlock()

	p.node.Emit(bus.TopicPeerRequest, bus.PeerEvent{
		NodeID:        p.NodeID(),
		AgentID:       p.AgentID(),
		To:            target,
		CorrelationID: id,
		Content:       query,
	})

	timer := time.NewTimer(p.opts.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		if !p.abandon(id) {
			return <-ch, nil
		}
		p.logger.Debug("peer request timed out", "target", target, "correlation_id", id)
		return nil, nil
	case <-ctx.Done():
		if !p.abandon(id) {
			return <-ch, nil
		}
		return nil, ctx.Err()
	}
}

func (p *PeerAgent) abandon(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[id]; !ok {
		return false
	}
	delete(p.pending, id)
	return true
}

// Peers returns the known peers ordered by node ID.
func (p *PeerAgent) Peers() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Info, 0, len(p.peers))
	for _, info := range p.peers {
		out = append(out, info)
	}
	slices.SortFunc(out, func(a, b Info) int { return strings.Compare(a.NodeID, b.NodeID) })
	return out
}

// Stats returns message counters.
func (p *PeerAgent) Stats() Stats {
	return Stats{
		Sent:       p.sent.Load(),
		Received:   p.received.Load(),
		Duplicates: p.duplicates.Load(),
		Requests:   p.requests.Load(),
		Answered:   p.answered.Load(),
	}
}

// Shutdown kills the subprocess and announces peer:leave. Later calls are
// no-ops. Outstanding requests resolve to nil.
func (p *PeerAgent) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	wasInitialized := p.initialized
	subs := p.subs
	p.subs = nil
	agentID := p.agentID
	stop, beatDone := p.stopBeat, p.beatDone
	pending := p.pending
	p.pending = make(map[string]chan any)
	p.inbound = make(map[string]string)
	p.mu.Unlock()

	if !wasInitialized {
		return nil
	}

	for _, sub := range subs {
		p.node.Off(sub)
	}
	if stop != nil {
		stop()
	}
	if beatDone != nil {
		select {
		case <-beatDone:
		case <-ctx.Done():
		}
	}
	for _, ch := range pending {
		ch <- nil
	}
	p.seen.Close()

	err := p.agents.Kill(agentID)
	p.node.Emit(bus.TopicPeerLeave, bus.PeerEvent{NodeID: p.NodeID(), AgentID: agentID})
	p.logger.Info("peer left network", "agent_id", agentID)
	if err != nil {
		return fmt.Errorf("killing agent %s: %w", agentID, err)
	}
	return nil
}

func contentText(content any) string {
	switch c := content.(type) {
	case nil:
		return ""
	case string:
		return c
	case json.RawMessage:
		return string(c)
	default:
		b, err := json.Marshal(c)
		if err != nil {
			return fmt.Sprint(c)
		}
		return string(b)
	}
}
