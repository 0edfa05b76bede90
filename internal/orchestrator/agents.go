// ABOUTME: Agent lifecycle through the orchestrator: plain agents go to the multiplexer, peers get a PeerAgent
// ABOUTME: Also the narrow agent and human-request surface used by outer layers such as the UI bridge

package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/2389/coven-mux/internal/bus"
	"github.com/2389/coven-mux/internal/config"
	"github.com/2389/coven-mux/internal/gate"
	"github.com/2389/coven-mux/internal/mux"
	"github.com/2389/coven-mux/internal/peer"
	"github.com/2389/coven-mux/internal/protocol"
)

// peerEntry is a PeerAgent with the bus node it owns.
type peerEntry struct {
	agent *peer.PeerAgent
	node  *bus.LocalNode
}

// leave shuts the peer down and frees its node id for a later respawn.
func (e *peerEntry) leave(ctx context.Context) error {
	defer e.node.Close()
	return e.agent.Shutdown(ctx)
}

// SpawnAgent starts an agent described by spec. With spec.Peer set the
// agent joins the peer network on its own bus node.
func (o *Orchestrator) SpawnAgent(ctx context.Context, spec config.AgentSpec) (string, error) {
	opts := mux.SpawnOptions{ID: spec.ID, Role: spec.Role, Args: spec.Args}
	if !spec.Peer {
		return o.mux.Spawn(ctx, opts)
	}

	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	node, err := o.hub.CreateNode("peer-" + opts.ID)
	if err != nil {
		return "", fmt.Errorf("creating peer node: %w", err)
	}

	pa := peer.NewPeerAgent(node, o.mux, o.logger, peer.Options{
		AgentID:           opts.ID,
		Spawn:             opts,
		Capabilities:      spec.Capabilities,
		RequestTimeout:    o.cfg.Timeouts.PeerRequest,
		HeartbeatInterval: o.cfg.Registry.HeartbeatInterval,
	})
	if err := pa.Initialize(ctx); err != nil {
		node.Close()
		return "", err
	}

	o.mu.Lock()
	o.peers[opts.ID] = &peerEntry{agent: pa, node: node}
	o.mu.Unlock()
	return opts.ID, nil
}

// KillAgent stops an agent. Peers leave the network first. Unknown ids are a no-op.
func (o *Orchestrator) KillAgent(ctx context.Context, agentID string) error {
	if e := o.takePeer(agentID); e != nil {
		return e.leave(ctx)
	}
	return o.mux.Kill(agentID)
}

// Send writes in to one agent's stdin.
func (o *Orchestrator) Send(agentID string, in protocol.Input) error {
	return o.mux.Send(agentID, in)
}

// Broadcast writes in to every live agent.
func (o *Orchestrator) Broadcast(in protocol.Input) {
	o.mux.Broadcast(in)
}

// Agents lists the live agents.
func (o *Orchestrator) Agents() []mux.AgentInfo {
	return o.mux.List()
}

// Respond answers an open human request. It reports whether the request was
// still open.
func (o *Orchestrator) Respond(requestID string, resp gate.Response) bool {
	return o.gate.RespondToRequest(requestID, resp)
}

// PendingRequests returns the open human requests, most urgent first.
func (o *Orchestrator) PendingRequests() []gate.Request {
	return o.gate.GetPendingRequests()
}

// Peer returns the PeerAgent fronting agentID, or nil.
func (o *Orchestrator) Peer(agentID string) *peer.PeerAgent {
	o.mu.Lock()
	defer o.mu.Unlock()
	if e, ok := o.peers[agentID]; ok {
		return e.agent
	}
	return nil
}

// Peers returns the agent ids that joined the peer network, sorted.
func (o *Orchestrator) Peers() []string {
	o.mu.Lock()
	ids := make([]string, 0, len(o.peers))
	for id := range o.peers {
		ids = append(ids, id)
	}
	o.mu.Unlock()
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) takePeer(agentID string) *peerEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.peers[agentID]
	if !ok {
		return nil
	}
	delete(o.peers, agentID)
	return e
}

func (o *Orchestrator) takePeers() []*peerEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*peerEntry, 0, len(o.peers))
	for id, e := range o.peers {
		out = append(out, e)
		delete(o.peers, id)
	}
	return out
}
