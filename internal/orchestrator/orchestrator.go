// ABOUTME: Orchestrator wires the multiplexer, splitter, router, peers, human gate and audit store on one hub
// ABOUTME: Owns the component lifecycles and the supervised goroutines for fire-and-forget work

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/2389/coven-mux/internal/bus"
	"github.com/2389/coven-mux/internal/config"
	"github.com/2389/coven-mux/internal/gate"
	"github.com/2389/coven-mux/internal/mux"
	"github.com/2389/coven-mux/internal/peer"
	"github.com/2389/coven-mux/internal/router"
	"github.com/2389/coven-mux/internal/store"
	"github.com/2389/coven-mux/internal/stream"
)

// NodeID is the bus node the orchestrator itself speaks as.
const NodeID = "orchestrator"

// Stats is a point-in-time view across components.
type Stats struct {
	Agents           mux.Stats `json:"agents"`
	Streams          int       `json:"streams"`
	PendingResponses int       `json:"pendingResponses"`
	RouterQueue      int       `json:"routerQueue"`
	RouterProcessed  int64     `json:"routerProcessed"`
	RouterFailed     int64     `json:"routerFailed"`
	PendingHuman     int       `json:"pendingHuman"`
	Peers            int       `json:"peers"`
}

// Orchestrator owns every core component and the hub they share.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger
	store  store.Store

	hub      *bus.Hub
	node     *bus.LocalNode
	mux      *mux.Multiplexer
	splitter *stream.Splitter
	router   *router.Router
	gate     *gate.Coordinator
	registry *peer.Registry

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup

	mu    sync.Mutex
	peers map[string]*peerEntry // by agent ID
	subs  []bus.Subscription

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds the component graph. st may be nil to disable the audit log.
func New(cfg *config.Config, spawner mux.Spawner, st store.Store, logger *slog.Logger) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	hub := bus.NewHub(logger)
	nodes := make(map[string]*bus.LocalNode)
	for _, id := range []string{NodeID, "mux", "splitter", "router", "gate", "registry"} {
		n, err := hub.CreateNode(id)
		if err != nil {
			hub.Close()
			return nil, fmt.Errorf("creating %s node: %w", id, err)
		}
		nodes[id] = n
	}

	roles := make(map[string]gate.Policy, len(cfg.Gate.Roles))
	for name, rp := range cfg.Gate.Roles {
		roles[name] = gate.Policy{
			Autonomy:            gate.Autonomy(rp.Autonomy),
			RequiresApprovalFor: rp.RequiresApprovalFor,
			NotifyFor:           rp.NotifyFor,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:    cfg,
		logger: logger.With("component", "orchestrator"),
		store:  st,
		hub:    hub,
		node:   nodes[NodeID],
		mux: mux.New(mux.Config{
			MaxAgents: cfg.Mux.MaxAgents,
			Command:   cfg.Mux.Command,
			Args:      cfg.Mux.Args,
			Env:       cfg.Mux.Env,
		}, spawner, nodes["mux"], logger),
		splitter: stream.New(nodes["splitter"], logger, stream.Options{
			ResponseTimeout: cfg.Timeouts.DemuxResponse,
		}),
		router: router.New(nodes["router"], logger, router.Options{
			RequestTimeout: cfg.Timeouts.RouterRequest,
		}),
		gate: gate.NewCoordinator(nodes["gate"], st, logger, gate.Options{
			ConfidenceThreshold: cfg.Gate.ConfidenceThreshold,
			ApprovalTimeout:     cfg.Timeouts.Approval,
			DefaultAutonomy:     gate.Autonomy(cfg.Gate.DefaultAutonomy),
			Roles:               roles,
		}),
		registry: peer.NewRegistry(nodes["registry"], logger, peer.RegistryOptions{
			Expiry: cfg.Registry.Expiry,
		}),
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[string]*peerEntry),
	}

	if err := o.installRoutes(); err != nil {
		cancel()
		hub.Close()
		return nil, err
	}

	o.subs = []bus.Subscription{
		o.node.On(bus.TopicMessageReceive, o.onAgentMessage),
		o.node.On(bus.TopicAgentSpawn, o.onAgentSpawn),
		o.node.On(bus.TopicAgentExit, o.onAgentExit),
		o.node.On(bus.TopicAgentOutput, o.onAgentOutput),
	}
	o.router.OnRequest(ctx, TopicQuery, o.answerQuery)

	return o, nil
}

// Start loads the policy file, starts the router and registry loops and
// spawns the configured startup agents.
func (o *Orchestrator) Start(ctx context.Context) error {
	if path := o.cfg.Gate.PolicyFile; path != "" {
		if err := o.gate.WatchPolicyFile(o.ctx, expandHome(path)); err != nil {
			return fmt.Errorf("loading policy file: %w", err)
		}
	}

	o.goLoop("router", o.router.Run)
	o.goLoop("registry", o.registry.Run)

	for _, spec := range o.cfg.Mux.Agents {
		if _, err := o.SpawnAgent(ctx, spec); err != nil {
			return fmt.Errorf("starting agent %s: %w", spec.ID, err)
		}
	}

	o.logger.Info("orchestrator started",
		"max_agents", o.mux.MaxAgents(),
		"startup_agents", len(o.cfg.Mux.Agents),
	)
	return nil
}

// Shutdown stops peers and agents, resolves every pending human request,
// stops background work and closes the hub. Safe to call more than once.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.logger.Info("orchestrator shutting down")

		var errs []error
		for _, e := range o.takePeers() {
			if err := e.leave(ctx); err != nil {
				errs = append(errs, fmt.Errorf("peer %s: %w", e.node.ID(), err))
			}
		}
		if err := o.mux.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping agents: %w", err))
		}

		o.gate.Close()
		o.router.Close()
		o.registry.Close()
		o.splitter.Close()
		o.cancel()

		done := make(chan struct{})
		go func() {
			o.tasks.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("waiting for background tasks: %w", ctx.Err()))
		}

		for _, sub := range o.subs {
			o.node.Off(sub)
		}
		o.hub.Close()
		o.shutdownErr = errors.Join(errs...)
	})
	return o.shutdownErr
}

// Hub returns the shared hub so outer surfaces can attach their own nodes.
func (o *Orchestrator) Hub() *bus.Hub { return o.hub }

// Mux returns the process multiplexer.
func (o *Orchestrator) Mux() *mux.Multiplexer { return o.mux }

// Splitter returns the stream splitter.
func (o *Orchestrator) Splitter() *stream.Splitter { return o.splitter }

// Router returns the async router.
func (o *Orchestrator) Router() *router.Router { return o.router }

// Gate returns the human gate coordinator.
func (o *Orchestrator) Gate() *gate.Coordinator { return o.gate }

// Registry returns the peer registry.
func (o *Orchestrator) Registry() *peer.Registry { return o.registry }

// Stats collects counters from every component.
func (o *Orchestrator) Stats() Stats {
	processed, failed := o.router.Stats()
	return Stats{
		Agents:           o.mux.Stats(),
		Streams:          len(o.splitter.Streams()),
		PendingResponses: o.splitter.PendingResponses(),
		RouterQueue:      o.router.QueueLen(),
		RouterProcessed:  processed,
		RouterFailed:     failed,
		PendingHuman:     o.gate.PendingCount(),
		Peers:            len(o.registry.List()),
	}
}

// goSupervised runs fire-and-forget work for agentID. A returned error or
// panic is logged and emitted on agent:error with op.
func (o *Orchestrator) goSupervised(agentID, op string, fn func(ctx context.Context) error) {
	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()

		err := func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return fn(o.ctx)
		}()
		if err == nil {
			return
		}

		o.logger.Error("background task failed", "agent_id", agentID, "op", op, "error", err)
		o.node.Emit(bus.TopicAgentError, bus.AgentEvent{
			AgentID: agentID,
			Op:      op,
			Err:     err.Error(),
		})
	}()
}

// goLoop runs a long-lived component loop until shutdown.
func (o *Orchestrator) goLoop(name string, run func(ctx context.Context) error) {
	o.tasks.Add(1)
	go func() {
		defer o.tasks.Done()
		if err := run(o.ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error("loop exited", "loop", name, "error", err)
		}
	}()
}

func (o *Orchestrator) logActivity(a *store.Activity) {
	if o.store == nil {
		return
	}
	if err := o.store.LogActivity(o.ctx, a); err != nil {
		o.logger.Warn("failed to log activity", "agent_id", a.AgentID, "kind", a.Kind, "error", err)
	}
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
