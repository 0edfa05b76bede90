// ABOUTME: Owns agent subprocesses, feeds them input and demuxes their output into typed messages.
// ABOUTME: Enforces the concurrent agent limit and announces spawn/exit/error lifecycle events.

package mux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-mux/internal/bus"
	"github.com/2389/coven-mux/internal/protocol"
	"github.com/2389/coven-mux/internal/stream"
)

// ErrCapacityExceeded indicates the live agent count is at the configured maximum.
var ErrCapacityExceeded = errors.New("agent capacity exceeded")

// ErrAgentNotFound indicates no live agent has the given ID.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentExists indicates a live or starting agent already uses the requested ID.
var ErrAgentExists = errors.New("agent already exists")

// DefaultMaxAgents is used when Config.MaxAgents is not positive.
const DefaultMaxAgents = 5

const readChunkSize = 32 * 1024

// Config holds the multiplexer's admission limit and default command line.
type Config struct {
	MaxAgents int
	Command   string
	Args      []string
	Env       map[string]string
}

// SpawnOptions describes one agent to start. Empty fields fall back to Config.
type SpawnOptions struct {
	ID      string
	Role    string
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// AgentInfo is a snapshot of a live agent.
type AgentInfo struct {
	ID        string    `json:"id"`
	Role      string    `json:"role,omitempty"`
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	Args      []string  `json:"args,omitempty"`
	SpawnedAt time.Time `json:"spawnedAt"`
}

// Stats are cumulative multiplexer counters.
type Stats struct {
	Live             int   `json:"live"`
	MaxAgents        int   `json:"maxAgents"`
	Spawned          int64 `json:"spawned"`
	Exited           int64 `json:"exited"`
	MessagesSent     int64 `json:"messagesSent"`
	MessagesReceived int64 `json:"messagesReceived"`
	RawLines         int64 `json:"rawLines"`
}

// handle is the multiplexer's exclusive record of one subprocess.
type handle struct {
	info    AgentInfo
	proc    Process
	writeMu sync.Mutex
}

// Multiplexer coordinates agent subprocesses.
type Multiplexer struct {
	cfg     Config
	spawner Spawner
	node    bus.Node
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.RWMutex
	agents   map[string]*handle
	starting map[string]struct{}

	exits sync.WaitGroup

	spawned          atomic.Int64
	exited           atomic.Int64
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
	rawLines         atomic.Int64
}

// New creates a Multiplexer that announces lifecycle and message events on node.
func New(cfg Config, spawner Spawner, node bus.Node, logger *slog.Logger) *Multiplexer {
	if cfg.MaxAgents <= 0 {
		cfg.MaxAgents = DefaultMaxAgents
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		cfg:      cfg,
		spawner:  spawner,
		node:     node,
		logger:   logger.With("component", "mux"),
		now:      time.Now,
		agents:   make(map[string]*handle),
		starting: make(map[string]struct{}),
	}
}

// Spawn starts a new agent subprocess and returns its ID.
// Returns ErrCapacityExceeded when the limit is reached; the live set is unchanged.
func (m *Multiplexer) Spawn(ctx context.Context, opts SpawnOptions) (string, error) {
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}

	m.mu.Lock()
	if len(m.agents)+len(m.starting) >= m.cfg.MaxAgents {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %d of %d agents running", ErrCapacityExceeded, len(m.agents), m.cfg.MaxAgents)
	}
	if _, exists := m.agents[id]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAgentExists, id)
	}
	if _, exists := m.starting[id]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrAgentExists, id)
	}
	m.starting[id] = struct{}{}
	m.mu.Unlock()

	spec := m.specFor(opts)
	proc, err := m.spawner.Start(ctx, spec)

	m.mu.Lock()
	delete(m.starting, id)
	if err != nil {
		m.mu.Unlock()
		m.node.Emit(bus.TopicAgentError, bus.AgentEvent{AgentID: id, Role: opts.Role, Op: "spawn", Err: err.Error()})
		return "", fmt.Errorf("spawning agent %s: %w", id, err)
	}
	h := &handle{
		info: AgentInfo{
			ID:        id,
			Role:      opts.Role,
			PID:       proc.PID(),
			Command:   spec.Command,
			Args:      spec.Args,
			SpawnedAt: m.now(),
		},
		proc: proc,
	}
	m.agents[id] = h
	total := len(m.agents)
	m.mu.Unlock()

	m.spawned.Add(1)
	m.logger.Info("=== AGENT SPAWNED ===",
		"agent_id", id,
		"role", opts.Role,
		"pid", h.info.PID,
		"total_agents", total,
	)

	m.exits.Add(1)
	go m.supervise(h)

	m.node.Emit(bus.TopicAgentSpawn, bus.AgentEvent{
		AgentID: id,
		Role:    opts.Role,
		PID:     h.info.PID,
		Args:    spec.Args,
	})
	return id, nil
}

func (m *Multiplexer) specFor(opts SpawnOptions) SpawnSpec {
	spec := SpawnSpec{
		Command: m.cfg.Command,
		Args:    m.cfg.Args,
		Dir:     opts.Dir,
		Env:     make(map[string]string, len(m.cfg.Env)+len(opts.Env)),
	}
	if opts.Command != "" {
		spec.Command = opts.Command
	}
	if opts.Args != nil {
		spec.Args = opts.Args
	}
	maps.Copy(spec.Env, m.cfg.Env)
	maps.Copy(spec.Env, opts.Env)
	return spec
}

// supervise reads the agent's output until exit, then retires the handle.
func (m *Multiplexer) supervise(h *handle) {
	defer m.exits.Done()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		m.readStdout(h)
	}()
	go func() {
		defer readers.Done()
		m.readStderr(h)
	}()

	// Wait closes the exec pipes, so drain them first.
	readers.Wait()
	code, waitErr := h.proc.Wait()

	m.mu.Lock()
	if cur, ok := m.agents[h.info.ID]; ok && cur == h {
		delete(m.agents, h.info.ID)
	}
	total := len(m.agents)
	m.mu.Unlock()

	m.exited.Add(1)
	m.logger.Info("=== AGENT EXITED ===",
		"agent_id", h.info.ID,
		"exit_code", code,
		"total_agents", total,
	)

	if waitErr != nil {
		m.node.Emit(bus.TopicAgentError, bus.AgentEvent{AgentID: h.info.ID, Role: h.info.Role, Op: "wait", Err: waitErr.Error()})
	}
	m.node.Emit(bus.TopicAgentExit, bus.AgentEvent{AgentID: h.info.ID, Role: h.info.Role, ExitCode: code})
}

func (m *Multiplexer) readStdout(h *handle) {
	var r stream.Reassembler
	buf := make([]byte, readChunkSize)
	out := h.proc.Stdout()

	for {
		n, err := out.Read(buf)
		if n > 0 {
			for _, f := range r.Feed(buf[:n]) {
				m.dispatch(h, f)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !isClosedPipe(err) {
				m.logger.Warn("reading agent stdout", "agent_id", h.info.ID, "error", err)
			}
			break
		}
	}

	if f, ok := r.Flush(); ok {
		m.logger.Debug("discarding partial output at exit", "agent_id", h.info.ID, "bytes", len(f.Raw))
	}
}

func (m *Multiplexer) dispatch(h *handle, f stream.Frame) {
	if f.IsMessage() {
		msg, err := protocol.Decode(h.info.ID, f.Message, m.now())
		if err == nil {
			m.messagesReceived.Add(1)
			m.node.Emit(bus.TopicMessageReceive, bus.MessageEvent{AgentID: h.info.ID, Message: &msg})
			return
		}
	}
	m.rawLines.Add(1)
	line := f.Raw
	if line == "" {
		line = string(f.Message)
	}
	m.node.Emit(bus.TopicAgentOutput, bus.AgentEvent{AgentID: h.info.ID, Role: h.info.Role, Stream: "stdout", Line: line})
}

func (m *Multiplexer) readStderr(h *handle) {
	scanner := bufio.NewScanner(h.proc.Stderr())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		m.node.Emit(bus.TopicAgentOutput, bus.AgentEvent{AgentID: h.info.ID, Role: h.info.Role, Stream: "stderr", Line: line})
	}
	if err := scanner.Err(); err != nil && !isClosedPipe(err) {
		m.logger.Warn("reading agent stderr", "agent_id", h.info.ID, "error", err)
	}
}

func isClosedPipe(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || strings.Contains(err.Error(), "file already closed")
}

// Send writes msg to the agent's stdin as one JSON line. message:send is
// emitted before the write; delivery is not acknowledged.
func (m *Multiplexer) Send(agentID string, msg protocol.Input) error {
	m.mu.RLock()
	h, ok := m.agents[agentID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	line, err := msg.MarshalLine()
	if err != nil {
		return err
	}

	m.node.Emit(bus.TopicMessageSend, bus.MessageEvent{AgentID: agentID, Input: &msg})

	h.writeMu.Lock()
	_, err = h.proc.Stdin().Write(line)
	h.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("writing to agent %s: %w", agentID, err)
	}

	m.messagesSent.Add(1)
	m.logger.Debug("message sent to agent",
		"agent_id", agentID,
		"correlation_id", msg.CorrelationID,
	)
	return nil
}

// Broadcast sends msg to every live agent concurrently and returns once every
// send was attempted. Failures are logged and announced as agent:error.
func (m *Multiplexer) Broadcast(msg protocol.Input) {
	ids := m.ids()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Send(id, msg); err != nil {
				m.logger.Warn("broadcast send failed", "agent_id", id, "error", err)
				m.node.Emit(bus.TopicAgentError, bus.AgentEvent{AgentID: id, Op: "broadcast", Err: err.Error()})
			}
		}()
	}
	wg.Wait()
}

// Kill terminates an agent. Unknown or already-exited IDs are a no-op.
// The agent's slot is released immediately; agent:exit follows once the
// process is gone.
func (m *Multiplexer) Kill(agentID string) error {
	m.mu.Lock()
	h, ok := m.agents[agentID]
	if ok {
		delete(m.agents, agentID)
	}
	total := len(m.agents)
	m.mu.Unlock()

	if !ok {
		return nil
	}

	m.logger.Info("killing agent", "agent_id", agentID, "total_agents", total)
	if err := h.proc.Kill(); err != nil {
		return fmt.Errorf("killing agent %s: %w", agentID, err)
	}
	return nil
}

// KillAll terminates every live agent.
func (m *Multiplexer) KillAll() error {
	var errs error
	for _, id := range m.ids() {
		errs = errors.Join(errs, m.Kill(id))
	}
	return errs
}

// Shutdown kills every agent and waits for their exit events or ctx.
func (m *Multiplexer) Shutdown(ctx context.Context) error {
	killErr := m.KillAll()

	done := make(chan struct{})
	go func() {
		m.exits.Wait()
		close(done)
	}()

	select {
	case <-done:
		return killErr
	case <-ctx.Done():
		return errors.Join(killErr, fmt.Errorf("waiting for agents to exit: %w", ctx.Err()))
	}
}

// Get returns a snapshot of the agent with the given ID.
func (m *Multiplexer) Get(agentID string) (AgentInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	h, ok := m.agents[agentID]
	if !ok {
		return AgentInfo{}, false
	}
	return h.info, true
}

// IsRunning reports whether agentID is live.
func (m *Multiplexer) IsRunning(agentID string) bool {
	_, ok := m.Get(agentID)
	return ok
}

// List returns snapshots of all live agents ordered by spawn time.
func (m *Multiplexer) List() []AgentInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]AgentInfo, 0, len(m.agents))
	for _, h := range m.agents {
		out = append(out, h.info)
	}
	slices.SortFunc(out, func(a, b AgentInfo) int {
		if c := a.SpawnedAt.Compare(b.SpawnedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}

// Count returns the number of live agents.
func (m *Multiplexer) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// MaxAgents returns the admission limit.
func (m *Multiplexer) MaxAgents() int {
	return m.cfg.MaxAgents
}

// Stats returns cumulative counters.
func (m *Multiplexer) Stats() Stats {
	return Stats{
		Live:             m.Count(),
		MaxAgents:        m.cfg.MaxAgents,
		Spawned:          m.spawned.Load(),
		Exited:           m.exited.Load(),
		MessagesSent:     m.messagesSent.Load(),
		MessagesReceived: m.messagesReceived.Load(),
		RawLines:         m.rawLines.Load(),
	}
}

func (m *Multiplexer) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}
