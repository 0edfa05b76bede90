// ABOUTME: HumanGateCoordinator: decides whether an agent action proceeds, waits for a human, or is queued for review
// ABOUTME: Owns the pending human request table; every resolution fires once and is recorded to the audit store

package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-mux/internal/bus"
	"github.com/2389/coven-mux/internal/store"
)

// ErrInvalidRequest is returned for decisions or requests missing required fields.
var ErrInvalidRequest = errors.New("invalid human request")

const (
	// DefaultConfidenceThreshold is the score below which actions are reviewed.
	DefaultConfidenceThreshold = 0.8
	// DefaultApprovalTimeout bounds blocking human requests.
	DefaultApprovalTimeout = 30 * time.Second
)

// Resolution reasons set by the coordinator itself.
const (
	ReasonApproved  = "approved"
	ReasonRejected  = "rejected"
	ReasonTimeout   = "timeout"
	ReasonCancelled = "cancelled"
	ReasonShutdown  = "shutdown"
)

// RequestType classifies a human request.
type RequestType string

const (
	TypeApproval RequestType = "approval"
	TypeDecision RequestType = "decision"
	TypeInput    RequestType = "input"
	TypeReview   RequestType = "review"
)

// Priority orders pending requests for the human.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// Outcome is the terminal state of an evaluated decision.
type Outcome string

const (
	OutcomeAutoApproved  Outcome = "auto_approved"
	OutcomeApproved      Outcome = "approved"
	OutcomeRejected      Outcome = "rejected"
	OutcomeTimedOut      Outcome = "timed_out"
	OutcomePendingReview Outcome = "pending_review"
)

// Decision is an action an agent proposes to take. Confidence is supplied
// by whatever produced the decision; nil means unscored and skips review.
type Decision struct {
	AgentID     string   `json:"agentId"`
	Action      string   `json:"action"`
	Description string   `json:"description,omitempty"`
	Confidence  *float64 `json:"confidence,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
	Context     any      `json:"context,omitempty"`
}

// Result is the outcome of Evaluate. Approved is true when the action may
// proceed, which includes PendingReview.
type Result struct {
	RequestID string  `json:"requestId,omitempty"`
	Outcome   Outcome `json:"outcome"`
	Approved  bool    `json:"approved"`
	Reason    string  `json:"reason,omitempty"`
	Response  string  `json:"response,omitempty"`
}

// Request is an open question for the human.
type Request struct {
	ID        string      `json:"id"`
	Type      RequestType `json:"type"`
	Priority  Priority    `json:"priority"`
	From      string      `json:"from"`
	Action    string      `json:"action,omitempty"`
	Message   string      `json:"message,omitempty"`
	Context   any         `json:"context,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
	Deadline  *time.Time  `json:"deadline,omitempty"`
}

// Response is the human's answer to a Request.
type Response struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Options configures a Coordinator.
type Options struct {
	ConfidenceThreshold float64
	ApprovalTimeout     time.Duration
	DefaultAutonomy     Autonomy
	Roles               map[string]Policy
	Now                 func() time.Time
}

type pendingRequest struct {
	req  Request
	done chan Response
}

// Coordinator is the human-in-the-loop gate.
type Coordinator struct {
	node   bus.Node
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
	expiry time.Duration

	mu              sync.RWMutex
	threshold       float64
	defaultAutonomy Autonomy
	policies        map[string]compiledPolicy
	roles           map[string]Policy

	pmu     sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

// NewCoordinator creates a gate that emits human:* events on node and
// records outcomes to st. st may be nil.
func NewCoordinator(node bus.Node, st store.Store, logger *slog.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = DefaultApprovalTimeout
	}
	if opts.DefaultAutonomy == "" {
		opts.DefaultAutonomy = AutonomySupervised
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	roles := make(map[string]Policy, len(opts.Roles))
	for name, p := range opts.Roles {
		roles[name] = clonePolicy(p)
	}

	return &Coordinator{
		node:            node,
		store:           st,
		logger:          logger.With("component", "gate"),
		now:             opts.Now,
		expiry:          opts.ApprovalTimeout,
		threshold:       opts.ConfidenceThreshold,
		defaultAutonomy: opts.DefaultAutonomy,
		policies:        make(map[string]compiledPolicy),
		roles:           roles,
		pending:         make(map[string]*pendingRequest),
	}
}

// Evaluate runs a decision through the agent's policy. Approval-required
// actions block until a human answers or the approval timeout fires; a
// timeout is a rejection with reason "timeout". Low-confidence actions are
// queued for review and proceed immediately.
func (c *Coordinator) Evaluate(ctx context.Context, d Decision) (Result, error) {
	if d.AgentID == "" || d.Action == "" {
		return Result{}, fmt.Errorf("%w: decision needs agent id and action", ErrInvalidRequest)
	}

	pol := c.Policy(d.AgentID)
	threshold := c.Threshold()

	switch {
	case pol.Autonomy == AutonomyManual || pol.RequiresApproval(d.Action):
		req, resp, err := c.await(ctx, Request{
			Type:     TypeApproval,
			Priority: priorityOr(d.Priority, PriorityHigh),
			From:     d.AgentID,
			Action:   d.Action,
			Message:  d.Description,
			Context:  d.Context,
		}, c.expiry)
		res := Result{
			RequestID: req.ID,
			Approved:  resp.Approved,
			Reason:    resp.Reason,
			Response:  resp.Text,
		}
		switch {
		case resp.Approved:
			res.Outcome = OutcomeApproved
		case resp.Reason == ReasonTimeout:
			res.Outcome = OutcomeTimedOut
		default:
			res.Outcome = OutcomeRejected
		}
		return res, err

	case d.Confidence != nil && *d.Confidence < threshold && pol.Autonomy != AutonomyFull:
		p := c.open(Request{
			Type:     TypeReview,
			Priority: priorityOr(d.Priority, PriorityLow),
			From:     d.AgentID,
			Action:   d.Action,
			Message:  d.Description,
			Context:  d.Context,
		}, 0)
		c.logActivity(ctx, &store.Activity{
			AgentID:    d.AgentID,
			Kind:       store.ActivityReview,
			Action:     d.Action,
			Confidence: d.Confidence,
			Detail:     map[string]any{"request_id": p.req.ID, "threshold": threshold},
		})
		return Result{RequestID: p.req.ID, Outcome: OutcomePendingReview, Approved: true}, nil

	default:
		c.logActivity(ctx, &store.Activity{
			AgentID:    d.AgentID,
			Kind:       store.ActivityAutoApproved,
			Action:     d.Action,
			Confidence: d.Confidence,
		})
		return Result{Outcome: OutcomeAutoApproved, Approved: true}, nil
	}
}

// RequestInput asks the human a question on behalf of from and blocks until
// answered or timed out. A timeout returns Response{Reason: "timeout"}.
func (c *Coordinator) RequestInput(ctx context.Context, from string, typ RequestType, question string, priority Priority) (Response, error) {
	if from == "" || question == "" {
		return Response{}, fmt.Errorf("%w: request needs a sender and a question", ErrInvalidRequest)
	}
	switch typ {
	case TypeApproval, TypeDecision, TypeInput:
	case "":
		typ = TypeInput
	default:
		return Response{}, fmt.Errorf("%w: type %q cannot block", ErrInvalidRequest, typ)
	}

	_, resp, err := c.await(ctx, Request{
		Type:     typ,
		Priority: priorityOr(priority, PriorityMedium),
		From:     from,
		Message:  question,
	}, c.expiry)
	return resp, err
}

// Inspect checks agent output against the agent's notify patterns and
// raises human:attention for each hit. It returns the matched keywords.
func (c *Coordinator) Inspect(agentID, text string) []string {
	c.mu.RLock()
	cp, ok := c.policies[agentID]
	c.mu.RUnlock()
	if !ok || text == "" {
		return nil
	}

	hits := cp.matches(text)
	now := c.now()
	for _, kw := range hits {
		c.node.Emit(bus.TopicHumanAttention, bus.HumanEvent{
			From:      agentID,
			Keyword:   kw,
			Message:   text,
			CreatedAt: now,
		})
		c.logActivity(context.Background(), &store.Activity{
			AgentID:   agentID,
			Kind:      store.ActivityAttention,
			Action:    kw,
			Timestamp: now,
			Detail:    map[string]any{"text": text},
		})
	}
	return hits
}

// RespondToRequest resolves an open request. It returns false for unknown
// or already-resolved ids.
func (c *Coordinator) RespondToRequest(id string, resp Response) bool {
	if resp.Reason == "" {
		if resp.Approved {
			resp.Reason = ReasonApproved
		} else {
			resp.Reason = ReasonRejected
		}
	}
	return c.resolve(id, resp)
}

// GetPendingRequests returns open requests, high priority first, then oldest first.
func (c *Coordinator) GetPendingRequests() []Request {
	c.pmu.Lock()
	out := make([]Request, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, p.req)
	}
	c.pmu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority.rank() != b.Priority.rank() {
			return a.Priority.rank() < b.Priority.rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return out
}

// PendingCount returns the number of open requests.
func (c *Coordinator) PendingCount() int {
	c.pmu.Lock()
	defer c.pmu.Unlock()
	return len(c.pending)
}

// Close rejects every open request with reason "shutdown". Later requests
// are rejected immediately.
func (c *Coordinator) Close() {
	c.pmu.Lock()
	c.closed = true
	ids := slices.Collect(maps.Keys(c.pending))
	c.pmu.Unlock()

	for _, id := range ids {
		c.resolve(id, Response{Reason: ReasonShutdown})
	}
}

// SetPolicy installs p for p.AgentID, replacing any previous policy.
func (c *Coordinator) SetPolicy(p Policy) error {
	if p.AgentID == "" {
		return fmt.Errorf("%w: policy needs an agent id", ErrInvalidRequest)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	a, err := ParseAutonomy(string(p.Autonomy), c.defaultAutonomy)
	if err != nil {
		return err
	}
	p.Autonomy = a
	c.policies[p.AgentID] = compile(clonePolicy(p))
	return nil
}

// Policy returns the policy for agentID, or the default policy.
func (c *Coordinator) Policy(agentID string) Policy {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if cp, ok := c.policies[agentID]; ok {
		return clonePolicy(cp.Policy)
	}
	return Policy{AgentID: agentID, Autonomy: c.defaultAutonomy}
}

// Policies returns every installed policy sorted by agent id.
func (c *Coordinator) Policies() []Policy {
	c.mu.RLock()
	out := make([]Policy, 0, len(c.policies))
	for _, cp := range c.policies {
		out = append(out, clonePolicy(cp.Policy))
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// RemovePolicy drops the policy for agentID.
func (c *Coordinator) RemovePolicy(agentID string) {
	c.mu.Lock()
	delete(c.policies, agentID)
	c.mu.Unlock()
}

// SetRole installs or replaces a role template.
func (c *Coordinator) SetRole(role string, p Policy) {
	c.mu.Lock()
	c.roles[role] = clonePolicy(p)
	c.mu.Unlock()
}

// ApplyRole gives agentID a copy of the role template. It reports whether
// the role exists.
func (c *Coordinator) ApplyRole(agentID, role string) (bool, error) {
	c.mu.RLock()
	tmpl, ok := c.roles[role]
	c.mu.RUnlock()
	if !ok {
		return false, nil
	}
	tmpl.AgentID = agentID
	return true, c.SetPolicy(tmpl)
}

// Threshold returns the current confidence threshold.
func (c *Coordinator) Threshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threshold
}

// SetThreshold changes the confidence threshold. Values outside (0, 1] are ignored.
func (c *Coordinator) SetThreshold(v float64) {
	if v <= 0 || v > 1 {
		return
	}
	c.mu.Lock()
	c.threshold = v
	c.mu.Unlock()
}

// open registers a request and announces it. timeout > 0 sets a deadline.
func (c *Coordinator) open(req Request, timeout time.Duration) *pendingRequest {
	req.ID = uuid.New().String()
	req.CreatedAt = c.now()
	if timeout > 0 {
		deadline := req.CreatedAt.Add(timeout)
		req.Deadline = &deadline
	}
	p := &pendingRequest{req: req, done: make(chan Response, 1)}

	c.pmu.Lock()
	closed := c.closed
	if !closed {
		c.pending[req.ID] = p
	}
	c.pmu.Unlock()

	if closed {
		p.done <- Response{Reason: ReasonShutdown}
		return p
	}

	c.node.Emit(bus.TopicHumanRequest, bus.HumanEvent{
		RequestID: req.ID,
		Type:      string(req.Type),
		Priority:  string(req.Priority),
		From:      req.From,
		Message:   req.Message,
		Context:   req.Context,
		CreatedAt: req.CreatedAt,
		Deadline:  req.Deadline,
	})
	c.logger.Info("human request opened",
		"request_id", req.ID,
		"type", req.Type,
		"priority", req.Priority,
		"from", req.From,
	)
	return p
}

// await opens a request and blocks until it resolves. Whoever removes the
// entry from the pending table delivers the single resolution.
func (c *Coordinator) await(ctx context.Context, req Request, timeout time.Duration) (Request, Response, error) {
	p := c.open(req, timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-p.done:
		return p.req, resp, nil
	case <-timer.C:
		if c.resolve(p.req.ID, Response{Reason: ReasonTimeout}) {
			c.logger.Warn("human request timed out", "request_id", p.req.ID, "from", p.req.From)
		}
		return p.req, <-p.done, nil
	case <-ctx.Done():
		c.resolve(p.req.ID, Response{Reason: ReasonCancelled})
		return p.req, <-p.done, ctx.Err()
	}
}

// resolve removes id from the pending table and delivers resp. Only the
// caller that removed the entry records and announces the outcome.
func (c *Coordinator) resolve(id string, resp Response) bool {
	c.pmu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.pmu.Unlock()
	if !ok {
		return false
	}

	resolvedAt := c.now()
	if c.store != nil {
		err := c.store.RecordDecision(context.Background(), &store.Decision{
			RequestID:  p.req.ID,
			AgentID:    p.req.From,
			Type:       string(p.req.Type),
			Priority:   string(p.req.Priority),
			Action:     p.req.Action,
			Message:    p.req.Message,
			Approved:   resp.Approved,
			Reason:     resp.Reason,
			Response:   resp.Text,
			CreatedAt:  p.req.CreatedAt,
			ResolvedAt: resolvedAt,
		})
		if err != nil {
			c.logger.Error("failed to record decision", "request_id", id, "error", err)
		}
	}

	c.node.Emit(bus.TopicHumanResolved, bus.HumanEvent{
		RequestID: p.req.ID,
		Type:      string(p.req.Type),
		Priority:  string(p.req.Priority),
		From:      p.req.From,
		Message:   resp.Text,
		CreatedAt: resolvedAt,
		Approved:  resp.Approved,
		Reason:    resp.Reason,
	})
	c.logger.Info("human request resolved",
		"request_id", id,
		"approved", resp.Approved,
		"reason", resp.Reason,
	)

	p.done <- resp
	return true
}

func (c *Coordinator) logActivity(ctx context.Context, a *store.Activity) {
	if c.store == nil {
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = c.now()
	}
	if err := c.store.LogActivity(ctx, a); err != nil {
		c.logger.Error("failed to log activity", "agent_id", a.AgentID, "kind", a.Kind, "error", err)
	}
}

func priorityOr(p, def Priority) Priority {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return p
	default:
		return def
	}
}
