// ABOUTME: Tests for the human gate: policy outcomes, blocking approval, timeout rejection and pending order
// ABOUTME: Uses an in-process hub with a recorder and the in-memory audit store

package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mux/internal/bus"
	"github.com/2389/coven-mux/internal/store"
)

type gateFixture struct {
	gate  *Coordinator
	rec   *bus.Recorder
	store *store.MockStore
}

func newGateFixture(t *testing.T, opts Options) *gateFixture {
	t.Helper()
	hub := bus.NewHub(nil)
	node, err := hub.CreateNode("gate")
	require.NoError(t, err)
	rec, err := bus.NewRecorder(hub, "recorder")
	require.NoError(t, err)

	st := store.NewMockStore()
	g := NewCoordinator(node, st, nil, opts)
	t.Cleanup(g.Close)
	return &gateFixture{gate: g, rec: rec, store: st}
}

func conf(v float64) *float64 { return &v }

// waitRequest returns the id of the nth human:request event.
func (f *gateFixture) waitRequest(t *testing.T, n int) string {
	t.Helper()
	events := f.rec.WaitFor(bus.TopicHumanRequest, n, time.Second)
	require.Len(t, events, n)
	return events[n-1].Payload.(bus.HumanEvent).RequestID
}

func TestEvaluate_AutoApproved(t *testing.T) {
	f := newGateFixture(t, Options{})

	res, err := f.gate.Evaluate(t.Context(), Decision{AgentID: "coder", Action: "edit_file", Confidence: conf(0.95)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoApproved, res.Outcome)
	assert.True(t, res.Approved)
	assert.Empty(t, res.RequestID)
	assert.Zero(t, f.rec.Count(bus.TopicHumanRequest))

	acts, err := f.store.ListActivity(t.Context(), store.ActivityFilter{})
	require.NoError(t, err)
	require.Len(t, acts, 1)
	assert.Equal(t, store.ActivityAutoApproved, acts[0].Kind)
	assert.Equal(t, "edit_file", acts[0].Action)
}

func TestEvaluate_UnscoredSkipsReview(t *testing.T) {
	f := newGateFixture(t, Options{})

	res, err := f.gate.Evaluate(t.Context(), Decision{AgentID: "coder", Action: "read_file"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoApproved, res.Outcome)
}

func TestEvaluate_LowConfidenceReviewDoesNotBlock(t *testing.T) {
	f := newGateFixture(t, Options{ApprovalTimeout: 20 * time.Millisecond})

	res, err := f.gate.Evaluate(t.Context(), Decision{AgentID: "coder", Action: "refactor", Confidence: conf(0.5)})
	require.NoError(t, err)

	assert.Equal(t, OutcomePendingReview, res.Outcome)
	assert.True(t, res.Approved, "review lets the action proceed")
	require.NotEmpty(t, res.RequestID)

	pending := f.gate.GetPendingRequests()
	require.Len(t, pending, 1)
	assert.Equal(t, TypeReview, pending[0].Type)
	assert.Equal(t, PriorityLow, pending[0].Priority)
	assert.Nil(t, pending[0].Deadline)

	// Reviews do not expire on the approval timeout.
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, f.gate.PendingCount())

	assert.True(t, f.gate.RespondToRequest(res.RequestID, Response{Approved: true}))
	assert.Zero(t, f.gate.PendingCount())
}

func TestEvaluate_ApprovalApproved(t *testing.T) {
	f := newGateFixture(t, Options{
		Roles: map[string]Policy{"ops": {RequiresApprovalFor: []string{"deploy"}}},
	})
	ok, err := f.gate.ApplyRole("deployer", "ops")
	require.NoError(t, err)
	require.True(t, ok)

	done := make(chan Result, 1)
	go func() {
		res, err := f.gate.Evaluate(context.Background(), Decision{
			AgentID: "deployer", Action: "deploy", Description: "ship v2", Confidence: conf(0.99),
		})
		assert.NoError(t, err)
		done <- res
	}()

	id := f.waitRequest(t, 1)
	ev := f.rec.Events(bus.TopicHumanRequest)[0].Payload.(bus.HumanEvent)
	assert.Equal(t, "approval", ev.Type)
	assert.Equal(t, "high", ev.Priority)
	assert.Equal(t, "deployer", ev.From)
	require.NotNil(t, ev.Deadline)

	require.True(t, f.gate.RespondToRequest(id, Response{Approved: true, Text: "go ahead"}))

	select {
	case res := <-done:
		assert.Equal(t, OutcomeApproved, res.Outcome)
		assert.True(t, res.Approved)
		assert.Equal(t, ReasonApproved, res.Reason)
		assert.Equal(t, "go ahead", res.Response)
		assert.Equal(t, id, res.RequestID)
	case <-time.After(time.Second):
		t.Fatal("Evaluate did not return after the response")
	}

	d, err := f.store.GetDecision(t.Context(), id)
	require.NoError(t, err)
	assert.True(t, d.Approved)
	assert.Equal(t, "deploy", d.Action)
	assert.Equal(t, 1, f.rec.Count(bus.TopicHumanResolved))
}

func TestEvaluate_ApprovalRejected(t *testing.T) {
	f := newGateFixture(t, Options{})
	require.NoError(t, f.gate.SetPolicy(Policy{AgentID: "a", RequiresApprovalFor: []string{"rm"}}))

	done := make(chan Result, 1)
	go func() {
		res, _ := f.gate.Evaluate(context.Background(), Decision{AgentID: "a", Action: "rm"})
		done <- res
	}()

	id := f.waitRequest(t, 1)
	f.gate.RespondToRequest(id, Response{Approved: false})

	res := <-done
	assert.Equal(t, OutcomeRejected, res.Outcome)
	assert.False(t, res.Approved)
	assert.Equal(t, ReasonRejected, res.Reason)
}

func TestEvaluate_ApprovalTimeoutRejects(t *testing.T) {
	f := newGateFixture(t, Options{ApprovalTimeout: 30 * time.Millisecond})
	require.NoError(t, f.gate.SetPolicy(Policy{AgentID: "a", RequiresApprovalFor: []string{"deploy"}}))

	res, err := f.gate.Evaluate(t.Context(), Decision{AgentID: "a", Action: "deploy"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
	assert.False(t, res.Approved)
	assert.Equal(t, "timeout", res.Reason)
	assert.Zero(t, f.gate.PendingCount())

	// A late answer is a no-op.
	assert.False(t, f.gate.RespondToRequest(res.RequestID, Response{Approved: true}))
	assert.Equal(t, 1, f.rec.Count(bus.TopicHumanResolved))

	d, err := f.store.GetDecision(t.Context(), res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "timeout", d.Reason)
	assert.False(t, d.Approved)
}

func TestEvaluate_ManualGatesEverything(t *testing.T) {
	f := newGateFixture(t, Options{ApprovalTimeout: 20 * time.Millisecond})
	require.NoError(t, f.gate.SetPolicy(Policy{AgentID: "a", Autonomy: AutonomyManual}))

	res, err := f.gate.Evaluate(t.Context(), Decision{AgentID: "a", Action: "anything", Confidence: conf(1)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, res.Outcome)
}

func TestEvaluate_FullAutonomySkipsReview(t *testing.T) {
	f := newGateFixture(t, Options{ApprovalTimeout: 20 * time.Millisecond})
	require.NoError(t, f.gate.SetPolicy(Policy{
		AgentID: "a", Autonomy: AutonomyFull, RequiresApprovalFor: []string{"deploy"},
	}))

	res, err := f.gate.Evaluate(t.Context(), Decision{AgentID: "a", Action: "guess", Confidence: conf(0.1)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeAutoApproved, res.Outcome)

	res, err = f.gate.Evaluate(t.Context(), Decision{AgentID: "a", Action: "deploy", Confidence: conf(0.1)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, res.Outcome, "explicit approval list still applies")
}

func TestEvaluate_ContextCancel(t *testing.T) {
	f := newGateFixture(t, Options{})
	require.NoError(t, f.gate.SetPolicy(Policy{AgentID: "a", Autonomy: AutonomyManual}))

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		f.rec.WaitFor(bus.TopicHumanRequest, 1, time.Second)
		cancel()
	}()

	res, err := f.gate.Evaluate(ctx, Decision{AgentID: "a", Action: "x"})
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, res.Approved)
	assert.Equal(t, ReasonCancelled, res.Reason)
	assert.Zero(t, f.gate.PendingCount())
}

func TestEvaluate_InvalidDecision(t *testing.T) {
	f := newGateFixture(t, Options{})
	_, err := f.gate.Evaluate(t.Context(), Decision{Action: "x"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRespondToRequest_ResolvesOnce(t *testing.T) {
	f := newGateFixture(t, Options{})

	done := make(chan Response, 1)
	go func() {
		resp, _ := f.gate.RequestInput(context.Background(), "coder", TypeInput, "which database?", PriorityMedium)
		done <- resp
	}()
	id := f.waitRequest(t, 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.gate.RespondToRequest(id, Response{Approved: true, Text: string(rune('a' + i))}) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	resp := <-done
	assert.True(t, resp.Approved)
	assert.Len(t, resp.Text, 1)
	assert.Equal(t, 1, f.rec.Count(bus.TopicHumanResolved))
}

func TestRespondToRequest_UnknownIsNoop(t *testing.T) {
	f := newGateFixture(t, Options{})
	assert.False(t, f.gate.RespondToRequest("nope", Response{Approved: true}))
	assert.Zero(t, f.rec.Count(bus.TopicHumanResolved))
}

func TestRequestInput_Validation(t *testing.T) {
	f := newGateFixture(t, Options{})
	_, err := f.gate.RequestInput(t.Context(), "", TypeInput, "q", PriorityLow)
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.gate.RequestInput(t.Context(), "a", TypeReview, "q", PriorityLow)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGetPendingRequests_Order(t *testing.T) {
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	tick := 0
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	f := newGateFixture(t, Options{Now: clock})

	// Reviews are non-blocking, so they make a convenient way to open requests.
	for _, p := range []Priority{PriorityLow, PriorityHigh, PriorityMedium, PriorityHigh, PriorityLow} {
		_, err := f.gate.Evaluate(t.Context(), Decision{
			AgentID: "a", Action: string(p), Confidence: conf(0.1), Priority: p,
		})
		require.NoError(t, err)
	}

	pending := f.gate.GetPendingRequests()
	require.Len(t, pending, 5)

	want := []Priority{PriorityHigh, PriorityHigh, PriorityMedium, PriorityLow, PriorityLow}
	for i, p := range pending {
		assert.Equal(t, want[i], p.Priority, "position %d", i)
	}
	assert.True(t, pending[0].CreatedAt.Before(pending[1].CreatedAt))
	assert.True(t, pending[3].CreatedAt.Before(pending[4].CreatedAt))
}

func TestInspect_NotifyPatterns(t *testing.T) {
	f := newGateFixture(t, Options{})
	require.NoError(t, f.gate.SetPolicy(Policy{AgentID: "a", NotifyFor: []string{"panic", "rate limit", "[unclosed"}}))

	hits := f.gate.Inspect("a", "goroutine PANIC: rate limit hit [unclosed")
	assert.Equal(t, []string{"panic", "rate limit", "[unclosed"}, hits)
	assert.Equal(t, 3, f.rec.Count(bus.TopicHumanAttention))

	ev := f.rec.Events(bus.TopicHumanAttention)[0].Payload.(bus.HumanEvent)
	assert.Equal(t, "a", ev.From)
	assert.Equal(t, "panic", ev.Keyword)

	assert.Empty(t, f.gate.Inspect("a", "all good"))
	assert.Empty(t, f.gate.Inspect("unknown", "panic"))

	kind := store.ActivityAttention
	acts, err := f.store.ListActivity(t.Context(), store.ActivityFilter{Kind: &kind})
	require.NoError(t, err)
	assert.Len(t, acts, 3)
}

func TestPolicy_LastWriterWins(t *testing.T) {
	f := newGateFixture(t, Options{DefaultAutonomy: AutonomyFull})

	assert.Equal(t, AutonomyFull, f.gate.Policy("a").Autonomy, "default policy")

	require.NoError(t, f.gate.SetPolicy(Policy{AgentID: "a", Autonomy: AutonomyManual}))
	require.NoError(t, f.gate.SetPolicy(Policy{AgentID: "a", Autonomy: AutonomySupervised, RequiresApprovalFor: []string{"x"}}))

	p := f.gate.Policy("a")
	assert.Equal(t, AutonomySupervised, p.Autonomy)
	assert.Equal(t, []string{"x"}, p.RequiresApprovalFor)

	require.Error(t, f.gate.SetPolicy(Policy{AgentID: "a", Autonomy: "reckless"}))
	require.Error(t, f.gate.SetPolicy(Policy{Autonomy: AutonomyFull}))

	f.gate.RemovePolicy("a")
	assert.Equal(t, AutonomyFull, f.gate.Policy("a").Autonomy)
}

func TestApplyRole_Unknown(t *testing.T) {
	f := newGateFixture(t, Options{})
	ok, err := f.gate.ApplyRole("a", "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, f.gate.Policies())
}

func TestClose_RejectsPending(t *testing.T) {
	f := newGateFixture(t, Options{})
	require.NoError(t, f.gate.SetPolicy(Policy{AgentID: "a", Autonomy: AutonomyManual}))

	done := make(chan Result, 1)
	go func() {
		res, _ := f.gate.Evaluate(context.Background(), Decision{AgentID: "a", Action: "x"})
		done <- res
	}()
	f.waitRequest(t, 1)

	f.gate.Close()
	res := <-done
	assert.False(t, res.Approved)
	assert.Equal(t, ReasonShutdown, res.Reason)

	res, err := f.gate.Evaluate(t.Context(), Decision{AgentID: "a", Action: "y"})
	require.NoError(t, err)
	assert.Equal(t, ReasonShutdown, res.Reason)
}
