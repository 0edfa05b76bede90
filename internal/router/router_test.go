// ABOUTME: Tests for the router: priority order, matching, FIFO drain, failure isolation, request/reply.
// ABOUTME: Runs routers on an in-process hub and records route:* events.

package router

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mux/internal/bus"
)

const waitTimeout = 2 * time.Second

func newTestRouter(t *testing.T, hub *bus.Hub, id string) *Router {
	t.Helper()
	node, err := hub.CreateNode(id)
	require.NoError(t, err)
	r := New(node, nil, Options{RequestTimeout: time.Second})
	t.Cleanup(r.Close)
	return r
}

func runRouter(t *testing.T, r *Router) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func noop(string) Handler {
	return HandlerFunc(func(context.Context, Message) (any, error) { return nil, nil })
}

func TestRouter_AddRouteStablePriorityOrder(t *testing.T) {
	hub := bus.NewHub(nil)
	rec, err := bus.NewRecorder(hub, "rec")
	require.NoError(t, err)
	r := newTestRouter(t, hub, "router")

	for _, rt := range []struct {
		pattern  string
		priority int
	}{
		{"a", 1}, {"b", 5}, {"c", 1}, {"d", 5},
	} {
		require.NoError(t, r.AddRoute("task", Route{Pattern: rt.pattern, Handler: noop(rt.pattern), Priority: rt.priority}))
	}

	var got []string
	for _, rt := range r.Routes("task") {
		got = append(got, rt.Pattern)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, got)
	assert.Equal(t, 4, rec.Count(bus.TopicRouteAdded))
}

func TestRouter_AddRouteRequiresHandler(t *testing.T) {
	r := newTestRouter(t, bus.NewHub(nil), "router")
	require.Error(t, r.AddRoute("x", Route{}))
}

func TestRouter_Matching(t *testing.T) {
	r := newTestRouter(t, bus.NewHub(nil), "router")

	var mu sync.Mutex
	var hits []string
	record := func(name string) Handler {
		return HandlerFunc(func(context.Context, Message) (any, error) {
			mu.Lock()
			hits = append(hits, name)
			mu.Unlock()
			return nil, nil
		})
	}

	require.NoError(t, r.AddRoute("code-review", Route{Handler: record("by-topic")}))
	require.NoError(t, r.AddRoute("decisions", Route{Pattern: "decision", Handler: record("by-type")}))
	require.NoError(t, r.AddRoute("urgent", Route{Match: regexp.MustCompile(`"urgent":true`), Handler: record("by-regexp")}))

	assert.Equal(t, 1, r.Dispatch(t.Context(), Message{Topic: "code-review"}))
	assert.Equal(t, 1, r.Dispatch(t.Context(), Message{Topic: "other", Type: "decision"}))
	assert.Equal(t, 2, r.Dispatch(t.Context(), Message{Topic: "code-review", Payload: map[string]any{"urgent": true}}))
	assert.Equal(t, 0, r.Dispatch(t.Context(), Message{Topic: "nobody"}))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"by-topic", "by-type", "by-topic", "by-regexp"}, hits)
}

func TestRouter_FailuresAreIsolated(t *testing.T) {
	hub := bus.NewHub(nil)
	rec, err := bus.NewRecorder(hub, "rec")
	require.NoError(t, err)
	r := newTestRouter(t, hub, "router")

	boom := errors.New("boom")
	require.NoError(t, r.AddRoute("job", Route{Handler: HandlerFunc(func(context.Context, Message) (any, error) {
		return nil, boom
	})}))
	require.NoError(t, r.AddRoute("job", Route{Handler: HandlerFunc(func(context.Context, Message) (any, error) {
		panic("handler exploded")
	})}))
	require.NoError(t, r.AddRoute("job", Route{Handler: HandlerFunc(func(_ context.Context, msg Message) (any, error) {
		return "done:" + msg.AgentID, nil
	})}))

	runRouter(t, r)
	require.NoError(t, r.Route(Message{Topic: "job", AgentID: "a1"}))
	require.NoError(t, r.Route(Message{Topic: "job", AgentID: "a2"}))

	results := rec.WaitFor(bus.TopicRouteResult, 2, waitTimeout)
	require.Len(t, results, 2, "the queue keeps draining after failures")
	assert.Equal(t, "done:a1", results[0].Payload.(bus.RouteEvent).Result)
	assert.Equal(t, "done:a2", results[1].Payload.(bus.RouteEvent).Result)

	errs := rec.WaitFor(bus.TopicRouteError, 4, waitTimeout)
	require.Len(t, errs, 4)
	for _, ev := range errs {
		re := ev.Payload.(bus.RouteEvent)
		assert.Equal(t, "job", re.Topic)
		assert.NotEmpty(t, re.Error)
	}

	processed, failed := r.Stats()
	assert.Equal(t, int64(2), processed)
	assert.Equal(t, int64(4), failed)
}

func TestRouter_HandlerErrorUnwraps(t *testing.T) {
	boom := errors.New("boom")
	err := error(&HandlerError{Topic: "t", Pattern: "p", Err: boom})
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "route t (p)")
}

func TestRouter_DrainsInArrivalOrder(t *testing.T) {
	r := newTestRouter(t, bus.NewHub(nil), "router")

	var mu sync.Mutex
	var order []string
	done := make(chan struct{})
	require.NoError(t, r.AddRoute("seq", Route{Handler: HandlerFunc(func(_ context.Context, msg Message) (any, error) {
		mu.Lock()
		order = append(order, msg.AgentID)
		n := len(order)
		mu.Unlock()
		if n == 5 {
			close(done)
		}
		return nil, nil
	})}))

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, r.Route(Message{Topic: "seq", AgentID: id}))
	}
	assert.Equal(t, 5, r.QueueLen())

	runRouter(t, r)
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("queue not drained")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, order)
}

func TestRouter_InboundRouteMessage(t *testing.T) {
	hub := bus.NewHub(nil)
	r := newTestRouter(t, hub, "router")
	other, err := hub.CreateNode("other")
	require.NoError(t, err)

	got := make(chan Message, 1)
	require.NoError(t, r.AddRoute("ping", Route{Handler: HandlerFunc(func(_ context.Context, msg Message) (any, error) {
		got <- msg
		return nil, nil
	})}))
	runRouter(t, r)

	other.Emit(bus.TopicRouteMessage, Message{Topic: "ping", AgentID: "remote"})

	select {
	case msg := <-got:
		assert.Equal(t, "remote", msg.AgentID)
	case <-time.After(waitTimeout):
		t.Fatal("inbound message never dispatched")
	}
}

func TestRouter_RequestRoundTrip(t *testing.T) {
	hub := bus.NewHub(nil)
	rec, err := bus.NewRecorder(hub, "rec")
	require.NoError(t, err)
	requester := newTestRouter(t, hub, "requester")
	responder := newTestRouter(t, hub, "responder")

	responder.OnRequest(t.Context(), "sum", func(_ context.Context, payload any) (any, error) {
		nums := payload.([]int)
		total := 0
		for _, n := range nums {
			total += n
		}
		return total, nil
	})

	res, err := requester.Request(t.Context(), "sum", []int{1, 2, 3}, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, res)
	assert.Equal(t, 1, rec.Count(bus.TopicRouteRequest))
	assert.Zero(t, requester.PendingRequests())
}

func TestRouter_RequestRemoteError(t *testing.T) {
	hub := bus.NewHub(nil)
	requester := newTestRouter(t, hub, "requester")
	responder := newTestRouter(t, hub, "responder")

	responder.OnRequest(t.Context(), "fail", func(context.Context, any) (any, error) {
		return nil, errors.New("no capacity")
	})

	_, err := requester.Request(t.Context(), "fail", nil, 0)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "no capacity", remote.Message)
}

func TestRouter_RequestTimeout(t *testing.T) {
	r := newTestRouter(t, bus.NewHub(nil), "router")

	start := time.Now()
	_, err := r.Request(t.Context(), "nobody-home", nil, 30*time.Millisecond)
	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Zero(t, r.PendingRequests())
}

func TestRouter_RequestSettlesOnce(t *testing.T) {
	hub := bus.NewHub(nil)
	requester := newTestRouter(t, hub, "requester")
	responder := newTestRouter(t, hub, "responder")
	// Two answering handlers race; the caller sees exactly one result.
	for _, v := range []string{"first", "second"} {
		responder.OnRequest(t.Context(), "dup", func(context.Context, any) (any, error) { return v, nil })
	}

	res, err := requester.Request(t.Context(), "dup", nil, 0)
	require.NoError(t, err)
	assert.Contains(t, []any{"first", "second"}, res)
	assert.Zero(t, requester.PendingRequests())
}

func TestRouter_RequestContextCancel(t *testing.T) {
	r := newTestRouter(t, bus.NewHub(nil), "router")
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := r.Request(ctx, "x", nil, time.Second)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, r.PendingRequests())
}

func TestRouter_Close(t *testing.T) {
	r := newTestRouter(t, bus.NewHub(nil), "router")
	require.NoError(t, r.Route(Message{Topic: "x"}))

	r.Close()
	r.Close()

	require.ErrorIs(t, r.Route(Message{Topic: "x"}), ErrRouterClosed)
	assert.Zero(t, r.QueueLen())
}
