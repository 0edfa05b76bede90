// ABOUTME: Priority-ordered message router with a FIFO queue drained on one goroutine.
// ABOUTME: Matching handlers run concurrently; results and failures are announced on route:* topics.

package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-mux/internal/bus"
)

// ErrRouterClosed indicates the router no longer accepts messages.
var ErrRouterClosed = errors.New("router closed")

// Message is the unit routed to handlers.
type Message struct {
	Topic   string `json:"topic,omitempty"`
	Type    string `json:"type,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Handler processes a routed message. A nil result produces no route:result.
type Handler interface {
	Handle(ctx context.Context, msg Message) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg Message) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, msg Message) (any, error) {
	return f(ctx, msg)
}

// HandlerError wraps a handler failure with the route that produced it.
type HandlerError struct {
	Topic   string
	Pattern string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("route %s (%s): %v", e.Topic, e.Pattern, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Route binds a handler to a topic. Pattern matches a message's Topic or Type
// exactly; when Match is set it is applied to the message's JSON encoding
// instead. An empty Pattern defaults to the route's topic.
type Route struct {
	Pattern  string
	Match    *regexp.Regexp
	Handler  Handler
	Priority int
}

func (r Route) matches(msg Message, encoded []byte) bool {
	if r.Match != nil {
		return r.Match.Match(encoded)
	}
	return r.Pattern == msg.Topic || (msg.Type != "" && r.Pattern == msg.Type)
}

func (r Route) label() string {
	if r.Match != nil {
		return r.Match.String()
	}
	return r.Pattern
}

// Options configures a Router.
type Options struct {
	// RequestTimeout bounds Request when the caller passes zero.
	RequestTimeout time.Duration
}

// DefaultRequestTimeout is used when Options.RequestTimeout is zero.
const DefaultRequestTimeout = 30 * time.Second

type boundRoute struct {
	topic string
	seq   int
	Route
}

// Router dispatches messages to prioritized routes.
type Router struct {
	node   bus.Node
	logger *slog.Logger
	opts   Options

	routesMu sync.RWMutex
	routes   map[string][]boundRoute
	topics   []string // insertion order
	seq      int

	queueMu sync.Mutex
	queue   []Message
	notify  chan struct{}
	closed  bool

	pendingMu sync.Mutex
	pending   map[string]chan bus.RouteEvent

	inbound   bus.Subscription
	processed atomic.Int64
	failed    atomic.Int64
}

// New creates a Router on node. Messages emitted on route:message by any
// node are enqueued.
func New(node bus.Node, logger *slog.Logger, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	r := &Router{
		node:    node,
		logger:  logger.With("component", "router"),
		opts:    opts,
		routes:  make(map[string][]boundRoute),
		notify:  make(chan struct{}, 1),
		pending: make(map[string]chan bus.RouteEvent),
	}
	r.inbound = node.On(bus.TopicRouteMessage, r.onRouteMessage)
	return r
}

func (r *Router) onRouteMessage(ev bus.Event) {
	var msg Message
	switch p := ev.Payload.(type) {
	case Message:
		msg = p
	case *Message:
		if p == nil {
			return
		}
		msg = *p
	case bus.RouteEvent:
		m, ok := p.Message.(Message)
		if !ok {
			m = Message{Topic: p.Topic, Payload: p.Payload}
		}
		msg = m
	default:
		r.logger.Debug("ignoring route:message with unknown payload", "source", ev.Source)
		return
	}
	if err := r.Route(msg); err != nil {
		r.logger.Debug("dropping inbound route message", "topic", msg.Topic, "error", err)
	}
}

// AddRoute registers route under topic. Routes of a topic are kept sorted by
// priority, highest first; equal priorities keep insertion order.
func (r *Router) AddRoute(topic string, route Route) error {
	if route.Handler == nil {
		return errors.New("route handler is required")
	}
	if route.Pattern == "" && route.Match == nil {
		route.Pattern = topic
	}

	r.routesMu.Lock()
	if _, ok := r.routes[topic]; !ok {
		r.topics = append(r.topics, topic)
	}
	r.seq++
	routes := append(r.routes[topic], boundRoute{topic: topic, seq: r.seq, Route: route})
	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].Priority > routes[j].Priority
	})
	r.routes[topic] = routes
	r.routesMu.Unlock()

	r.logger.Debug("route added", "topic", topic, "pattern", route.label(), "priority", route.Priority)
	r.node.Emit(bus.TopicRouteAdded, bus.RouteEvent{
		Topic:    topic,
		Pattern:  route.label(),
		Priority: route.Priority,
		Success:  true,
	})
	return nil
}

// Routes returns the routes registered for topic in dispatch order.
func (r *Router) Routes(topic string) []Route {
	r.routesMu.RLock()
	defer r.routesMu.RUnlock()

	out := make([]Route, 0, len(r.routes[topic]))
	for _, br := range r.routes[topic] {
		out = append(out, br.Route)
	}
	return out
}

// Route enqueues msg for Run to dispatch.
func (r *Router) Route(msg Message) error {
	r.queueMu.Lock()
	if r.closed {
		r.queueMu.Unlock()
		return ErrRouterClosed
	}
	r.queue = append(r.queue, msg)
	r.queueMu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// QueueLen returns the number of messages waiting to be dispatched.
func (r *Router) QueueLen() int {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	return len(r.queue)
}

// Run drains the queue until ctx is done. Messages are dispatched one at a
// time in arrival order.
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("router started")
	defer r.logger.Info("router stopped")

	for {
		for {
			msg, ok := r.dequeue()
			if !ok {
				break
			}
			r.Dispatch(ctx, msg)
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.notify:
		}
	}
}

func (r *Router) dequeue() (Message, bool) {
	r.queueMu.Lock()
	defer r.queueMu.Unlock()
	if len(r.queue) == 0 {
		return Message{}, false
	}
	msg := r.queue[0]
	r.queue[0] = Message{}
	r.queue = r.queue[1:]
	return msg, true
}

// Dispatch runs every matching route for msg concurrently and waits for all
// of them. It returns the number of routes that matched.
func (r *Router) Dispatch(ctx context.Context, msg Message) int {
	encoded, err := json.Marshal(msg)
	if err != nil {
		encoded = nil
	}

	matched := r.matching(msg, encoded)
	if len(matched) == 0 {
		r.logger.Debug("no route matched", "topic", msg.Topic, "type", msg.Type)
		return 0
	}

	var wg sync.WaitGroup
	for _, br := range matched {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.invoke(ctx, br, msg)
		}()
	}
	wg.Wait()
	r.processed.Add(1)
	return len(matched)
}

func (r *Router) matching(msg Message, encoded []byte) []boundRoute {
	r.routesMu.RLock()
	defer r.routesMu.RUnlock()

	var out []boundRoute
	for _, topic := range r.topics {
		for _, br := range r.routes[topic] {
			if br.Match != nil && encoded == nil {
				continue
			}
			if br.matches(msg, encoded) {
				out = append(out, br)
			}
		}
	}
	return slices.Clip(out)
}

func (r *Router) invoke(ctx context.Context, br boundRoute, msg Message) {
	result, err := r.call(ctx, br, msg)
	if err != nil {
		r.failed.Add(1)
		herr := &HandlerError{Topic: br.topic, Pattern: br.label(), Err: err}
		r.logger.Warn("route handler failed", "topic", br.topic, "pattern", br.label(), "error", err)
		r.node.Emit(bus.TopicRouteError, bus.RouteEvent{
			Topic:   br.topic,
			Pattern: br.label(),
			Message: msg,
			Error:   herr.Error(),
		})
		return
	}
	if result == nil {
		return
	}
	r.node.Emit(bus.TopicRouteResult, bus.RouteEvent{
		Topic:   br.topic,
		Pattern: br.label(),
		Message: msg,
		Result:  result,
		Success: true,
	})
}

func (r *Router) call(ctx context.Context, br boundRoute, msg Message) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()
	return br.Handler.Handle(ctx, msg)
}

// Stats reports dispatch counters.
func (r *Router) Stats() (processed, failed int64) {
	return r.processed.Load(), r.failed.Load()
}

// Close stops accepting messages, drops the queue and fails pending requests.
func (r *Router) Close() {
	r.queueMu.Lock()
	if r.closed {
		r.queueMu.Unlock()
		return
	}
	r.closed = true
	dropped := len(r.queue)
	r.queue = nil
	r.queueMu.Unlock()

	r.node.Off(r.inbound)

	r.pendingMu.Lock()
	for id, ch := range r.pending {
		delete(r.pending, id)
		ch <- bus.RouteEvent{RequestID: id, Error: ErrRouterClosed.Error()}
	}
	r.pendingMu.Unlock()

	if dropped > 0 {
		r.logger.Info("router closed with queued messages", "dropped", dropped)
	}
}
