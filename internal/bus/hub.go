// ABOUTME: In-process event bus with named nodes, topic subscriptions and once-listeners.
// ABOUTME: Implements the createNode/emit/on/once/off capability the components build on.

package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNodeExists indicates a node with the same ID was already created on the hub.
var ErrNodeExists = errors.New("node already exists")

// ErrHubClosed indicates the hub no longer accepts nodes.
var ErrHubClosed = errors.New("hub closed")

// Wildcard subscribes to every topic.
const Wildcard = "*"

// Event is a single emission delivered to subscribers.
type Event struct {
	Topic   string
	Source  string
	Payload any
	Time    time.Time
}

// Handler receives events. Handlers run on the emitting goroutine and must not block.
type Handler func(Event)

// Subscription identifies a registered handler so it can be removed with Off.
type Subscription struct {
	topic string
	id    uint64
}

// Topic returns the topic or pattern the subscription listens on.
func (s Subscription) Topic() string { return s.topic }

// Node is the capability components use to talk on the bus.
type Node interface {
	ID() string
	Emit(topic string, payload any)
	On(topic string, h Handler) Subscription
	Once(topic string, h Handler) Subscription
	Off(sub Subscription)
}

type subscriber struct {
	id      uint64
	topic   string
	node    string
	handler Handler
	once    bool
	fired   atomic.Bool
}

// Hub connects nodes. A topic subscription may be an exact topic, a family
// pattern such as "registry:*", or Wildcard.
type Hub struct {
	mu     sync.RWMutex
	nodes  map[string]*LocalNode
	subs   map[string]map[uint64]*subscriber // topic pattern -> sub ID -> subscriber
	nextID atomic.Uint64
	closed bool
	logger *slog.Logger
}

// NewHub creates an empty hub. Pass nil logger for default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		nodes:  make(map[string]*LocalNode),
		subs:   make(map[string]map[uint64]*subscriber),
		logger: logger.With("component", "bus"),
	}
}

// CreateNode registers a new node with the given ID.
func (h *Hub) CreateNode(id string) (*LocalNode, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if _, exists := h.nodes[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrNodeExists, id)
	}

	n := &LocalNode{
		id:   id,
		hub:  h,
		subs: make(map[uint64]string),
	}
	h.nodes[id] = n
	h.logger.Debug("node created", "node_id", id)
	return n, nil
}

// Nodes returns the IDs of all live nodes.
func (h *Hub) Nodes() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.nodes))
	for id := range h.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Close drops every subscription and node. Emits after Close are ignored.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	h.subs = make(map[string]map[uint64]*subscriber)
	h.nodes = make(map[string]*LocalNode)
}

func (h *Hub) subscribe(node, topic string, handler Handler, once bool) Subscription {
	sub := &subscriber{
		id:      h.nextID.Add(1),
		topic:   topic,
		node:    node,
		handler: handler,
		once:    once,
	}

	h.mu.Lock()
	if !h.closed {
		if _, ok := h.subs[topic]; !ok {
			h.subs[topic] = make(map[uint64]*subscriber)
		}
		h.subs[topic][sub.id] = sub
	}
	h.mu.Unlock()

	return Subscription{topic: topic, id: sub.id}
}

func (h *Hub) unsubscribe(sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, ok := h.subs[sub.topic]
	if !ok {
		return
	}
	delete(subs, sub.id)
	if len(subs) == 0 {
		delete(h.subs, sub.topic)
	}
}

// matching returns subscribers for topic in registration order.
func (h *Hub) matching(topic string) []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return nil
	}

	var out []*subscriber
	seen := make(map[string]bool, 3)
	for _, pattern := range []string{topic, Family(topic) + ":*", Wildcard} {
		if seen[pattern] {
			continue
		}
		seen[pattern] = true
		for _, sub := range h.subs[pattern] {
			out = append(out, sub)
		}
	}
	slices.SortFunc(out, func(a, b *subscriber) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		default:
			return 0
		}
	})
	return out
}

func (h *Hub) emit(source, topic string, payload any) {
	ev := Event{
		Topic:   topic,
		Source:  source,
		Payload: payload,
		Time:    time.Now(),
	}

	for _, sub := range h.matching(topic) {
		if sub.once {
			// First delivery wins; the subscription is removed before the
			// handler runs so a re-entrant emit cannot fire it twice.
			if !sub.fired.CompareAndSwap(false, true) {
				continue
			}
			h.removeFromNode(sub)
		}
		h.deliver(sub, ev)
	}
}

func (h *Hub) removeFromNode(sub *subscriber) {
	h.unsubscribe(Subscription{topic: sub.topic, id: sub.id})

	h.mu.RLock()
	node := h.nodes[sub.node]
	h.mu.RUnlock()

	if node != nil {
		node.forget(sub.id)
	}
}

func (h *Hub) deliver(sub *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panicked",
				"topic", ev.Topic,
				"node_id", sub.node,
				"panic", r,
			)
		}
	}()
	sub.handler(ev)
}

func (h *Hub) removeNode(id string) {
	h.mu.Lock()
	delete(h.nodes, id)
	h.mu.Unlock()
}

// LocalNode is a Node attached to an in-process Hub.
type LocalNode struct {
	id     string
	hub    *Hub
	mu     sync.Mutex
	subs   map[uint64]string // sub ID -> topic pattern
	closed bool
}

// ID returns the node ID.
func (n *LocalNode) ID() string { return n.id }

// Emit publishes payload on topic to every matching subscriber, including
// subscribers on this node. Delivery is synchronous.
func (n *LocalNode) Emit(topic string, payload any) {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return
	}
	n.hub.emit(n.id, topic, payload)
}

// On registers h for topic until Off or Close.
func (n *LocalNode) On(topic string, h Handler) Subscription {
	return n.add(topic, h, false)
}

// Once registers h for the first matching event only.
func (n *LocalNode) Once(topic string, h Handler) Subscription {
	return n.add(topic, h, true)
}

func (n *LocalNode) add(topic string, h Handler, once bool) Subscription {
	sub := n.hub.subscribe(n.id, topic, h, once)
	n.mu.Lock()
	n.subs[sub.id] = topic
	n.mu.Unlock()
	return sub
}

// Off removes a subscription. Removing an unknown or fired subscription is a no-op.
func (n *LocalNode) Off(sub Subscription) {
	n.hub.unsubscribe(sub)
	n.forget(sub.id)
}

func (n *LocalNode) forget(id uint64) {
	n.mu.Lock()
	delete(n.subs, id)
	n.mu.Unlock()
}

// Close removes all of the node's subscriptions and detaches it from the hub.
// It is safe to call multiple times.
func (n *LocalNode) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	subs := n.subs
	n.subs = make(map[uint64]string)
	n.mu.Unlock()

	for id, topic := range subs {
		n.hub.unsubscribe(Subscription{topic: topic, id: id})
	}
	n.hub.removeNode(n.id)
}
