// ABOUTME: Recorder captures events from a hub for assertions in tests.
// ABOUTME: Supports counting by topic and waiting for a topic with a timeout.

package bus

import (
	"sync"
	"time"
)

// Recorder subscribes to every topic on a hub and keeps the events it sees.
type Recorder struct {
	node   *LocalNode
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder attaches a recorder node with the given ID to hub.
func NewRecorder(hub *Hub, id string) (*Recorder, error) {
	node, err := hub.CreateNode(id)
	if err != nil {
		return nil, err
	}
	r := &Recorder{
		node:   node,
		notify: make(chan struct{}, 1),
	}
	node.On(Wildcard, func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		select {
		case r.notify <- struct{}{}:
		default:
		}
	})
	return r, nil
}

// Events returns a copy of every recorded event with the given topic.
// An empty topic returns all events.
func (r *Recorder) Events(topic string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, 0, len(r.events))
	for _, ev := range r.events {
		if topic == "" || ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns the number of recorded events with the given topic.
func (r *Recorder) Count(topic string) int {
	return len(r.Events(topic))
}

// WaitFor blocks until at least n events with topic were recorded or timeout elapses.
// It returns the matching events seen so far.
func (r *Recorder) WaitFor(topic string, n int, timeout time.Duration) []Event {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if events := r.Events(topic); len(events) >= n {
			return events
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return r.Events(topic)
		}
	}
}

// Close detaches the recorder from its hub.
func (r *Recorder) Close() {
	r.node.Close()
}
