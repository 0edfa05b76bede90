// ABOUTME: In-memory fan-out of stream chunks to per-stream subscribers.
// ABOUTME: Non-blocking publish; slow subscribers lose chunks instead of stalling agents.

package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 64

// Chunk is one piece of a logical stream delivered to subscribers.
type Chunk struct {
	StreamID string
	AgentID  string
	Seq      int
	Data     json.RawMessage
	End      bool
}

type subscription struct {
	ch   chan Chunk
	stop chan struct{} // closed by unsubscribe
}

type fanout struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscription // streamID -> subID -> sub
	closed      bool
	done        chan struct{}
	logger      *slog.Logger
}

func newFanout(logger *slog.Logger) *fanout {
	return &fanout{
		subscribers: make(map[string]map[string]*subscription),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

func (f *fanout) subscribe(ctx context.Context, streamID string) (<-chan Chunk, string) {
	subID := uuid.New().String()
	ch := make(chan Chunk, subscriberBufferSize)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, subID
	}
	if _, ok := f.subscribers[streamID]; !ok {
		f.subscribers[streamID] = make(map[string]*subscription)
	}
	sub := &subscription{ch: ch, stop: make(chan struct{})}
	f.subscribers[streamID][subID] = sub
	f.mu.Unlock()

	f.logger.Debug("stream subscriber added", "stream_id", streamID, "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			f.unsubscribe(streamID, subID)
		case <-sub.stop:
		case <-f.done:
		}
	}()

	return ch, subID
}

func (f *fanout) publish(streamID string, chunk Chunk) {
	f.mu.RLock()
	subs := f.subscribers[streamID]
	targets := make([]chan Chunk, 0, len(subs))
	for _, sub := range subs {
		targets = append(targets, sub.ch)
	}
	// Sends happen under the read lock so unsubscribe cannot close a channel mid-send.
	for _, ch := range targets {
		select {
		case ch <- chunk:
		default:
			f.logger.Debug("dropped chunk for slow subscriber", "stream_id", streamID, "seq", chunk.Seq)
		}
	}
	f.mu.RUnlock()
}

func (f *fanout) unsubscribe(streamID, subID string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs, ok := f.subscribers[streamID]
	if !ok {
		return
	}
	sub, exists := subs[subID]
	if !exists {
		return
	}
	delete(subs, subID)
	close(sub.ch)
	close(sub.stop)
	if len(subs) == 0 {
		delete(f.subscribers, streamID)
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.closed = true
	close(f.done)
	for streamID, subs := range f.subscribers {
		for subID, sub := range subs {
			close(sub.ch)
			delete(subs, subID)
		}
		delete(f.subscribers, streamID)
	}
}
