// ABOUTME: Splits agent output into independent logical streams and correlated responses.
// ABOUTME: Owns the stream table and the demux waiter table.

package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-mux/internal/bus"
	"github.com/2389/coven-mux/internal/protocol"
)

// ErrResponseTimeout indicates no response with the awaited correlation ID arrived in time.
var ErrResponseTimeout = errors.New("response timeout")

// ErrAlreadyWaiting indicates a waiter for the correlation ID is already registered.
var ErrAlreadyWaiting = errors.New("correlation id already awaited")

// DefaultStreamID is used for messages that name neither a stream nor an agent.
const DefaultStreamID = "default"

// DefaultResponseTimeout bounds DemuxResponse when no timeout is configured.
const DefaultResponseTimeout = 30 * time.Second

// StreamKind classifies a logical stream.
type StreamKind string

const (
	StreamResponse StreamKind = "response"
	StreamEvent    StreamKind = "event"
	StreamLog      StreamKind = "log"
)

// LogicalStream describes one reconstructed stream. Values returned by the
// Splitter are snapshots.
type LogicalStream struct {
	ID         string
	AgentID    string
	Kind       StreamKind
	StartedAt  time.Time
	ChunkCount int
	Bytes      int
}

type streamState struct {
	LogicalStream
	chunks []json.RawMessage
}

// Options configures a Splitter.
type Options struct {
	ResponseTimeout time.Duration
	Now             func() time.Time
}

// Splitter demultiplexes agent messages into logical streams.
type Splitter struct {
	node            bus.Node
	logger          *slog.Logger
	responseTimeout time.Duration
	now             func() time.Time
	fanout          *fanout

	mu      sync.Mutex
	streams map[string]*streamState
	waiters map[string]chan protocol.AgentMessage
}

// New creates a Splitter that announces stream events on node.
func New(node bus.Node, logger *slog.Logger, opts Options) *Splitter {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger = logger.With("component", "splitter")
	return &Splitter{
		node:            node,
		logger:          logger,
		responseTimeout: opts.ResponseTimeout,
		now:             opts.Now,
		fanout:          newFanout(logger),
		streams:         make(map[string]*streamState),
		waiters:         make(map[string]chan protocol.AgentMessage),
	}
}

// RouteMessage assigns msg to its logical stream and dispatches it by type.
func (s *Splitter) RouteMessage(msg protocol.AgentMessage) {
	id := streamIDFor(msg)
	data := chunkData(msg)

	s.mu.Lock()
	st, ok := s.streams[id]
	if !ok {
		st = &streamState{LogicalStream: LogicalStream{
			ID:        id,
			AgentID:   msg.AgentID,
			Kind:      streamKindFor(msg),
			StartedAt: s.now(),
		}}
		s.streams[id] = st
	}
	st.ChunkCount++

	var assembled json.RawMessage
	switch msg.Type {
	case protocol.TypeStreamStart:
	case protocol.TypeStreamChunk:
		st.chunks = append(st.chunks, data)
		st.Bytes += len(data)
	case protocol.TypeStreamEnd:
		assembled = assemble(st.chunks)
		delete(s.streams, id)
	default:
		st.Bytes += len(data)
	}
	snapshot := st.LogicalStream
	s.mu.Unlock()

	ev := bus.StreamEvent{
		StreamID:   snapshot.ID,
		AgentID:    snapshot.AgentID,
		Kind:       string(snapshot.Kind),
		ChunkCount: snapshot.ChunkCount,
		StartedAt:  snapshot.StartedAt,
		Bytes:      snapshot.Bytes,
	}

	switch msg.Type {
	case protocol.TypeStreamStart:
		s.node.Emit(bus.TopicStreamStart, ev)
	case protocol.TypeStreamChunk:
		ev.Data = data
		s.node.Emit(bus.TopicStreamChunk, ev)
		s.fanout.publish(id, Chunk{StreamID: id, AgentID: msg.AgentID, Seq: snapshot.ChunkCount, Data: data})
	case protocol.TypeStreamEnd:
		ev.Data = assembled
		ev.Duration = s.now().Sub(snapshot.StartedAt)
		s.node.Emit(bus.TopicStreamEnd, ev)
		s.fanout.publish(id, Chunk{StreamID: id, AgentID: msg.AgentID, Seq: snapshot.ChunkCount, Data: assembled, End: true})
	default:
		ev.Data = data
		s.node.Emit(bus.TopicStreamMessage, ev)
		s.fanout.publish(id, Chunk{StreamID: id, AgentID: msg.AgentID, Seq: snapshot.ChunkCount, Data: data})
	}

	if msg.CorrelationID != "" {
		s.HandleResponse(msg)
	}
}

// HandleResponse resolves the waiter registered for msg's correlation ID with
// the first message of any type that carries it. Returns true if a waiter was
// resolved.
func (s *Splitter) HandleResponse(msg protocol.AgentMessage) bool {
	if msg.CorrelationID == "" {
		return false
	}

	s.mu.Lock()
	ch, ok := s.waiters[msg.CorrelationID]
	if ok {
		delete(s.waiters, msg.CorrelationID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	ch <- msg
	return true
}

// Waiter is a registered, not yet settled response expectation.
type Waiter struct {
	splitter      *Splitter
	correlationID string
	ch            chan protocol.AgentMessage
}

// Expect registers a waiter for correlationID. Register before sending the
// request so a fast response cannot be missed.
func (s *Splitter) Expect(correlationID string) (*Waiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.waiters[correlationID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyWaiting, correlationID)
	}
	ch := make(chan protocol.AgentMessage, 1)
	s.waiters[correlationID] = ch
	return &Waiter{splitter: s, correlationID: correlationID, ch: ch}, nil
}

// Wait blocks until the response arrives, the splitter's response timeout
// elapses, or ctx is done. The waiter is removed on every path.
func (w *Waiter) Wait(ctx context.Context) (protocol.AgentMessage, error) {
	timer := time.NewTimer(w.splitter.responseTimeout)
	defer timer.Stop()

	select {
	case msg := <-w.ch:
		return msg, nil
	case <-timer.C:
		return w.settle(fmt.Errorf("%w: %s", ErrResponseTimeout, w.correlationID))
	case <-ctx.Done():
		return w.settle(ctx.Err())
	}
}

// Cancel removes the waiter without waiting.
func (w *Waiter) Cancel() {
	_, _ = w.settle(nil)
}

// settle removes the waiter. If HandleResponse already claimed it, the
// response it delivered wins over the timeout.
func (w *Waiter) settle(cause error) (protocol.AgentMessage, error) {
	s := w.splitter
	s.mu.Lock()
	if ch, ok := s.waiters[w.correlationID]; ok && ch == w.ch {
		delete(s.waiters, w.correlationID)
		s.mu.Unlock()
		return protocol.AgentMessage{}, cause
	}
	s.mu.Unlock()

	select {
	case msg := <-w.ch:
		return msg, nil
	default:
		return protocol.AgentMessage{}, cause
	}
}

// DemuxResponse waits for the response carrying correlationID and returns its payload.
func (s *Splitter) DemuxResponse(ctx context.Context, correlationID string) (json.RawMessage, error) {
	w, err := s.Expect(correlationID)
	if err != nil {
		return nil, err
	}
	msg, err := w.Wait(ctx)
	if err != nil {
		return nil, err
	}
	return msg.Payload, nil
}

// PendingResponses returns the number of registered waiters.
func (s *Splitter) PendingResponses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

// Subscribe returns a channel receiving future chunks of streamID. The
// subscription ends when ctx is cancelled.
func (s *Splitter) Subscribe(ctx context.Context, streamID string) (<-chan Chunk, string) {
	return s.fanout.subscribe(ctx, streamID)
}

// Unsubscribe removes a subscription created by Subscribe and closes its channel.
func (s *Splitter) Unsubscribe(streamID, subID string) {
	s.fanout.unsubscribe(streamID, subID)
}

// MergeStreams pipes future chunks of every named stream into one channel.
// Existing subscribers of those streams keep receiving their own copies. The
// merged channel closes after ctx is cancelled.
func (s *Splitter) MergeStreams(ctx context.Context, streamIDs []string) <-chan Chunk {
	out := make(chan Chunk, subscriberBufferSize)
	var wg sync.WaitGroup
	for _, id := range streamIDs {
		ch, _ := s.fanout.subscribe(ctx, id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range ch {
				select {
				case out <- chunk:
				case <-ctx.Done():
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

// Stream returns a snapshot of the active stream with the given ID.
func (s *Splitter) Stream(id string) (LogicalStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[id]
	if !ok {
		return LogicalStream{}, false
	}
	return st.LogicalStream, true
}

// Streams returns snapshots of all active streams ordered by ID.
func (s *Splitter) Streams() []LogicalStream {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]LogicalStream, 0, len(s.streams))
	for _, st := range s.streams {
		out = append(out, st.LogicalStream)
	}
	slices.SortFunc(out, func(a, b LogicalStream) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// DropAgent discards every active stream owned by agentID.
func (s *Splitter) DropAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, st := range s.streams {
		if st.AgentID == agentID {
			delete(s.streams, id)
		}
	}
}

// Close ends all subscriptions.
func (s *Splitter) Close() {
	s.fanout.close()
}

func streamIDFor(msg protocol.AgentMessage) string {
	switch {
	case msg.StreamID != "":
		return msg.StreamID
	case msg.AgentID != "":
		return msg.AgentID
	default:
		return DefaultStreamID
	}
}

func streamKindFor(msg protocol.AgentMessage) StreamKind {
	var declared string
	if raw := msg.Field("kind"); raw != nil {
		_ = json.Unmarshal(raw, &declared)
	}
	switch StreamKind(declared) {
	case StreamResponse, StreamEvent, StreamLog:
		return StreamKind(declared)
	}
	switch {
	case msg.Kind == protocol.KindResponse:
		return StreamResponse
	case msg.Type == "log":
		return StreamLog
	default:
		return StreamEvent
	}
}

// chunkData picks the data-bearing field of a message, falling back to the whole payload.
func chunkData(msg protocol.AgentMessage) json.RawMessage {
	for _, name := range []string{"data", "chunk", "content"} {
		if raw := msg.Field(name); raw != nil {
			return raw
		}
	}
	return msg.Payload
}

// assemble joins chunk data: string chunks concatenate into one string,
// anything else becomes a JSON array.
func assemble(chunks []json.RawMessage) json.RawMessage {
	if len(chunks) == 0 {
		return nil
	}
	var sb strings.Builder
	for _, c := range chunks {
		var s string
		if err := json.Unmarshal(c, &s); err != nil {
			data, _ := json.Marshal(chunks)
			return data
		}
		sb.WriteString(s)
	}
	data, _ := json.Marshal(sb.String())
	return data
}
