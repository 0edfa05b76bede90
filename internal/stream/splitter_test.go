// ABOUTME: Tests for the StreamSplitter: stream table, dispatch by type, demux waiters, merging.
// ABOUTME: Uses an in-process hub with a recorder to assert emitted stream events.

package stream

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-mux/internal/bus"
	"github.com/2389/coven-mux/internal/protocol"
)

func newTestSplitter(t *testing.T, timeout time.Duration) (*Splitter, *bus.Recorder) {
	t.Helper()
	hub := bus.NewHub(nil)
	node, err := hub.CreateNode("splitter")
	require.NoError(t, err)
	rec, err := bus.NewRecorder(hub, "recorder")
	require.NoError(t, err)

	s := New(node, nil, Options{ResponseTimeout: timeout})
	t.Cleanup(s.Close)
	return s, rec
}

func agentMsg(t *testing.T, agentID, line string) protocol.AgentMessage {
	t.Helper()
	msg, err := protocol.Decode(agentID, []byte(line), time.Now())
	require.NoError(t, err)
	return msg
}

func TestSplitter_ChunkCountMonotonicAndResetsAfterEnd(t *testing.T) {
	s, rec := newTestSplitter(t, time.Second)

	s.RouteMessage(agentMsg(t, "a1", `{"type":"stream:start","streamId":"s1"}`))
	s.RouteMessage(agentMsg(t, "a1", `{"type":"stream:chunk","streamId":"s1","data":"foo"}`))
	s.RouteMessage(agentMsg(t, "a1", `{"type":"stream:chunk","streamId":"s1","data":"bar"}`))

	st, ok := s.Stream("s1")
	require.True(t, ok)
	assert.Equal(t, 3, st.ChunkCount)
	assert.Equal(t, "a1", st.AgentID)

	s.RouteMessage(agentMsg(t, "a1", `{"type":"stream:end","streamId":"s1"}`))
	_, ok = s.Stream("s1")
	assert.False(t, ok, "stream should be garbage-collected after end")

	ends := rec.Events(bus.TopicStreamEnd)
	require.Len(t, ends, 1)
	end := ends[0].Payload.(bus.StreamEvent)
	assert.Equal(t, 4, end.ChunkCount)
	assert.JSONEq(t, `"foobar"`, string(end.Data))

	s.RouteMessage(agentMsg(t, "a1", `{"type":"stream:chunk","streamId":"s1","data":"again"}`))
	st, ok = s.Stream("s1")
	require.True(t, ok)
	assert.Equal(t, 1, st.ChunkCount, "a new stream with the same id starts fresh")
}

func TestSplitter_DispatchByType(t *testing.T) {
	s, rec := newTestSplitter(t, time.Second)

	s.RouteMessage(agentMsg(t, "a1", `{"type":"stream:start","streamId":"s"}`))
	s.RouteMessage(agentMsg(t, "a1", `{"type":"stream:chunk","streamId":"s","data":1}`))
	s.RouteMessage(agentMsg(t, "a1", `{"type":"response","content":"one-shot"}`))

	assert.Equal(t, 1, rec.Count(bus.TopicStreamStart))
	assert.Equal(t, 1, rec.Count(bus.TopicStreamChunk))
	msgs := rec.Events(bus.TopicStreamMessage)
	require.Len(t, msgs, 1)

	ev := msgs[0].Payload.(bus.StreamEvent)
	assert.Equal(t, "a1", ev.StreamID, "stream id falls back to agent id")
	assert.Equal(t, string(StreamResponse), ev.Kind)
	assert.JSONEq(t, `"one-shot"`, string(ev.Data))
}

func TestSplitter_DefaultStreamID(t *testing.T) {
	s, _ := newTestSplitter(t, time.Second)

	s.RouteMessage(protocol.AgentMessage{Payload: json.RawMessage(`{"x":1}`)})

	st, ok := s.Stream(DefaultStreamID)
	require.True(t, ok)
	assert.Equal(t, 1, st.ChunkCount)
	assert.Equal(t, StreamEvent, st.Kind)
}

func TestSplitter_DeclaredKind(t *testing.T) {
	s, _ := newTestSplitter(t, time.Second)

	s.RouteMessage(agentMsg(t, "a1", `{"type":"stream:start","streamId":"logs","kind":"log"}`))
	st, ok := s.Stream("logs")
	require.True(t, ok)
	assert.Equal(t, StreamLog, st.Kind)
}

func TestSplitter_DemuxResponse(t *testing.T) {
	s, _ := newTestSplitter(t, time.Second)

	go func() {
		time.Sleep(10 * time.Millisecond)
		s.RouteMessage(agentMsg(t, "a1", `{"type":"response","correlationId":"c1","content":"done"}`))
	}()

	payload, err := s.DemuxResponse(t.Context(), "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"response","correlationId":"c1","content":"done"}`, string(payload))
	assert.Zero(t, s.PendingResponses())
}

func TestSplitter_DemuxResponseAnyType(t *testing.T) {
	s, _ := newTestSplitter(t, time.Second)

	w, err := s.Expect("c2")
	require.NoError(t, err)

	// The first message carrying the correlation id settles the waiter, whatever its type.
	s.RouteMessage(agentMsg(t, "a1", `{"type":"stream:end","streamId":"s9","correlationId":"c2"}`))
	s.RouteMessage(agentMsg(t, "a1", `{"type":"response","correlationId":"c2","content":"late"}`))

	msg, err := w.Wait(t.Context())
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeStreamEnd, msg.Type)
	assert.Equal(t, "s9", msg.StreamID)
	assert.Zero(t, s.PendingResponses())
}

func TestSplitter_DemuxResponseTimeout(t *testing.T) {
	s, _ := newTestSplitter(t, 20*time.Millisecond)

	_, err := s.DemuxResponse(t.Context(), "never")
	require.ErrorIs(t, err, ErrResponseTimeout)
	assert.Zero(t, s.PendingResponses(), "waiter removed on timeout")

	// A late response is ignored.
	assert.False(t, s.HandleResponse(agentMsg(t, "a1", `{"type":"response","correlationId":"never"}`)))
}

func TestSplitter_DemuxContextCancel(t *testing.T) {
	s, _ := newTestSplitter(t, time.Second)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := s.DemuxResponse(ctx, "c")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, s.PendingResponses())
}

func TestSplitter_ExpectRejectsDuplicates(t *testing.T) {
	s, _ := newTestSplitter(t, time.Second)

	w, err := s.Expect("dup")
	require.NoError(t, err)
	_, err = s.Expect("dup")
	require.ErrorIs(t, err, ErrAlreadyWaiting)

	w.Cancel()
	assert.Zero(t, s.PendingResponses())
}

func TestSplitter_ResponseRacingTimeoutSettlesOnce(t *testing.T) {
	for range 50 {
		s, _ := newTestSplitter(t, time.Millisecond)
		w, err := s.Expect("race")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.HandleResponse(agentMsg(t, "a1", `{"type":"response","correlationId":"race"}`))
		}()

		msg, err := w.Wait(t.Context())
		wg.Wait()
		if err != nil {
			require.ErrorIs(t, err, ErrResponseTimeout)
		} else {
			assert.Equal(t, "race", msg.CorrelationID)
		}
		assert.Zero(t, s.PendingResponses())
	}
}

func TestSplitter_MergeStreamsIsNonDestructive(t *testing.T) {
	s, _ := newTestSplitter(t, time.Second)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	own, _ := s.Subscribe(ctx, "s1")
	merged := s.MergeStreams(ctx, []string{"s1", "s2"})

	s.RouteMessage(agentMsg(t, "a1", `{"type":"stream:chunk","streamId":"s1","data":"one"}`))
	s.RouteMessage(agentMsg(t, "a2", `{"type":"stream:chunk","streamId":"s2","data":"two"}`))

	got := map[string]bool{}
	for range 2 {
		select {
		case c := <-merged:
			got[c.StreamID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for merged chunk")
		}
	}
	assert.Equal(t, map[string]bool{"s1": true, "s2": true}, got)

	select {
	case c := <-own:
		assert.Equal(t, "s1", c.StreamID)
		assert.JSONEq(t, `"one"`, string(c.Data))
	case <-time.After(time.Second):
		t.Fatal("original subscriber lost its chunk")
	}

	cancel()
	select {
	case _, ok := <-merged:
		for ok {
			_, ok = <-merged
		}
	case <-time.After(time.Second):
		t.Fatal("merged channel not closed after cancel")
	}
}

func TestSplitter_DropAgent(t *testing.T) {
	s, _ := newTestSplitter(t, time.Second)

	s.RouteMessage(agentMsg(t, "a1", `{"type":"stream:start","streamId":"x"}`))
	s.RouteMessage(agentMsg(t, "a2", `{"type":"stream:start","streamId":"y"}`))

	s.DropAgent("a1")

	streams := s.Streams()
	require.Len(t, streams, 1)
	assert.Equal(t, "y", streams[0].ID)
}

func TestSplitter_CloseReleasesSubscriptions(t *testing.T) {
	s, _ := newTestSplitter(t, time.Second)
	base := runtime.NumGoroutine()

	var chans []<-chan Chunk
	for range 10 {
		ch, _ := s.Subscribe(context.Background(), "s1")
		chans = append(chans, ch)
	}
	ch, subID := s.Subscribe(context.Background(), "s2")
	s.Unsubscribe("s2", subID)
	_, open := <-ch
	assert.False(t, open, "unsubscribe closes the channel")

	s.Close()
	s.Close()
	for _, ch := range chans {
		_, open := <-ch
		assert.False(t, open, "close ends every subscription")
	}
	assert.Eventually(t, func() bool { return runtime.NumGoroutine() <= base },
		time.Second, 10*time.Millisecond, "subscription watchers exit without ctx cancellation")

	late, _ := s.Subscribe(context.Background(), "s1")
	_, open = <-late
	assert.False(t, open, "subscribing after close yields a closed channel")
}
