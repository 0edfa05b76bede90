// ABOUTME: Tests for the in-process event hub.
// ABOUTME: Covers fan-out, family patterns, once-listeners, Off, node Close and panic isolation.

package bus

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newNode(t *testing.T, hub *Hub, id string) *LocalNode {
	t.Helper()
	n, err := hub.CreateNode(id)
	require.NoError(t, err)
	return n
}

func TestHub_CreateNodeRejectsDuplicates(t *testing.T) {
	hub := NewHub(nil)
	newNode(t, hub, "a")

	_, err := hub.CreateNode("a")
	require.ErrorIs(t, err, ErrNodeExists)
	assert.Equal(t, []string{"a"}, hub.Nodes())
}

func TestHub_EmitReachesEveryNode(t *testing.T) {
	hub := NewHub(nil)
	a := newNode(t, hub, "a")
	b := newNode(t, hub, "b")

	var got []string
	var mu sync.Mutex
	record := func(name string) Handler {
		return func(ev Event) {
			mu.Lock()
			got = append(got, name+":"+ev.Source)
			mu.Unlock()
		}
	}
	a.On(TopicPeerAnnounce, record("a"))
	b.On(TopicPeerAnnounce, record("b"))

	a.Emit(TopicPeerAnnounce, PeerEvent{NodeID: "a"})

	assert.Equal(t, []string{"a:a", "b:a"}, got)
}

func TestHub_FamilyAndWildcardPatterns(t *testing.T) {
	hub := NewHub(nil)
	n := newNode(t, hub, "n")

	var family, all int
	n.On(TopicRegistryAll, func(Event) { family++ })
	n.On(Wildcard, func(Event) { all++ })

	n.Emit(TopicRegistryHeartbeat, RegistryEvent{NodeID: "x"})
	n.Emit(TopicRegistryExpired, RegistryEvent{NodeID: "x"})
	n.Emit(TopicPeerLeave, PeerEvent{NodeID: "x"})

	assert.Equal(t, 2, family)
	assert.Equal(t, 3, all)
}

func TestHub_OnceFiresExactlyOnce(t *testing.T) {
	hub := NewHub(nil)
	n := newNode(t, hub, "n")

	var fired atomic.Int32
	n.Once("reply", func(Event) { fired.Add(1) })

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n.Emit("reply", nil)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fired.Load())
}

func TestHub_OnceReentrantEmit(t *testing.T) {
	hub := NewHub(nil)
	n := newNode(t, hub, "n")

	calls := 0
	n.Once("ping", func(Event) {
		calls++
		n.Emit("ping", nil)
	})
	n.Emit("ping", nil)

	assert.Equal(t, 1, calls)
}

func TestHub_Off(t *testing.T) {
	hub := NewHub(nil)
	n := newNode(t, hub, "n")

	calls := 0
	sub := n.On("topic", func(Event) { calls++ })
	n.Emit("topic", nil)
	n.Off(sub)
	n.Off(sub)
	n.Emit("topic", nil)

	assert.Equal(t, 1, calls)
	assert.Equal(t, "topic", sub.Topic())
}

func TestHub_NodeCloseDropsSubscriptions(t *testing.T) {
	hub := NewHub(nil)
	a := newNode(t, hub, "a")
	b := newNode(t, hub, "b")

	calls := 0
	b.On("topic", func(Event) { calls++ })
	b.Close()
	b.Close()

	a.Emit("topic", nil)
	b.Emit("topic", nil)

	assert.Equal(t, 0, calls)
	assert.Equal(t, []string{"a"}, hub.Nodes())
}

func TestHub_HandlerPanicIsIsolated(t *testing.T) {
	hub := NewHub(nil)
	n := newNode(t, hub, "n")

	after := false
	n.On("topic", func(Event) { panic("boom") })
	n.On("topic", func(Event) { after = true })

	assert.NotPanics(t, func() { n.Emit("topic", nil) })
	assert.True(t, after)
}

func TestHub_CloseStopsDelivery(t *testing.T) {
	hub := NewHub(nil)
	n := newNode(t, hub, "n")

	calls := 0
	n.On("topic", func(Event) { calls++ })
	hub.Close()
	n.Emit("topic", nil)

	assert.Equal(t, 0, calls)
	_, err := hub.CreateNode("late")
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestRecorder_WaitFor(t *testing.T) {
	hub := NewHub(nil)
	rec, err := NewRecorder(hub, "rec")
	require.NoError(t, err)
	defer rec.Close()

	n := newNode(t, hub, "n")
	go func() {
		time.Sleep(10 * time.Millisecond)
		n.Emit(TopicAgentSpawn, AgentEvent{AgentID: "a"})
	}()

	events := rec.WaitFor(TopicAgentSpawn, 1, time.Second)
	require.Len(t, events, 1)
	assert.Equal(t, "a", events[0].Payload.(AgentEvent).AgentID)
	assert.Equal(t, 0, rec.Count(TopicAgentExit))
}

func TestFamily(t *testing.T) {
	assert.Equal(t, "peer", Family(TopicPeerAnnounce))
	assert.Equal(t, "plain", Family("plain"))
}
