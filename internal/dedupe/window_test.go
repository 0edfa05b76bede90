// ABOUTME: Tests for the dedupe window: duplicate detection, expiry, size bound and sweeping.
// ABOUTME: Uses an injected clock so expiry is deterministic.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestWindow(t *testing.T, ttl time.Duration, maxSize int) (*Window, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	w := NewWindow(Options{TTL: ttl, MaxSize: maxSize, SweepInterval: time.Hour, Now: clock.Now})
	t.Cleanup(w.Close)
	return w, clock
}

func TestWindow_SeenReportsDuplicates(t *testing.T) {
	w, _ := newTestWindow(t, time.Minute, 10)

	assert.False(t, w.Seen("msg-1"), "first delivery is new")
	assert.True(t, w.Seen("msg-1"), "second delivery is a duplicate")
	assert.False(t, w.Seen("msg-2"))
	assert.True(t, w.Contains("msg-1"))
	assert.False(t, w.Contains("msg-3"))
}

func TestWindow_ExpiredIDIsNewAgain(t *testing.T) {
	w, clock := newTestWindow(t, time.Minute, 10)

	w.Seen("msg")
	clock.Advance(2 * time.Minute)

	assert.False(t, w.Contains("msg"))
	assert.False(t, w.Seen("msg"), "expired id counts as new")
	assert.True(t, w.Seen("msg"))
}

func TestWindow_EvictsOldestAtCapacity(t *testing.T) {
	w, _ := newTestWindow(t, time.Hour, 3)

	for i := range 4 {
		w.Seen(fmt.Sprintf("m%d", i))
	}

	assert.Equal(t, 3, w.Len())
	assert.False(t, w.Contains("m0"), "oldest evicted")
	assert.True(t, w.Contains("m3"))
}

func TestWindow_Sweep(t *testing.T) {
	w, clock := newTestWindow(t, time.Minute, 10)

	w.Seen("old-1")
	w.Seen("old-2")
	clock.Advance(90 * time.Second)
	w.Seen("fresh")

	assert.Equal(t, 2, w.Sweep())
	assert.Equal(t, 1, w.Len())
	assert.True(t, w.Contains("fresh"))
}

func TestWindow_ConcurrentSeenAdmitsOnce(t *testing.T) {
	w, _ := newTestWindow(t, time.Minute, 100)

	var fresh atomic.Int32
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !w.Seen("same") {
				fresh.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh.Load())
}

func TestWindow_CloseIsIdempotent(t *testing.T) {
	w := NewWindow(Options{})
	w.Close()
	w.Close()
}
