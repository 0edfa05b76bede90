// ABOUTME: Bounded, time-windowed set of message IDs used to drop duplicate peer deliveries.
// ABOUTME: Oldest IDs are evicted first; a sweeper removes IDs older than the window.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// Defaults applied by NewWindow for zero options.
const (
	DefaultTTL           = 5 * time.Minute
	DefaultMaxSize       = 10000
	DefaultSweepInterval = time.Minute
)

// Options configures a Window.
type Options struct {
	TTL           time.Duration
	MaxSize       int
	SweepInterval time.Duration
	Now           func() time.Time
}

type entry struct {
	at   time.Time
	elem *list.Element
}

// Window tracks IDs seen within the last TTL, holding at most MaxSize of them.
type Window struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // oldest at front
	opts    Options
	done    chan struct{}
	closed  bool
}

// NewWindow starts a Window and its background sweeper.
func NewWindow(opts Options) *Window {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	w := &Window{
		entries: make(map[string]*entry),
		order:   list.New(),
		opts:    opts,
		done:    make(chan struct{}),
	}
	go w.sweepLoop()
	return w
}

// Seen records id and reports whether it was already present within the
// window. Check and record happen under one lock.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.opts.Now()
	if e, ok := w.entries[id]; ok {
		if now.Sub(e.at) < w.opts.TTL {
			return true
		}
		e.at = now
		w.order.MoveToBack(e.elem)
		return false
	}

	if len(w.entries) >= w.opts.MaxSize {
		w.evictOldest()
	}
	w.entries[id] = &entry{at: now, elem: w.order.PushBack(id)}
	return false
}

// Contains reports whether id is within the window without recording it.
func (w *Window) Contains(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	e, ok := w.entries[id]
	return ok && w.opts.Now().Sub(e.at) < w.opts.TTL
}

// Len returns the number of tracked IDs, expired or not.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

func (w *Window) evictOldest() {
	front := w.order.Front()
	if front == nil {
		return
	}
	id, _ := front.Value.(string)
	w.order.Remove(front)
	delete(w.entries, id)
}

func (w *Window) sweepLoop() {
	ticker := time.NewTicker(w.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Sweep()
		case <-w.done:
			return
		}
	}
}

// Sweep drops every ID older than the window and returns how many it removed.
func (w *Window) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.opts.Now()
	removed := 0
	// Entries are ordered by last record time, so stop at the first fresh one.
	for front := w.order.Front(); front != nil; front = w.order.Front() {
		id, _ := front.Value.(string)
		if now.Sub(w.entries[id].at) < w.opts.TTL {
			break
		}
		w.order.Remove(front)
		delete(w.entries, id)
		removed++
	}
	return removed
}

// Close stops the sweeper. It is safe to call multiple times.
func (w *Window) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		close(w.done)
		w.closed = true
	}
}
