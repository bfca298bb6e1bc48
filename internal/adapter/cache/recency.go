package cache

import (
	"sync"

	"github.com/V4T54L/event-intake/internal/domain"
)

// RecencyCache is a bounded, in-memory mirror of stored events ordered by
// insertion, newest first. When full, the oldest entry is evicted.
//
// Entries live in a ring buffer: head is the oldest slot and the newest entry
// sits at (head+size-1) mod capacity.
type RecencyCache struct {
	mu       sync.RWMutex
	buf      []domain.Event
	head     int
	size     int
	evicted  uint64
	complete bool
}

// NewRecencyCache creates a cache that holds at most capacity events.
func NewRecencyCache(capacity int) *RecencyCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &RecencyCache{
		buf:      make([]domain.Event, capacity),
		complete: true,
	}
}

// InsertFront places an event ahead of every cached event.
func (c *RecencyCache) InsertFront(e domain.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insertLocked(e)
}

func (c *RecencyCache) insertLocked(e domain.Event) {
	capacity := len(c.buf)
	if c.size == capacity {
		c.buf[c.head] = e
		c.head = (c.head + 1) % capacity
		c.evicted++
		c.complete = false
		return
	}
	c.buf[(c.head+c.size)%capacity] = e
	c.size++
}

// Iterate returns a newest-first copy of the cached events.
func (c *RecencyCache) Iterate() []domain.Event {
	return c.Filter(nil, 0)
}

// Filter returns up to limit cached events matching pred, newest first.
// A nil pred matches everything and a limit <= 0 means no limit.
func (c *RecencyCache) Filter(pred func(domain.Event) bool, limit int) []domain.Event {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]domain.Event, 0, min(c.size, max(limit, 0)))
	for i := c.size - 1; i >= 0; i-- {
		e := c.buf[(c.head+i)%len(c.buf)]
		if pred != nil && !pred(e) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// RemoveWhere drops every cached event matching pred and returns how many
// were dropped. Relative order of the survivors is kept.
func (c *RecencyCache) RemoveWhere(pred func(domain.Event) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	capacity := len(c.buf)
	kept := make([]domain.Event, 0, c.size)
	for i := 0; i < c.size; i++ {
		e := c.buf[(c.head+i)%capacity]
		if !pred(e) {
			kept = append(kept, e)
		}
	}
	removed := c.size - len(kept)
	if removed == 0 {
		return 0
	}

	clear(c.buf)
	copy(c.buf, kept)
	c.head = 0
	c.size = len(kept)
	return removed
}

// Clear empties the cache and returns how many events it held. An empty
// store and an empty cache agree again, so the cache is complete afterwards.
func (c *RecencyCache) Clear() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.size
	clear(c.buf)
	c.head = 0
	c.size = 0
	c.complete = true
	return n
}

// Load replaces the cache content with events given newest first, e.g. a
// warm-up read from the durable store. complete reports whether events is
// the whole store.
func (c *RecencyCache) Load(events []domain.Event, complete bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(events) > len(c.buf) {
		events = events[:len(c.buf)]
		complete = false
	}
	clear(c.buf)
	c.head = 0
	c.size = len(events)
	for i, e := range events {
		c.buf[len(events)-1-i] = e
	}
	c.complete = complete
}

// Len returns the number of cached events.
func (c *RecencyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

// Cap returns the capacity of the cache.
func (c *RecencyCache) Cap() int {
	return len(c.buf)
}

// Evicted returns how many events were pushed out by capacity so far.
func (c *RecencyCache) Evicted() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.evicted
}

// Complete reports whether the cache holds every stored event, i.e. nothing
// was evicted and it was not warmed from a larger store.
func (c *RecencyCache) Complete() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.complete
}
