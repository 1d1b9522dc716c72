// Package cache implements the bounded least-recently-used store that keeps
// the most recent chat messages in memory.
package cache

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Entry is one slot of the cache. Slots are overwritten in place on
// eviction and are never individually deleted.
type Entry struct {
	Fingerprint string
	Sender      string
	Content     string
	CreatedAt   time.Time
	LastAccess  time.Time
	AccessCount int
	Valid       bool
}

// Stats is a point-in-time view of the cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	HitRate   float64
	Size      int
	Capacity  int
}

// Option configures a MessageCache.
type Option func(*MessageCache)

// WithClock overrides the time source used for access timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *MessageCache) {
		c.now = now
	}
}

// MessageCache is a fixed-capacity LRU keyed by sender+timestamp
// fingerprints. Writers take the exclusive lock; Lookup and the getters
// share it, so the hit and miss counters are atomics.
type MessageCache struct {
	mu        sync.RWMutex
	slots     []Entry
	index     map[string]int
	size      int
	capacity  int
	evictions uint64
	now       func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New returns an empty cache holding at most capacity entries.
func New(capacity int, opts ...Option) (*MessageCache, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidConfig, capacity)
	}

	c := &MessageCache{
		slots:    make([]Entry, capacity),
		index:    make(map[string]int, capacity),
		capacity: capacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fingerprint builds the cache key for a message.
func Fingerprint(sender string, timestamp int64) string {
	return sender + "_" + strconv.FormatInt(timestamp, 10)
}

// Insert stores a message. It returns false without touching the cache when
// an entry with the same fingerprint is already live.
func (c *MessageCache) Insert(sender, content string, timestamp int64) bool {
	fp := Fingerprint(sender, timestamp)

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.index[fp]; exists {
		return false
	}

	var slot int
	if c.size < c.capacity {
		slot = c.size
		c.size++
	} else {
		slot = c.lruSlot()
		if old := c.slots[slot]; old.Valid {
			delete(c.index, old.Fingerprint)
		}
		c.evictions++
	}

	now := c.now()
	c.slots[slot] = Entry{
		Fingerprint: fp,
		Sender:      sender,
		Content:     content,
		CreatedAt:   now,
		LastAccess:  now,
		AccessCount: 1,
		Valid:       true,
	}
	c.index[fp] = slot
	return true
}

// lruSlot picks the valid slot with the oldest access time, lowest index
// first on ties. Caller holds the write lock.
func (c *MessageCache) lruSlot() int {
	victim := -1
	for i := 0; i < c.size; i++ {
		if !c.slots[i].Valid {
			continue
		}
		if victim < 0 || c.slots[i].LastAccess.Before(c.slots[victim].LastAccess) {
			victim = i
		}
	}
	if victim < 0 {
		return 0
	}
	return victim
}

// Lookup returns the content stored under fp. It counts a hit or a miss but
// does not refresh recency; see UpdateAccess.
func (c *MessageCache) Lookup(fp string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if slot, ok := c.index[fp]; ok && c.slots[slot].Valid {
		c.hits.Add(1)
		return c.slots[slot].Content, true
	}
	c.misses.Add(1)
	return "", false
}

// UpdateAccess marks fp as recently used. It reports whether the entry exists.
func (c *MessageCache) UpdateAccess(fp string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	slot, ok := c.index[fp]
	if !ok || !c.slots[slot].Valid {
		return false
	}
	c.slots[slot].LastAccess = c.now()
	c.slots[slot].AccessCount++
	return true
}

// Entry returns a copy of the entry stored under fp without touching the
// hit/miss counters or recency.
func (c *MessageCache) Entry(fp string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	slot, ok := c.index[fp]
	if !ok || !c.slots[slot].Valid {
		return Entry{}, false
	}
	return c.slots[slot], true
}

// Clear drops every entry and resets the counters.
func (c *MessageCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.slots {
		c.slots[i] = Entry{}
	}
	c.index = make(map[string]int, c.capacity)
	c.size = 0
	c.evictions = 0
	c.hits.Store(0)
	c.misses.Store(0)
}

func (c *MessageCache) Hits() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits.Load()
}

func (c *MessageCache) Misses() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.misses.Load()
}

// HitRate returns hits/(hits+misses) as a percentage, or 0 before any lookup.
func (c *MessageCache) HitRate() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return hitRate(c.hits.Load(), c.misses.Load())
}

func (c *MessageCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.size
}

func (c *MessageCache) Capacity() int {
	return c.capacity
}

// Stats returns all counters under a single read lock.
func (c *MessageCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hits, misses := c.hits.Load(), c.misses.Load()
	return Stats{
		Hits:      hits,
		Misses:    misses,
		Evictions: c.evictions,
		HitRate:   hitRate(hits, misses),
		Size:      c.size,
		Capacity:  c.capacity,
	}
}

func hitRate(hits, misses uint64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}
