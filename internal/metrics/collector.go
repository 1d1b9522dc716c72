// Package metrics aggregates server counters for status replies, the ops
// endpoint and Prometheus scraping.
package metrics

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/relaychat/internal/cache"
)

// Sources supplies the gauges the collector does not own. Any nil source
// reads as zero.
type Sources struct {
	Cache         func() cache.Stats
	ActiveClients func() int
	ActiveWorkers func() int
	PageFaults    func() (PageFaults, error)
}

// PageFaults holds process page-fault counts.
type PageFaults struct {
	Minor uint64 `json:"minor"`
	Major uint64 `json:"major"`
}

// Snapshot is a consistent copy of every metric.
type Snapshot struct {
	MessagesSent     uint64     `json:"messages_sent"`
	MessagesReceived uint64     `json:"messages_received"`
	ActiveClients    int        `json:"active_clients"`
	ActiveWorkers    int        `json:"active_workers"`
	CacheHits        uint64     `json:"cache_hits"`
	CacheMisses      uint64     `json:"cache_misses"`
	CacheEvictions   uint64     `json:"cache_evictions"`
	CacheHitRate     float64    `json:"cache_hit_rate"`
	CacheSize        int        `json:"cache_size"`
	CacheCapacity    int        `json:"cache_capacity"`
	PageFaults       PageFaults `json:"page_faults"`
	TakenAt          time.Time  `json:"taken_at"`
}

// Collector holds the shared counters behind one mutex.
type Collector struct {
	mu       sync.Mutex
	snap     Snapshot
	sources  Sources
	now      func() time.Time
	promDesc descriptors
}

// NewCollector returns a collector reading gauges from src.
func NewCollector(src Sources) *Collector {
	return &Collector{
		sources:  src,
		now:      time.Now,
		promDesc: newDescriptors(),
	}
}

// AddSent records n delivered messages.
func (c *Collector) AddSent(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.snap.MessagesSent += uint64(n)
	c.mu.Unlock()
}

// MessageReceived records one inbound message.
func (c *Collector) MessageReceived() {
	c.mu.Lock()
	c.snap.MessagesReceived++
	c.mu.Unlock()
}

// Snapshot refreshes the gauges from their sources and returns a copy of
// every metric. Sources are read before the collector lock is taken, so a
// source may itself call AddSent without deadlocking.
func (c *Collector) Snapshot() Snapshot {
	var (
		cs      cache.Stats
		clients int
		workers int
		faults  PageFaults
	)
	if c.sources.Cache != nil {
		cs = c.sources.Cache()
	}
	if c.sources.ActiveClients != nil {
		clients = c.sources.ActiveClients()
	}
	if c.sources.ActiveWorkers != nil {
		workers = c.sources.ActiveWorkers()
	}
	if c.sources.PageFaults != nil {
		if pf, err := c.sources.PageFaults(); err == nil {
			faults = pf
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.snap.CacheHits = cs.Hits
	c.snap.CacheMisses = cs.Misses
	c.snap.CacheEvictions = cs.Evictions
	c.snap.CacheHitRate = cs.HitRate
	c.snap.CacheSize = cs.Size
	c.snap.CacheCapacity = cs.Capacity
	c.snap.ActiveClients = clients
	c.snap.ActiveWorkers = workers
	c.snap.PageFaults = faults
	c.snap.TakenAt = c.now()
	return c.snap
}

// Format renders the snapshot as the plain-text status report.
func (s Snapshot) Format() string {
	var b strings.Builder
	b.WriteString("\n=== SERVER STATISTICS ===\n")
	fmt.Fprintf(&b, "Messages Sent:     %d\n", s.MessagesSent)
	fmt.Fprintf(&b, "Messages Received: %d\n", s.MessagesReceived)
	fmt.Fprintf(&b, "Active Clients:    %d\n", s.ActiveClients)
	fmt.Fprintf(&b, "Active Workers:    %d\n", s.ActiveWorkers)
	fmt.Fprintf(&b, "Cache Hits:        %d\n", s.CacheHits)
	fmt.Fprintf(&b, "Cache Misses:      %d\n", s.CacheMisses)
	fmt.Fprintf(&b, "Cache Hit Rate:    %.2f%%\n", s.CacheHitRate)
	fmt.Fprintf(&b, "Cache Size:        %d/%d\n", s.CacheSize, s.CacheCapacity)
	fmt.Fprintf(&b, "Page Faults:       minor %d, major %d\n", s.PageFaults.Minor, s.PageFaults.Major)
	b.WriteString("=========================")
	return b.String()
}
