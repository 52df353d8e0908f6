package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/upb/llm-gateway/services/providers"
)

// memoryEntry represents a single cache entry with TTL
type memoryEntry struct {
	fingerprint string
	resp        providers.CompletionResponse
	insertedAt  time.Time
	element     *list.Element
}

func (e *memoryEntry) isExpired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(e.insertedAt) > ttl
}

// MemoryCache is an in-process LRU cache with TTL
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	lruList *list.List
	maxSize int
	ttl     time.Duration
	now     func() time.Time
	hits    uint64
	misses  uint64
}

// Stats represents cache statistics
type Stats struct {
	Size    int     `json:"size"`
	MaxSize int     `json:"max_size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// NewMemoryCache creates a cache holding at most maxSize entries for ttl each.
// A non-positive ttl keeps entries until evicted.
func NewMemoryCache(maxSize int, ttl time.Duration) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &MemoryCache{
		entries: make(map[string]*memoryEntry),
		lruList: list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get implements ResponseCache. The returned response is a copy.
func (c *MemoryCache) Get(_ context.Context, fingerprint string) (*providers.CompletionResponse, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[fingerprint]
	if !exists || entry.isExpired(c.now(), c.ttl) {
		c.misses++
		if exists {
			c.removeEntry(fingerprint)
		}
		return nil, false, nil
	}

	c.lruList.MoveToFront(entry.element)
	c.hits++

	resp := entry.resp
	return &resp, true, nil
}

// Put implements ResponseCache
func (c *MemoryCache) Put(_ context.Context, fingerprint string, resp *providers.CompletionResponse) error {
	if resp == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, exists := c.entries[fingerprint]; exists {
		entry.resp = *resp
		entry.insertedAt = c.now()
		c.lruList.MoveToFront(entry.element)
		return nil
	}

	if c.lruList.Len() >= c.maxSize {
		c.evictLRU()
	}

	entry := &memoryEntry{
		fingerprint: fingerprint,
		resp:        *resp,
		insertedAt:  c.now(),
	}
	entry.element = c.lruList.PushFront(fingerprint)
	c.entries[fingerprint] = entry
	return nil
}

// Clear implements Clearer. Hit and miss counters are kept.
func (c *MemoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*memoryEntry)
	c.lruList.Init()
	return nil
}

// Stats returns cache statistics
func (c *MemoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{
		Size:    c.lruList.Len(),
		MaxSize: c.maxSize,
		Hits:    c.hits,
		Misses:  c.misses,
	}
	if total := c.hits + c.misses; total > 0 {
		stats.HitRate = float64(c.hits) / float64(total)
	}
	return stats
}

// CleanupExpired removes all expired entries and returns how many were removed
func (c *MemoryCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for fp, entry := range c.entries {
		if entry.isExpired(now, c.ttl) {
			c.removeEntry(fp)
			removed++
		}
	}
	return removed
}

// StartCleanupWorker removes expired entries every interval until ctx is done
func (c *MemoryCache) StartCleanupWorker(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-ctx.Done():
			return
		}
	}
}

// must be called with lock held
func (c *MemoryCache) removeEntry(fingerprint string) {
	if entry, exists := c.entries[fingerprint]; exists {
		c.lruList.Remove(entry.element)
		delete(c.entries, fingerprint)
	}
}

// must be called with lock held
func (c *MemoryCache) evictLRU() {
	back := c.lruList.Back()
	if back == nil {
		return
	}
	fp := back.Value.(string)
	c.lruList.Remove(back)
	delete(c.entries, fp)
}
