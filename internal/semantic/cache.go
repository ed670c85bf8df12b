package semantic

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// RangeKey identifies a cached analysis by the byte range it covers.
type RangeKey struct {
	Start int
	End   int
}

// SpanCache is the hot-path cache: bounded LRU keyed by byte range,
// invalidated whenever an edit touches a cached range.
type SpanCache struct {
	lru *lru.Cache[RangeKey, []Span]
}

func NewSpanCache(size int) (*SpanCache, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[RangeKey, []Span](size)
	if err != nil {
		return nil, err
	}
	return &SpanCache{lru: cache}, nil
}

func (c *SpanCache) Get(key RangeKey) ([]Span, bool) { return c.lru.Get(key) }

func (c *SpanCache) Put(key RangeKey, spans []Span) { c.lru.Add(key, spans) }

// Invalidate drops every cached range that intersects [start, end).
// Adjacent but non-overlapping ranges survive.
func (c *SpanCache) Invalidate(start, end int) int {
	removed := 0
	for _, key := range c.lru.Keys() {
		if key.Start < end && start < key.End {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

func (c *SpanCache) Len() int { return c.lru.Len() }

// resultEntry pairs a cached value with its expiry.
type resultEntry struct {
	spans   []Span
	expires time.Time
}

// ResultCache is the dedupe cache: keyed by content hash with a TTL, so
// identical content analyzed twice within the window is free. Expired
// entries go lazily on read and in bulk on the periodic sweep.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]resultEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewResultCache(ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ResultCache{
		entries: make(map[string]resultEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// HashContent returns the cache key for a content snapshot.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (c *ResultCache) Get(hash string) ([]Span, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[hash]
	if !ok {
		return nil, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, hash)
		return nil, false
	}
	return entry.spans, true
}

func (c *ResultCache) Put(hash string, spans []Span) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[hash] = resultEntry{spans: spans, expires: c.now().Add(c.ttl)}
}

// Sweep removes every expired entry and returns how many went.
func (c *ResultCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	removed := 0
	for hash, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, hash)
			removed++
		}
	}
	return removed
}

func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// StartSweeper sweeps on the given interval until ctx ends.
func (c *ResultCache) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}
