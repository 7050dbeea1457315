package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

const (
	defaultEmbedCacheTTL  = time.Hour
	defaultEmbedCacheSize = 4096
)

type embedEntry struct {
	resp     *EmbedResponse
	cachedAt time.Time
}

// embedCache is a thread-safe TTL cache for embedding results, keyed by
// (model, text hash). Expired entries are cleaned up lazily on get; when the
// cache grows past its size bound a set drops all expired entries first.
type embedCache struct {
	mu      sync.RWMutex
	entries map[string]*embedEntry
	ttl     time.Duration
	maxSize int
}

func newEmbedCache(ttl time.Duration, maxSize int) *embedCache {
	return &embedCache{
		entries: make(map[string]*embedEntry),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

func embedKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return model + "\x00" + hex.EncodeToString(sum[:])
}

func (c *embedCache) get(model, text string) (*EmbedResponse, bool) {
	key := embedKey(model, text)

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Since(entry.cachedAt) > c.ttl {
		// Re-check under write lock: a concurrent set may have replaced the
		// entry with a fresh one.
		c.mu.Lock()
		if current, ok := c.entries[key]; ok && time.Since(current.cachedAt) > c.ttl {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}

	return entry.resp, true
}

func (c *embedCache) put(model, text string, resp *EmbedResponse) {
	key := embedKey(model, text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.maxSize {
		for k, e := range c.entries {
			if time.Since(e.cachedAt) > c.ttl {
				delete(c.entries, k)
			}
		}
		// Still full of live entries: drop the new one rather than evict.
		if len(c.entries) >= c.maxSize {
			return
		}
	}

	c.entries[key] = &embedEntry{resp: resp, cachedAt: time.Now()}
}
