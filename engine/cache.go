package engine

import (
	"sync"
	"time"

	"github.com/google/cel-go/cel"
)

// ProgramCache holds compiled filter programs keyed by expression and
// custom-variable signature.
type ProgramCache interface {
	// Get returns the cached entry, or false on a miss or an expired entry
	Get(key string) (CompiledFilter, bool)

	Set(key string, entry CompiledFilter)

	// Invalidate drops every entry, e.g. after rules were edited
	Invalidate()

	Len() int
}

// CompiledFilter is a cache entry. Err is set for expressions that failed to
// compile so they are not recompiled on every event.
type CompiledFilter struct {
	Program cel.Program
	Err     error
}

// CacheConfig controls program cache expiry.
type CacheConfig struct {
	// TTL is the lifetime of an entry; 0 keeps entries until Invalidate.
	TTL time.Duration

	// MaxEntries bounds the cache; when reached the cache is emptied. 0 is
	// unbounded.
	MaxEntries int
}

func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL:        10 * time.Minute,
		MaxEntries: 4096,
	}
}

type cacheEntry struct {
	compiled CompiledFilter
	cachedAt time.Time
}

// InMemoryProgramCache is a mutex-guarded map implementation of ProgramCache.
type InMemoryProgramCache struct {
	entries map[string]cacheEntry
	config  CacheConfig
	mu      sync.RWMutex
}

func NewInMemoryProgramCache(config CacheConfig) *InMemoryProgramCache {
	return &InMemoryProgramCache{
		entries: make(map[string]cacheEntry),
		config:  config,
	}
}

func (c *InMemoryProgramCache) Get(key string) (CompiledFilter, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return CompiledFilter{}, false
	}
	if c.config.TTL > 0 && time.Since(e.cachedAt) > c.config.TTL {
		return CompiledFilter{}, false
	}
	return e.compiled, true
}

func (c *InMemoryProgramCache) Set(key string, entry CompiledFilter) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.config.MaxEntries > 0 && len(c.entries) >= c.config.MaxEntries {
		if _, exists := c.entries[key]; !exists {
			c.entries = make(map[string]cacheEntry)
		}
	}
	c.entries[key] = cacheEntry{compiled: entry, cachedAt: time.Now()}
}

func (c *InMemoryProgramCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]cacheEntry)
}

func (c *InMemoryProgramCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
