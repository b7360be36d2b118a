package runloop

import "sync"

// cacheEntryLimit caps the stored textual form of a tool result.
const cacheEntryLimit = 1000

const truncationSuffix = "...(truncated)"

// ToolResultCache maps tool-invocation IDs to a truncated textual form of
// their results, in invocation order. It exists to support "reuse the last
// tool result as final output"; it is append-only during a run and discarded
// with it. Finish-tool results are never recorded.
type ToolResultCache struct {
	mu      sync.Mutex
	order   []string
	entries map[string]string
}

// NewToolResultCache creates an empty cache.
func NewToolResultCache() *ToolResultCache {
	return &ToolResultCache{entries: make(map[string]string)}
}

// Put records a result under the invocation id, truncating it to the cache's
// entry limit.
func (c *ToolResultCache) Put(id, text string) {
	if len(text) > cacheEntryLimit {
		text = text[:cacheEntryLimit] + truncationSuffix
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[id]; !exists {
		c.order = append(c.order, id)
	}
	c.entries[id] = text
}

// Get returns the cached result for an invocation id.
func (c *ToolResultCache) Get(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	text, ok := c.entries[id]
	return text, ok
}

// Last returns the most recently recorded result across the whole run.
func (c *ToolResultCache) Last() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.order) == 0 {
		return "", false
	}
	return c.entries[c.order[len(c.order)-1]], true
}

// Len returns the number of cached results.
func (c *ToolResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
