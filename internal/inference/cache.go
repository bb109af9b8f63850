package inference

import (
	"container/list"
	"crypto/sha256"
	"sync"
	"sync/atomic"
)

// prefixCache tracks recently seen system prompts so the backend's KV
// prefix reuse keeps paying off. Keyed by prompt hash, evicted LRU.
type prefixCache struct {
	mu     sync.Mutex
	cap    int
	ll     *list.List
	items  map[[32]byte]*list.Element
	hits   atomic.Uint64
	misses atomic.Uint64
}

func newPrefixCache(capacity int) *prefixCache {
	return &prefixCache{
		cap:   capacity,
		ll:    list.New(),
		items: map[[32]byte]*list.Element{},
	}
}

// touch records a use of the system prompt and reports whether its prefix
// was already warm.
func (c *prefixCache) touch(system string) bool {
	if system == "" {
		return false
	}
	key := sha256.Sum256([]byte(system))

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.ll.MoveToFront(el)
		c.hits.Add(1)
		return true
	}
	c.misses.Add(1)
	el := c.ll.PushFront(key)
	c.items[key] = el
	for c.ll.Len() > c.cap {
		back := c.ll.Back()
		c.ll.Remove(back)
		delete(c.items, back.Value.([32]byte))
	}
	return false
}

func (c *prefixCache) stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}
