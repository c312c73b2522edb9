package embedding

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// Cache is a bounded LRU cache for embeddings, shared process-wide across all
// conversations and users. Entries are content-addressed: the key hashes the
// normalized text together with the model identifier, so identical text always
// maps to the same vector and the same text embedded by different models never
// collides. The cache is deliberately conversation-agnostic; freshness is a
// property of content, not of conversation lifecycle.
type Cache struct {
	capacity int
	entries  map[string]*list.Element
	lru      *list.List
	mu       sync.Mutex
}

type cacheEntry struct {
	key   string
	value []float32
}

// NewCache creates a cache holding at most capacity entries. Capacity is fixed
// for the life of the cache.
func NewCache(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 200
	}
	return &Cache{
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
	}
}

// Key returns the cache key for text under modelID: the model identifier plus
// a hash of the whitespace-normalized text.
func Key(modelID, text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return modelID + ":" + hex.EncodeToString(sum[:])
}

// Get returns the cached embedding for key and marks it most recently used.
func (c *Cache) Get(key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*cacheEntry).value, true
}

// Put stores the embedding for key, evicting the least recently used entry
// when at capacity.
func (c *Cache) Put(key string, value []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.lru.MoveToFront(elem)
		elem.Value.(*cacheEntry).value = value
		return
	}

	elem := c.lru.PushFront(&cacheEntry{key: key, value: value})
	c.entries[key] = elem

	if c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.entries, oldest.Value.(*cacheEntry).key)
		}
	}
}

// InvalidateAll clears the cache. Call when the embedding model configuration
// changes (a different model makes every cached vector meaningless) or after a
// bulk re-ingestion.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.lru.Init()
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
