package vecmem

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// EmbeddingCache memoizes embed() calls by input text, per the §10
// supplemented feature list. Backed by hashicorp/golang-lru/v2, the same
// eviction library the rest of the example pack reaches for when it needs a
// bounded, concurrency-safe cache rather than an unbounded map.
type EmbeddingCache struct {
	cache *lru.Cache[string, []float32]
}

// NewEmbeddingCache constructs a cache holding up to size entries.
func NewEmbeddingCache(size int) (*EmbeddingCache, error) {
	if size <= 0 {
		size = 4096
	}
	c, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &EmbeddingCache{cache: c}, nil
}

// Get returns a cached embedding for text, if present.
func (c *EmbeddingCache) Get(text string) ([]float32, bool) {
	return c.cache.Get(text)
}

// Put stores an embedding for text, evicting the least-recently-used entry
// if the cache is at capacity.
func (c *EmbeddingCache) Put(text string, embedding []float32) {
	c.cache.Add(text, embedding)
}

// Len reports the current number of cached entries.
func (c *EmbeddingCache) Len() int { return c.cache.Len() }
