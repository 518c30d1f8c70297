package vocab

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// VectorCache fronts a slower VectorSource with an LRU of recent lookups, misses included.
type VectorCache struct {
	source VectorSource
	cache  *lru.Cache[string, cachedVector]
}

type cachedVector struct {
	vec []float32
	ok  bool
}

// NewVectorCache wraps source with a cache of the given capacity.
func NewVectorCache(source VectorSource, capacity int) (*VectorCache, error) {
	if capacity <= 0 {
		capacity = 10000
	}
	c, err := lru.New[string, cachedVector](capacity)
	if err != nil {
		return nil, err
	}
	return &VectorCache{source: source, cache: c}, nil
}

// Dimensions returns the dimension of the wrapped source.
func (c *VectorCache) Dimensions() int {
	return c.source.Dimensions()
}

// Lookup returns the cached vector for word, consulting the source on a miss.
func (c *VectorCache) Lookup(word string) ([]float32, bool) {
	if v, ok := c.cache.Get(word); ok {
		return v.vec, v.ok
	}
	vec, ok := c.source.Lookup(word)
	c.cache.Add(word, cachedVector{vec: vec, ok: ok})
	return vec, ok
}

// Len returns the number of cached entries.
func (c *VectorCache) Len() int {
	return c.cache.Len()
}

// Purge drops every cached entry.
func (c *VectorCache) Purge() {
	c.cache.Purge()
}
