package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/hyperjump/fednlp/internal/metrics"
	"github.com/hyperjump/fednlp/internal/worker"
)

const releaseTimeout = 10 * time.Second

// instance is a live subpipeline on a host.
type instance struct {
	Host string
	ID   string
}

// subpipelineCache maps (host, component names) to live instances. Evicted instances, by
// size, TTL or purge, are released on their host.
type subpipelineCache struct {
	lru *expirable.LRU[uint64, instance]
}

func newSubpipelineCache(size int, ttl time.Duration, dir worker.Directory, logger *zap.Logger, m *metrics.Metrics) *subpipelineCache {
	onEvict := func(_ uint64, inst instance) {
		m.CacheEvicted()
		peer, err := dir.Peer(inst.Host)
		if err != nil {
			logger.Warn("release subpipeline", zap.String("host", inst.Host), zap.Error(err))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if err := peer.Release(ctx, inst.ID); err != nil {
			logger.Warn("release subpipeline", zap.String("host", inst.Host), zap.String("id", inst.ID), zap.Error(err))
		}
	}
	return &subpipelineCache{lru: expirable.NewLRU[uint64, instance](size, onEvict, ttl)}
}

// cacheKey hashes the host followed by the component names in order.
func cacheKey(host string, names []string) uint64 {
	return xxhash.Sum64String(host + "\x00" + strings.Join(names, "\x00"))
}

// get returns the instance under key. A hit re-adds the entry so its TTL counts from the
// last use rather than from creation.
func (c *subpipelineCache) get(key uint64) (instance, bool) {
	inst, ok := c.lru.Get(key)
	if ok {
		c.lru.Add(key, inst)
	}
	return inst, ok
}

func (c *subpipelineCache) add(key uint64, inst instance) {
	c.lru.Add(key, inst)
}

func (c *subpipelineCache) len() int {
	return c.lru.Len()
}

func (c *subpipelineCache) purge() {
	c.lru.Purge()
}
