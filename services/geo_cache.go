package services

import (
	"hash/fnv"
	"sync"
	"time"
)

type geoCacheEntry struct {
	value     GeoInfo
	expiresAt time.Time
}

type geoCacheShard struct {
	mu    sync.Mutex
	items map[string]geoCacheEntry
}

// geoCache is a sharded TTL cache. Each shard holds at most
// maxEntries/len(shards) items; an overfull shard first drops expired entries
// and then arbitrary ones.
type geoCache struct {
	shards   []geoCacheShard
	ttl      time.Duration
	perShard int
}

func newGeoCache(shards int, ttl time.Duration, maxEntries int) *geoCache {
	if shards <= 0 {
		shards = 16
	}
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	perShard := maxEntries / shards
	if perShard < 1 {
		perShard = 1
	}
	c := &geoCache{
		shards:   make([]geoCacheShard, shards),
		ttl:      ttl,
		perShard: perShard,
	}
	for i := range c.shards {
		c.shards[i].items = make(map[string]geoCacheEntry)
	}
	return c
}

func (c *geoCache) get(key string, now time.Time) (GeoInfo, bool) {
	if c == nil || key == "" {
		return GeoInfo{}, false
	}
	shard := &c.shards[c.shardIndex(key)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.items[key]
	if !ok {
		return GeoInfo{}, false
	}
	if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
		delete(shard.items, key)
		return GeoInfo{}, false
	}
	return entry.value, true
}

func (c *geoCache) set(key string, value GeoInfo, now time.Time) {
	if c == nil || key == "" {
		return
	}
	expiresAt := time.Time{}
	if c.ttl > 0 {
		expiresAt = now.Add(c.ttl)
	}

	shard := &c.shards[c.shardIndex(key)]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.items[key] = geoCacheEntry{value: value, expiresAt: expiresAt}
	if len(shard.items) > c.perShard {
		c.sweepLocked(shard, key, now)
	}
}

func (c *geoCache) sweepLocked(shard *geoCacheShard, keep string, now time.Time) {
	for key, entry := range shard.items {
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(shard.items, key)
		}
	}
	for key := range shard.items {
		if len(shard.items) <= c.perShard {
			return
		}
		if key != keep {
			delete(shard.items, key)
		}
	}
}

func (c *geoCache) len() int {
	n := 0
	for i := range c.shards {
		c.shards[i].mu.Lock()
		n += len(c.shards[i].items)
		c.shards[i].mu.Unlock()
	}
	return n
}

func (c *geoCache) shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(c.shards)))
}
