package cache

import (
	"hash/fnv"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// RenderCache holds rendered response bodies (XMLTV guides, M3U exports)
// so repeated DVR metadata polls do not re-render the same snapshot. Cost
// is the body length; entries expire on the configured TTL and are keyed by
// station plus the snapshot's publish time, so a republished snapshot
// naturally misses and re-renders.
type RenderCache struct {
	cache    *ristretto.Cache[uint64, string]
	duration time.Duration
	enabled  bool
}

// NewRenderCache builds the ristretto-backed cache. A disabled cache still
// works, it just never stores anything.
func NewRenderCache(duration time.Duration, enabled bool) *RenderCache {
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, string]{
		NumCounters: 1000,
		MaxCost:     100 << 20,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}

	return &RenderCache{
		cache:    cache,
		duration: duration,
		enabled:  enabled,
	}
}

// Get returns a cached rendered body for the key
func (rc *RenderCache) Get(key string) (string, bool) {
	if !rc.enabled {
		return "", false
	}
	return rc.cache.Get(hashKey(key))
}

// Set stores a rendered body under the key with the configured TTL
func (rc *RenderCache) Set(key, value string) {
	if !rc.enabled {
		return
	}
	rc.cache.SetWithTTL(hashKey(key), value, int64(len(value)), rc.duration)
}

// Close releases the cache's internal goroutines
func (rc *RenderCache) Close() {
	rc.cache.Close()
}

// hashKey maps string keys onto ristretto's uint64 key space
func hashKey(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}
