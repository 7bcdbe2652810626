// Package statecache implements the state manager's bounded, TTL-governed
// cache of derived per-room views, backed by ristretto's cost-aware
// admission and eviction policy.
package statecache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/matrix-stateserver/stateserver/roomserver/roomstate"
)

// Config bounds the cache: MaxRooms and MaxEventsPerRoom together set
// ristretto's cost budget (MaxRooms*MaxEventsPerRoom), in which each room is
// charged one unit per state entry, so the number of rooms held is bounded
// by cost rather than counted; MaxEventsPerRoom also caps the cost charged
// for a single room's snapshot so that very large rooms can't alone exhaust
// the budget, and
// DefaultTTL is the time a cached entry remains valid absent an explicit
// invalidation.
type Config struct {
	MaxRooms         int64
	MaxEventsPerRoom int64
	DefaultTTL       time.Duration
}

// entry is the full derived view cached for one room. All of it shares a
// single cache lifetime: invalidating a room drops its snapshot, auth chain
// size and summary together, since they're all derived from the same state.
type entry struct {
	Snapshot  roomstate.RoomState
	AuthChain int
	Summary   roomstate.Summary
}

// Stats reports point-in-time cache counters, mirroring the introspection
// surface a cache operator would want for capacity planning.
type Stats struct {
	Hits        uint64
	Misses      uint64
	Evictions   uint64
	RoomsCached int
}

// Cache is a bounded, TTL-governed cache of per-room derived state views.
type Cache struct {
	cache  *ristretto.Cache
	ttl    time.Duration
	maxPer int64

	mu       sync.Mutex
	ttlByRoom map[string]time.Duration

	hits, misses, evictions uint64
}

// New constructs a Cache per cfg, falling back to sensible defaults for any
// zero-valued field.
func New(cfg Config) (*Cache, error) {
	maxRooms := cfg.MaxRooms
	if maxRooms <= 0 {
		maxRooms = 10000
	}
	maxPer := cfg.MaxEventsPerRoom
	if maxPer <= 0 {
		maxPer = 10000
	}
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = time.Hour
	}

	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxRooms * 10,
		MaxCost:     maxRooms * maxPer,
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{
		cache:     rc,
		ttl:       ttl,
		maxPer:    maxPer,
		ttlByRoom: map[string]time.Duration{},
	}, nil
}

func (c *Cache) ttlFor(roomID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if override, ok := c.ttlByRoom[roomID]; ok {
		return lesserOf(override, c.ttl)
	}
	return c.ttl
}

func lesserOf(x, max time.Duration) time.Duration {
	if x <= 0 || x > max {
		return max
	}
	return x
}

// SetRoomTTL overrides the TTL used for a specific room's cache entries,
// capped at the cache's configured default.
func (c *Cache) SetRoomTTL(roomID string, ttl time.Duration) {
	c.mu.Lock()
	c.ttlByRoom[roomID] = ttl
	c.mu.Unlock()
}

// Set stores snapshot as the current derived view for roomID, costed by the
// number of state entries it holds (capped at the configured per-room
// maximum so one oversized room cannot single-handedly exhaust the budget).
func (c *Cache) Set(roomID string, snapshot roomstate.RoomState, authChainSize int) {
	cost := int64(snapshot.Len())
	if cost > c.maxPer {
		cost = c.maxPer
	}
	if cost < 1 {
		cost = 1
	}
	e := entry{
		Snapshot:  snapshot,
		AuthChain: authChainSize,
		Summary:   snapshot.Summarize(roomID),
	}
	c.cache.SetWithTTL(roomID, e, cost, c.ttlFor(roomID))
	c.cache.Wait()
}

// Get returns the cached snapshot for roomID, if present and unexpired.
func (c *Cache) Get(roomID string) (roomstate.RoomState, bool) {
	v, ok := c.cache.Get(roomID)
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		cacheMisses.Inc()
		return roomstate.RoomState{}, false
	}
	atomic.AddUint64(&c.hits, 1)
	cacheHits.Inc()
	return v.(entry).Snapshot, true
}

// Summary returns the cached derived summary for roomID, if present.
func (c *Cache) Summary(roomID string) (roomstate.Summary, bool) {
	v, ok := c.cache.Get(roomID)
	if !ok {
		atomic.AddUint64(&c.misses, 1)
		return roomstate.Summary{}, false
	}
	atomic.AddUint64(&c.hits, 1)
	return v.(entry).Summary, true
}

// Invalidate drops every cached view for roomID.
func (c *Cache) Invalidate(roomID string) {
	c.cache.Del(roomID)
	atomic.AddUint64(&c.evictions, 1)
	cacheEvictions.Inc()
}

// Stats returns a snapshot of the cache's hit/miss/eviction counters.
func (c *Cache) Stats() Stats {
	m := c.cache.Metrics
	var roomsCached int
	if m != nil {
		roomsCached = int(m.KeysAdded() - m.KeysEvicted())
	}
	return Stats{
		Hits:        atomic.LoadUint64(&c.hits),
		Misses:      atomic.LoadUint64(&c.misses),
		Evictions:   atomic.LoadUint64(&c.evictions),
		RoomsCached: roomsCached,
	}
}

// Close releases the underlying ristretto cache's background goroutines.
func (c *Cache) Close() {
	c.cache.Close()
}
