package pnl

import (
	"sync"
	"time"

	"trading_arena/internal/core"
)

// DefaultTTL bounds staleness for cached replay results when the invalidation
// hook is bypassed (e.g. direct db edits).
const DefaultTTL = 2 * time.Second

type entry struct {
	stats       Stats
	lastTradeID int64
	at          time.Time
}

// Cache memoizes Replay results per player. An entry is valid only when the
// player's last trade id still matches and the entry is younger than the TTL.
// The engine invalidates the owning player's entry on every commit.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	clock   core.Clock
}

// NewCache builds a cache with the given TTL. A zero ttl falls back to
// DefaultTTL; a nil clock falls back to wall time.
func NewCache(ttl time.Duration, clock core.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = core.RealClock{}
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		clock:   clock,
	}
}

// Get returns the memoized stats for code when still valid against
// lastTradeID.
func (c *Cache) Get(code string, lastTradeID int64) (Stats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[code]
	if !ok {
		return Stats{}, false
	}
	if e.lastTradeID != lastTradeID || c.clock.Now().Sub(e.at) >= c.ttl {
		delete(c.entries, code)
		return Stats{}, false
	}
	return e.stats, true
}

// Put stores the stats computed at lastTradeID.
func (c *Cache) Put(code string, lastTradeID int64, s Stats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[code] = entry{stats: s, lastTradeID: lastTradeID, at: c.clock.Now()}
}

// Invalidate drops the entry for code.
func (c *Cache) Invalidate(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, code)
}
