// Package hotcache fronts the matcher with a short-lived response cache so
// repeated identical requests skip the candidate scan entirely. The TTL is
// deliberately short: eligibility changes driven by feedback must take
// effect within minutes, not for as long as an entry happens to stay warm.
package hotcache

import (
	"context"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/viccon/sturdyc"

	"modcache/internal/metrics"
	"modcache/internal/pattern"
)

// Entry is a served response: the artifact text plus the pattern that
// produced it, so callers can still report feedback on cache hits.
type Entry struct {
	PatternID string
	Text      string
}

// Config sizes the cache. Capacity 0 disables it entirely.
type Config struct {
	Capacity           int
	Shards             int
	TTL                time.Duration
	EvictionPercentage int
}

// DefaultConfig returns the standard sizing.
func DefaultConfig() Config {
	return Config{
		Capacity:           1000,
		Shards:             64,
		TTL:                2 * time.Minute,
		EvictionPercentage: 10,
	}
}

// Cache is a sharded, stampede-protected response cache keyed by request
// fingerprint.
type Cache struct {
	client *sturdyc.Client[Entry]
	met    *metrics.Metrics
}

// New builds the cache. A non-positive capacity returns a disabled cache
// whose GetOrCompute always runs the fetch function.
func New(cfg Config) *Cache {
	if cfg.Capacity <= 0 {
		return &Cache{}
	}
	def := DefaultConfig()
	if cfg.Shards <= 0 {
		cfg.Shards = def.Shards
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.EvictionPercentage <= 0 || cfg.EvictionPercentage > 100 {
		cfg.EvictionPercentage = def.EvictionPercentage
	}
	return &Cache{
		client: sturdyc.New[Entry](cfg.Capacity, cfg.Shards, cfg.TTL, cfg.EvictionPercentage),
		met:    metrics.New(),
	}
}

// Enabled reports whether the cache stores anything.
func (c *Cache) Enabled() bool {
	return c.client != nil
}

// Key derives the cache key for a categorized signature. The signature's
// canonical form is order-independent, so equivalent requests share a key.
func Key(cat pattern.Category, sig pattern.Signature) string {
	return strconv.FormatUint(xxhash.Sum64String(string(cat)+"\n"+sig.Canonical()), 16)
}

// GetOrCompute returns the cached entry for the request, or runs fetch and
// caches its result. The bool reports whether the entry came from the
// cache. A fetch error is returned uncached, so a pattern recorded right
// after a miss is servable immediately.
func (c *Cache) GetOrCompute(ctx context.Context, cat pattern.Category, sig pattern.Signature, fetch func(ctx context.Context) (Entry, error)) (Entry, bool, error) {
	if c.client == nil {
		e, err := fetch(ctx)
		return e, false, err
	}

	fetched := false
	e, err := c.client.GetOrFetch(ctx, Key(cat, sig), func(ctx context.Context) (Entry, error) {
		fetched = true
		return fetch(ctx)
	})
	if err != nil {
		return Entry{}, false, err
	}
	if fetched {
		c.met.HotCacheMisses.Inc()
		return e, false, nil
	}
	c.met.HotCacheHits.Inc()
	return e, true, nil
}

// Invalidate drops the cached response for a request, used when feedback
// makes a served artifact suspect before its TTL runs out.
func (c *Cache) Invalidate(cat pattern.Category, sig pattern.Signature) {
	if c.client == nil {
		return
	}
	c.client.Delete(Key(cat, sig))
}

// Size returns the number of live entries.
func (c *Cache) Size() int {
	if c.client == nil {
		return 0
	}
	return c.client.Size()
}
