// Package modcache is the public face of the pattern learning cache: one
// handle bundling the store, matcher, feedback recorder, merge reconciler,
// hot cache, and batch exchange, built from a single configuration.
package modcache

import (
	"fmt"
	"iter"

	"modcache/internal/config"
	"modcache/internal/exchange"
	"modcache/internal/feedback"
	"modcache/internal/fingerprint"
	"modcache/internal/hotcache"
	"modcache/internal/logging"
	"modcache/internal/match"
	"modcache/internal/merge"
	"modcache/internal/metrics"
	"modcache/internal/pattern"
	"modcache/internal/store"
	"modcache/internal/usage"
)

// Cache is the assembled pattern cache. All methods are safe for
// concurrent use.
type Cache struct {
	cfg *config.Config
	st  *store.Store
	m   *match.Matcher
	fb  *feedback.Recorder
	rc  *merge.Reconciler
	hot *hotcache.Cache
	use *usage.Tracker
}

// Open builds a cache from the configuration: opens or creates the backing
// database, restores persisted patterns, and starts the background flusher.
// A database that cannot be opened degrades to memory-only operation
// instead of failing; only an invalid configuration is an error.
func Open(cfg *config.Config) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st := store.New(cfg.DatabasePath(),
		store.WithFlushInterval(cfg.FlushInterval()),
		store.WithFlushBatchSize(cfg.Store.FlushBatchSize),
		store.WithEvictionThreshold(cfg.Matching.EvictionThreshold),
	)
	if err := st.Load(); err != nil {
		logging.Get(logging.CategoryStore).Warn("Running without persistence: %v", err)
	}

	use, err := usage.NewTracker(cfg.DataDir)
	if err != nil {
		logging.Get(logging.CategoryGeneral).Warn("Running without a usage ledger: %v", err)
		use = nil
	}

	return &Cache{
		cfg: cfg,
		st:  st,
		m: match.New(st, match.Config{
			AcceptanceThreshold: cfg.Matching.AcceptanceThreshold,
			EvictionThreshold:   cfg.Matching.EvictionThreshold,
		}),
		fb: feedback.New(st),
		rc: merge.NewReconciler(st),
		hot: hotcache.New(hotcache.Config{
			Capacity:           cfg.HotCache.Capacity,
			Shards:             cfg.HotCache.Shards,
			TTL:                cfg.HotCacheTTL(),
			EvictionPercentage: cfg.HotCache.EvictionPercentage,
		}),
		use: use,
	}, nil
}

// Normalize turns a raw request into its canonical signature.
func Normalize(req fingerprint.Request) pattern.Signature {
	return fingerprint.Normalize(req)
}

// Match returns the best qualifying pattern for the signature, or false on
// a miss. Never mutates stored patterns; the outcome lands in the usage
// ledger.
func (c *Cache) Match(sig pattern.Signature, cat pattern.Category) (pattern.Pattern, bool) {
	p, ok := c.m.Match(sig, cat)
	if ok {
		c.use.RecordHit(string(cat), metrics.EstimateTokens(p.Artifact.Text))
	} else {
		c.use.RecordMiss(string(cat))
	}
	return p, ok
}

// RecordHit counts one more serve of the pattern.
func (c *Cache) RecordHit(id string) error {
	return c.fb.RecordHit(id)
}

// RecordOutcome applies a success or failure report and drops the
// pattern's hot cache entry, so a record that just fell below the serving
// cutoff stops being served right away.
func (c *Cache) RecordOutcome(id string, success bool) error {
	if err := c.fb.RecordOutcome(id, success); err != nil {
		return err
	}
	if p, err := c.st.Get(id); err == nil {
		c.hot.Invalidate(p.Category, p.Signature)
	}
	return nil
}

// RecordNewPattern stores a freshly generated artifact under the derived
// pattern id and returns that id.
func (c *Cache) RecordNewPattern(sig pattern.Signature, cat pattern.Category, artifactText string, metadata map[string]string) (string, error) {
	c.use.RecordGeneration(string(cat))
	return c.fb.RecordNewPattern(sig, cat, artifactText, metadata)
}

// Merge applies a remote batch via last-modified-wins reconciliation.
func (c *Cache) Merge(b merge.Batch) (merge.Result, error) {
	return c.rc.Apply(b)
}

// MergeFile reads a batch file and applies it.
func (c *Cache) MergeFile(path string) (merge.Result, error) {
	b, err := merge.ReadFile(path)
	if err != nil {
		return merge.Result{}, err
	}
	return c.rc.Apply(b)
}

// ExportDirty wraps every unsynced record in a batch envelope stamped with
// this cache's source name. The records stay dirty until MarkClean.
func (c *Cache) ExportDirty() merge.Batch {
	return c.rc.ExportDirty(c.cfg.Exchange.SourceName)
}

// Export writes the dirty set to a new file in the outbox and returns its
// path and record count. Nothing dirty writes nothing.
func (c *Cache) Export() (string, int, error) {
	return exchange.NewExporter(c.st, c.cfg.OutboxPath(), c.cfg.Exchange.SourceName).Export()
}

// Ack confirms delivery of a previously exported batch file, marking its
// records clean.
func (c *Cache) Ack(path string) (int, error) {
	return exchange.AckFile(c.st, path)
}

// NewWatcher creates an inbox watcher feeding this cache. The caller owns
// Start and Stop.
func (c *Cache) NewWatcher() (*exchange.Watcher, error) {
	return exchange.NewWatcher(c.rc, c.cfg.InboxPath())
}

// MarkClean clears the dirty flag on the given records.
func (c *Cache) MarkClean(ids ...string) {
	c.st.MarkClean(ids...)
}

// Get returns a copy of the pattern, or store.ErrNotFound.
func (c *Cache) Get(id string) (pattern.Pattern, error) {
	return c.st.Get(id)
}

// List iterates copies of stored patterns, eligible and ineligible alike.
// An empty category lists everything.
func (c *Cache) List(cat pattern.Category) iter.Seq[pattern.Pattern] {
	if cat == "" {
		return c.st.All()
	}
	return c.st.AllByCategory(cat)
}

// Delete removes a record outright. Soft eviction never does this; Delete
// is the explicit administrative path. The hot cache entry goes with it so
// the artifact cannot be served past its deletion.
func (c *Cache) Delete(id string) error {
	p, err := c.st.Get(id)
	if err != nil {
		return err
	}
	if err := c.st.Delete(id); err != nil {
		return err
	}
	c.hot.Invalidate(p.Category, p.Signature)
	return nil
}

// Prune removes ineligible records and, when max > 0, trims the store to
// max records by oldest last-modified first. Returns how many went.
func (c *Cache) Prune(max int) (int, error) {
	return c.st.Prune(max)
}

// Stats reports store counters plus the hot cache size.
func (c *Cache) Stats() map[string]any {
	stats := c.st.Stats()
	stats["hot_cache_size"] = c.hot.Size()
	return stats
}

// Persist forces a synchronous flush of all records to the database.
func (c *Cache) Persist() error {
	return c.st.Persist()
}

// Load restores records from the database, newest-wins against memory.
func (c *Cache) Load() error {
	return c.st.Load()
}

// Degraded reports whether the cache is running memory-only because the
// backing database is unavailable.
func (c *Cache) Degraded() bool {
	return c.st.Degraded()
}

// Close saves the usage ledger, flushes pending writes, and shuts the
// cache down.
func (c *Cache) Close() error {
	if err := c.use.Save(); err != nil {
		logging.Get(logging.CategoryGeneral).Warn("Usage ledger not saved: %v", err)
	}
	return c.st.Close()
}

// Config returns the configuration the cache was opened with.
func (c *Cache) Config() *config.Config {
	return c.cfg
}

// Matcher exposes the matcher for composing higher-level flows.
func (c *Cache) Matcher() *match.Matcher {
	return c.m
}

// Recorder exposes the feedback recorder for composing higher-level flows.
func (c *Cache) Recorder() *feedback.Recorder {
	return c.fb
}

// HotCache exposes the hot response cache for composing higher-level flows.
func (c *Cache) HotCache() *hotcache.Cache {
	return c.hot
}

// Usage exposes the usage ledger. May be nil when the ledger could not be
// created; the Tracker methods tolerate that.
func (c *Cache) Usage() *usage.Tracker {
	return c.use
}
