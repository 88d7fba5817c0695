// Package store owns every pattern record. The in-memory index is the
// authority; SQLite trails behind it through a single background flusher so
// that lookups and mutations never block on disk.
package store

import (
	"database/sql"
	"fmt"
	"iter"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"modcache/internal/logging"
	"modcache/internal/metrics"
	"modcache/internal/pattern"
)

// Origin tells Upsert whether a record was produced by this process or
// arrived from a remote store. Local writes get stamped and marked dirty;
// remote records are preserved wholesale.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

// UpsertOutcome reports what an Upsert did.
type UpsertOutcome int

const (
	UpsertInserted UpsertOutcome = iota
	UpsertReplaced
	UpsertStale
)

const (
	defaultFlushInterval     = 500 * time.Millisecond
	defaultFlushBatchSize    = 64
	defaultEvictionThreshold = 40.0
)

// Store is the concurrent pattern index plus its SQLite shadow.
// All methods are safe for concurrent use. Mutations on the same id are
// linearizable; across ids no ordering is guaranteed.
type Store struct {
	patterns *xsync.MapOf[string, *pattern.Pattern]

	dbPath  string
	db      *sql.DB
	openErr error

	fl *flusher

	now            func() time.Time
	flushInterval  time.Duration
	flushBatchSize int
	evictThreshold float64

	hits     atomic.Int64
	misses   atomic.Int64
	degraded atomic.Bool
	closed   atomic.Bool

	met *metrics.Metrics
}

// Option adjusts store construction.
type Option func(*Store)

// WithFlushInterval sets the debounce interval of the background flusher.
func WithFlushInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithFlushBatchSize sets how many pending mutations force a flush before
// the interval elapses.
func WithFlushBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.flushBatchSize = n
		}
	}
}

// WithEvictionThreshold sets the minimum success rate (percent) used by
// Stats and Prune to classify records as eligible.
func WithEvictionThreshold(v float64) Option {
	return func(s *Store) { s.evictThreshold = v }
}

// WithClock overrides the time source. Tests use it to drive LastModified.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a store backed by the SQLite database at path and starts the
// background flusher. A database that cannot be opened does not fail
// construction: the store runs degraded (memory only) and Persist/Load
// report ErrStorageUnavailable.
func New(path string, opts ...Option) *Store {
	s := &Store{
		patterns:       xsync.NewMapOf[string, *pattern.Pattern](),
		dbPath:         path,
		now:            time.Now,
		flushInterval:  defaultFlushInterval,
		flushBatchSize: defaultFlushBatchSize,
		evictThreshold: defaultEvictionThreshold,
		met:            metrics.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := openDB(path)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("Database unavailable, running degraded: %v", err)
		s.openErr = err
		s.setDegraded(true)
	} else {
		s.db = db
		s.setDegraded(false)
		logging.Store("Opened pattern database at %s", path)
	}

	s.fl = newFlusher(s, s.flushInterval, s.flushBatchSize)
	go s.fl.run()
	return s
}

// Get returns a copy of the pattern with the given id.
func (s *Store) Get(id string) (pattern.Pattern, error) {
	if p, ok := s.patterns.Load(id); ok {
		return p.Clone(), nil
	}
	return pattern.Pattern{}, fmt.Errorf("pattern %s: %w", id, ErrNotFound)
}

// Upsert inserts p, or replaces the stored record when the incoming
// LastModified is strictly newer; anything else is a stale no-op.
// Local origin stamps LastModified with the current time (strictly
// increasing per id) and sets Dirty; remote origin keeps the incoming
// record exactly as sent, timestamps and flags included.
func (s *Store) Upsert(p pattern.Pattern, origin Origin) (UpsertOutcome, error) {
	if p.ID == "" {
		return UpsertStale, fmt.Errorf("upsert: record has no id")
	}
	if !p.Category.Valid() {
		return UpsertStale, fmt.Errorf("upsert %s: %w: %q", p.ID, pattern.ErrUnknownCategory, p.Category)
	}

	outcome := UpsertStale
	var prevCat pattern.Category
	s.patterns.Compute(p.ID, func(old *pattern.Pattern, loaded bool) (*pattern.Pattern, bool) {
		in := p.Clone()
		if origin == OriginLocal {
			ts := s.now()
			if loaded && !ts.After(old.LastModified) {
				ts = old.LastModified.Add(time.Nanosecond)
			}
			in.LastModified = ts
			in.Dirty = true
			if in.CreatedAt.IsZero() {
				if loaded {
					in.CreatedAt = old.CreatedAt
				} else {
					in.CreatedAt = ts
				}
			}
		}
		if !loaded {
			outcome = UpsertInserted
			return &in, false
		}
		prevCat = old.Category
		if in.LastModified.After(old.LastModified) {
			outcome = UpsertReplaced
			return &in, false
		}
		outcome = UpsertStale
		return old, false
	})

	switch outcome {
	case UpsertInserted:
		s.met.Patterns.WithLabelValues(string(p.Category)).Inc()
		s.fl.markUpsert(p.ID)
		logging.StoreDebug("Inserted pattern %s (%s)", p.ID, p.Category)
	case UpsertReplaced:
		if prevCat != p.Category {
			s.met.Patterns.WithLabelValues(string(prevCat)).Dec()
			s.met.Patterns.WithLabelValues(string(p.Category)).Inc()
		}
		s.fl.markUpsert(p.ID)
		logging.StoreDebug("Replaced pattern %s (%s)", p.ID, p.Category)
	}
	return outcome, nil
}

// Update applies mutate to the pattern with the given id under per-id
// exclusive access, then stamps LastModified (strictly increasing) and sets
// Dirty. It returns a copy of the updated record. Counter bumps from
// concurrent callers are never lost.
func (s *Store) Update(id string, mutate func(*pattern.Pattern)) (pattern.Pattern, error) {
	var updated *pattern.Pattern
	s.patterns.Compute(id, func(old *pattern.Pattern, loaded bool) (*pattern.Pattern, bool) {
		if !loaded {
			return nil, true
		}
		next := old.Clone()
		mutate(&next)
		ts := s.now()
		if !ts.After(old.LastModified) {
			ts = old.LastModified.Add(time.Nanosecond)
		}
		next.LastModified = ts
		next.Dirty = true
		updated = &next
		return &next, false
	})
	if updated == nil {
		return pattern.Pattern{}, fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	s.fl.markUpsert(id)
	return updated.Clone(), nil
}

// AllByCategory returns a lazy, restartable sequence over every pattern in
// the category, eligible and ineligible alike. The id set is snapshotted up
// front; each yielded record is a fresh copy.
func (s *Store) AllByCategory(cat pattern.Category) iter.Seq[pattern.Pattern] {
	return func(yield func(pattern.Pattern) bool) {
		ids := s.idsWhere(func(p *pattern.Pattern) bool { return p.Category == cat })
		for _, id := range ids {
			if p, ok := s.patterns.Load(id); ok {
				if !yield(p.Clone()) {
					return
				}
			}
		}
	}
}

// All returns a lazy sequence over every stored pattern.
func (s *Store) All() iter.Seq[pattern.Pattern] {
	return func(yield func(pattern.Pattern) bool) {
		ids := s.idsWhere(func(*pattern.Pattern) bool { return true })
		for _, id := range ids {
			if p, ok := s.patterns.Load(id); ok {
				if !yield(p.Clone()) {
					return
				}
			}
		}
	}
}

func (s *Store) idsWhere(keep func(*pattern.Pattern) bool) []string {
	var ids []string
	s.patterns.Range(func(id string, p *pattern.Pattern) bool {
		if keep(p) {
			ids = append(ids, id)
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

// MarkClean clears the dirty flag on the given ids after a successful sync
// acknowledgment. No other field changes, LastModified included.
func (s *Store) MarkClean(ids ...string) {
	for _, id := range ids {
		cleaned := false
		s.patterns.Compute(id, func(old *pattern.Pattern, loaded bool) (*pattern.Pattern, bool) {
			if !loaded {
				return nil, true
			}
			if !old.Dirty {
				return old, false
			}
			next := old.Clone()
			next.Dirty = false
			cleaned = true
			return &next, false
		})
		if cleaned {
			s.fl.markUpsert(id)
		}
	}
}

// ExportDirty returns copies of every record with unsynced local changes,
// ordered by id.
func (s *Store) ExportDirty() []pattern.Pattern {
	var out []pattern.Pattern
	s.patterns.Range(func(_ string, p *pattern.Pattern) bool {
		if p.Dirty {
			out = append(out, p.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Delete removes a record. Administrative only; eviction never deletes.
func (s *Store) Delete(id string) error {
	p, ok := s.patterns.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	s.met.Patterns.WithLabelValues(string(p.Category)).Dec()
	s.fl.markDelete(id)
	logging.Store("Deleted pattern %s (%s)", id, p.Category)
	return nil
}

// Prune removes ineligible records (success rate below the eviction
// threshold, with at least one reported outcome), then trims the remainder
// to max records by dropping the oldest LastModified first. max <= 0 means
// no size cap. The surviving set is persisted before Prune returns.
func (s *Store) Prune(max int) (int, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Store.Prune")
	defer timer.Stop()

	var snapshot []pattern.Pattern
	s.patterns.Range(func(_ string, p *pattern.Pattern) bool {
		snapshot = append(snapshot, p.Clone())
		return true
	})

	removed := 0
	var survivors []pattern.Pattern
	for _, p := range snapshot {
		hasOutcome := p.SuccessCount+p.FailureCount > 0
		if hasOutcome && !p.Eligible(s.evictThreshold) {
			if s.Delete(p.ID) == nil {
				removed++
			}
			continue
		}
		survivors = append(survivors, p)
	}

	if max > 0 && len(survivors) > max {
		sort.Slice(survivors, func(i, j int) bool {
			if !survivors[i].LastModified.Equal(survivors[j].LastModified) {
				return survivors[i].LastModified.Before(survivors[j].LastModified)
			}
			return survivors[i].ID < survivors[j].ID
		})
		for _, p := range survivors[:len(survivors)-max] {
			if s.Delete(p.ID) == nil {
				removed++
			}
		}
	}

	logging.Store("Pruned %d patterns", removed)
	if err := s.Persist(); err != nil {
		return removed, err
	}
	return removed, nil
}

// CountHit records a served hit in the stats counters.
func (s *Store) CountHit() {
	s.hits.Add(1)
	s.met.Hits.Inc()
}

// CountMiss records a failed lookup in the stats counters.
func (s *Store) CountMiss() {
	s.misses.Add(1)
	s.met.Misses.Inc()
}

// Stats reports record counts, hit/miss counters, and the degraded flag.
func (s *Store) Stats() map[string]any {
	perCategory := make(map[string]int)
	total, eligible, dirty := 0, 0, 0
	s.patterns.Range(func(_ string, p *pattern.Pattern) bool {
		total++
		perCategory[string(p.Category)]++
		if p.Eligible(s.evictThreshold) {
			eligible++
		}
		if p.Dirty {
			dirty++
		}
		return true
	})
	return map[string]any{
		"patterns":   total,
		"categories": perCategory,
		"eligible":   eligible,
		"dirty":      dirty,
		"hits":       s.hits.Load(),
		"misses":     s.misses.Load(),
		"degraded":   s.degraded.Load(),
	}
}

// Persist forces a synchronous flush of the full record set through the
// single-writer path.
func (s *Store) Persist() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.fl.sync(); err != nil {
		return fmt.Errorf("failed to persist patterns: %w", err)
	}
	return nil
}

// Load restores records from the database. Pending mutations are flushed
// through the single-writer path first, so a row whose deletion is still
// queued cannot be read back; rows older than what memory already holds are
// discarded. Load is idempotent and safe to call on a live store. A missing
// or empty database yields an empty store.
func (s *Store) Load() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.storageErr(); err != nil {
		return fmt.Errorf("failed to load patterns: %w", err)
	}

	timer := logging.StartTimer(logging.CategoryStore, "Store.Load")
	defer timer.Stop()

	if err := s.fl.sync(); err != nil {
		return fmt.Errorf("failed to load patterns: %w", err)
	}

	records, err := s.readAll()
	if err != nil {
		s.setDegraded(true)
		return fmt.Errorf("failed to load patterns: %w: %v", ErrStorageUnavailable, err)
	}
	for _, p := range records {
		s.absorb(p)
	}
	s.refreshPatternGauge()
	logging.Store("Loaded %d patterns from %s", len(records), s.dbPath)
	return nil
}

// absorb folds a persisted record into memory, newest LastModified winning.
// Nothing is scheduled for flush: the record just came from disk.
func (s *Store) absorb(p pattern.Pattern) {
	s.patterns.Compute(p.ID, func(old *pattern.Pattern, loaded bool) (*pattern.Pattern, bool) {
		if loaded && !p.LastModified.After(old.LastModified) {
			return old, false
		}
		in := p.Clone()
		return &in, false
	})
}

// Degraded reports whether the backing database is currently unusable.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

func (s *Store) setDegraded(v bool) {
	s.degraded.Store(v)
	if v {
		s.met.Degraded.Set(1)
	} else {
		s.met.Degraded.Set(0)
	}
}

func (s *Store) refreshPatternGauge() {
	counts := make(map[pattern.Category]int)
	s.patterns.Range(func(_ string, p *pattern.Pattern) bool {
		counts[p.Category]++
		return true
	})
	for _, cat := range pattern.Categories() {
		s.met.Patterns.WithLabelValues(string(cat)).Set(float64(counts[cat]))
	}
}

// Close stops the flusher, writes whatever is still pending, and closes the
// database. Safe to call twice.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.fl.stop()
	var err error
	if s.db != nil {
		err = s.fl.flushPending()
		if cerr := s.db.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	logging.Store("Store closed")
	return nil
}

func (s *Store) storageErr() error {
	if s.db == nil {
		if s.openErr != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, s.openErr)
		}
		return ErrStorageUnavailable
	}
	return nil
}
