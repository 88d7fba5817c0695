package store

import (
	"sync"
	"time"

	"modcache/internal/logging"
	"modcache/internal/pattern"
)

// flusher is the sole writer of the backing database. Mutations enqueue
// their ids here; the run loop debounces them and writes batches, so caller
// paths never block on disk.
type flusher struct {
	s        *Store
	interval time.Duration
	batch    int

	mu      sync.Mutex
	upserts map[string]struct{}
	deletes map[string]struct{}

	kick  chan struct{}
	syncc chan chan error
	stopc chan struct{}
	donec chan struct{}
}

func newFlusher(s *Store, interval time.Duration, batch int) *flusher {
	return &flusher{
		s:        s,
		interval: interval,
		batch:    batch,
		upserts:  make(map[string]struct{}),
		deletes:  make(map[string]struct{}),
		kick:     make(chan struct{}, 1),
		syncc:    make(chan chan error),
		stopc:    make(chan struct{}),
		donec:    make(chan struct{}),
	}
}

func (f *flusher) run() {
	defer close(f.donec)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := f.flushPending(); err != nil {
				logging.Get(logging.CategoryStore).Warn("Flush failed, will retry: %v", err)
			}
		case <-f.kick:
			if err := f.flushPending(); err != nil {
				logging.Get(logging.CategoryStore).Warn("Flush failed, will retry: %v", err)
			}
		case reply := <-f.syncc:
			reply <- f.flushAll()
		case <-f.stopc:
			return
		}
	}
}

func (f *flusher) stop() {
	close(f.stopc)
	<-f.donec
}

// sync asks the run loop for a synchronous full flush.
func (f *flusher) sync() error {
	reply := make(chan error, 1)
	select {
	case f.syncc <- reply:
		select {
		case err := <-reply:
			return err
		case <-f.donec:
			return ErrClosed
		}
	case <-f.donec:
		return ErrClosed
	}
}

// markUpsert schedules a record write. Reaching the batch size wakes the
// run loop before the interval elapses.
func (f *flusher) markUpsert(id string) {
	f.mu.Lock()
	f.upserts[id] = struct{}{}
	n := len(f.upserts) + len(f.deletes)
	f.mu.Unlock()
	if n >= f.batch {
		f.wake()
	}
}

// markDelete schedules a row deletion, superseding any pending write.
func (f *flusher) markDelete(id string) {
	f.mu.Lock()
	delete(f.upserts, id)
	f.deletes[id] = struct{}{}
	n := len(f.upserts) + len(f.deletes)
	f.mu.Unlock()
	if n >= f.batch {
		f.wake()
	}
}

func (f *flusher) wake() {
	select {
	case f.kick <- struct{}{}:
	default:
	}
}

func (f *flusher) take() (upserts, deletes map[string]struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	upserts, deletes = f.upserts, f.deletes
	f.upserts = make(map[string]struct{})
	f.deletes = make(map[string]struct{})
	return upserts, deletes
}

// requeue puts a failed batch back so the next tick retries it. Deletions
// recorded meanwhile win over requeued writes.
func (f *flusher) requeue(upserts, deletes map[string]struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range upserts {
		if _, gone := f.deletes[id]; !gone {
			f.upserts[id] = struct{}{}
		}
	}
	for id := range deletes {
		delete(f.upserts, id)
		f.deletes[id] = struct{}{}
	}
}

// flushPending writes only what changed since the last flush.
func (f *flusher) flushPending() error {
	upserts, deletes := f.take()
	if len(upserts) == 0 && len(deletes) == 0 {
		return nil
	}
	records := make([]pattern.Pattern, 0, len(upserts))
	for id := range upserts {
		if p, ok := f.s.patterns.Load(id); ok {
			records = append(records, p.Clone())
		}
	}
	return f.write(records, setToSlice(deletes), upserts, deletes)
}

// flushAll writes the complete in-memory set plus pending deletions.
func (f *flusher) flushAll() error {
	upserts, deletes := f.take()
	var records []pattern.Pattern
	f.s.patterns.Range(func(_ string, p *pattern.Pattern) bool {
		records = append(records, p.Clone())
		return true
	})
	return f.write(records, setToSlice(deletes), upserts, deletes)
}

func (f *flusher) write(records []pattern.Pattern, deleteIDs []string, upserts, deletes map[string]struct{}) error {
	if err := f.s.storageErr(); err != nil {
		f.requeue(upserts, deletes)
		f.s.setDegraded(true)
		return err
	}

	start := time.Now()
	if err := f.s.writeBatch(records, deleteIDs); err != nil {
		f.requeue(upserts, deletes)
		f.s.setDegraded(true)
		return err
	}
	f.s.setDegraded(false)
	f.s.met.Flushes.Inc()
	f.s.met.FlushDuration.Observe(time.Since(start).Seconds())
	logging.StoreDebug("Flushed %d records, %d deletions in %s", len(records), len(deleteIDs), time.Since(start))
	return nil
}

func setToSlice(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
