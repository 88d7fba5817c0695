package merge

import (
	"fmt"

	"modcache/internal/logging"
	"modcache/internal/metrics"
	"modcache/internal/store"
)

// Result summarizes what a batch application did.
type Result struct {
	New          int `json:"new"`
	Updated      int `json:"updated"`
	SkippedStale int `json:"skipped_stale"`
	Malformed    int `json:"malformed"`
}

// Reconciler folds remote batches into the local store.
type Reconciler struct {
	store *store.Store
	met   *metrics.Metrics
}

// NewReconciler builds a reconciler over the given store.
func NewReconciler(st *store.Store) *Reconciler {
	return &Reconciler{store: st, met: metrics.New()}
}

// Apply merges every record of the batch: absent ids are inserted, strictly
// newer records replace local ones wholesale, everything else is discarded
// as stale. Records failing validation are counted and skipped without
// aborting the batch. The store is persisted once at the end; applying the
// same batch again changes nothing.
func (r *Reconciler) Apply(b Batch) (Result, error) {
	timer := logging.StartTimer(logging.CategoryMerge, "Reconciler.Apply")
	defer timer.Stop()

	var res Result
	if err := b.Validate(); err != nil {
		return res, fmt.Errorf("failed to apply batch: %w", err)
	}

	logging.Merge("Applying batch %s from %s (%d records)", b.BatchID, b.Source, len(b.Patterns))
	for _, p := range b.Patterns {
		if err := p.Validate(); err != nil {
			res.Malformed++
			r.met.MergeRecords.WithLabelValues("malformed").Inc()
			logging.Get(logging.CategoryMerge).Warn("Skipping malformed record %q from %s: %v", p.ID, b.Source, err)
			continue
		}
		outcome, err := r.store.Upsert(p, store.OriginRemote)
		if err != nil {
			res.Malformed++
			r.met.MergeRecords.WithLabelValues("malformed").Inc()
			logging.Get(logging.CategoryMerge).Warn("Skipping record %q from %s: %v", p.ID, b.Source, err)
			continue
		}
		switch outcome {
		case store.UpsertInserted:
			res.New++
			r.met.MergeRecords.WithLabelValues("new").Inc()
		case store.UpsertReplaced:
			res.Updated++
			r.met.MergeRecords.WithLabelValues("updated").Inc()
		case store.UpsertStale:
			res.SkippedStale++
			r.met.MergeRecords.WithLabelValues("stale").Inc()
		}
	}

	logging.Merge("Batch %s applied: %d new, %d updated, %d stale, %d malformed",
		b.BatchID, res.New, res.Updated, res.SkippedStale, res.Malformed)

	if err := r.store.Persist(); err != nil {
		return res, fmt.Errorf("batch %s applied in memory only: %w", b.BatchID, err)
	}
	return res, nil
}

// ExportDirty wraps every unsynced local record in a fresh envelope stamped
// with this store's source name.
func (r *Reconciler) ExportDirty(source string) Batch {
	dirty := r.store.ExportDirty()
	b := NewBatch(source, dirty)
	logging.Merge("Exported %d dirty records as batch %s", len(dirty), b.BatchID)
	return b
}
