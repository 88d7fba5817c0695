// Package feedback is the write side of the learning loop: it records
// served hits, caller-reported outcomes, and newly accepted generations.
// Reporting is optional; a pattern that never receives feedback simply
// keeps its last known success rate.
package feedback

import (
	"fmt"

	"modcache/internal/logging"
	"modcache/internal/pattern"
	"modcache/internal/store"
)

// Recorder applies usage and outcome feedback to the store.
type Recorder struct {
	store *store.Store
}

// New builds a recorder over the given store.
func New(st *store.Store) *Recorder {
	return &Recorder{store: st}
}

// RecordHit counts one served use of a pattern. The bump is a real
// mutation so the updated count propagates through sync.
func (r *Recorder) RecordHit(id string) error {
	p, err := r.store.Update(id, func(p *pattern.Pattern) {
		p.UseCount++
	})
	if err != nil {
		return fmt.Errorf("failed to record hit: %w", err)
	}
	logging.Feedback("Hit recorded for %s (useCount %d)", id, p.UseCount)
	return nil
}

// RecordOutcome counts one reported outcome for a pattern. Success rates
// move only through this call.
func (r *Recorder) RecordOutcome(id string, success bool) error {
	p, err := r.store.Update(id, func(p *pattern.Pattern) {
		if success {
			p.SuccessCount++
		} else {
			p.FailureCount++
		}
	})
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	logging.Feedback("Outcome %v recorded for %s (rate %.1f%%)", success, id, p.SuccessRate())
	return nil
}

// RecordNewPattern stores a freshly accepted generation as a new pattern
// and returns its id. The accepting caller is the first success, so the
// record starts at successCount 1.
func (r *Recorder) RecordNewPattern(sig pattern.Signature, cat pattern.Category, artifactText string, metadata map[string]string) (string, error) {
	// Terms stay non-nil so the exported record passes remote validation.
	if sig.Terms == nil {
		sig.Terms = []string{}
	}
	p := pattern.New(cat, sig, pattern.Artifact{Text: artifactText, Metadata: metadata})
	p.SuccessCount = 1

	if _, err := r.store.Upsert(p, store.OriginLocal); err != nil {
		return "", fmt.Errorf("failed to record new pattern: %w", err)
	}
	logging.Feedback("New pattern %s recorded in %s (%d terms)", p.ID, cat, len(sig.Terms))
	return p.ID, nil
}
