// Package match selects the best stored pattern for a normalized request.
// Matching never crosses categories and never mutates the store; for a
// given store snapshot the result is fully deterministic.
package match

import (
	"strings"

	"modcache/internal/logging"
	"modcache/internal/pattern"
	"modcache/internal/store"
)

// Config carries the two thresholds the matcher applies.
type Config struct {
	// AcceptanceThreshold is the minimum composite score, on a 0-1 scale,
	// for a candidate to count as a hit.
	AcceptanceThreshold float64

	// EvictionThreshold is the minimum success rate (percent) below which
	// a pattern is ineligible and skipped outright.
	EvictionThreshold float64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		AcceptanceThreshold: 0.6,
		EvictionThreshold:   40.0,
	}
}

// Matcher scores stored patterns against request signatures.
type Matcher struct {
	store *store.Store
	cfg   Config
}

// New builds a matcher over the given store.
func New(st *store.Store, cfg Config) *Matcher {
	if cfg.AcceptanceThreshold <= 0 {
		cfg.AcceptanceThreshold = DefaultConfig().AcceptanceThreshold
	}
	if cfg.EvictionThreshold <= 0 {
		cfg.EvictionThreshold = DefaultConfig().EvictionThreshold
	}
	return &Matcher{store: st, cfg: cfg}
}

// Match returns the best-scoring eligible pattern in the category, or
// (zero, false) when no candidate reaches the acceptance threshold. A miss
// is a normal outcome, not an error. Hit and miss are counted on the store.
func (m *Matcher) Match(sig pattern.Signature, cat pattern.Category) (pattern.Pattern, bool) {
	timer := logging.StartTimer(logging.CategoryMatch, "Matcher.Match")
	defer timer.Stop()

	reqTerms := termSet(sig.Terms)

	var (
		best      pattern.Pattern
		bestScore float64
		found     bool
	)
	for cand := range m.store.AllByCategory(cat) {
		if !cand.Eligible(m.cfg.EvictionThreshold) {
			continue
		}
		score := m.score(sig, reqTerms, cand.Signature)
		if !found || better(cand, score, best, bestScore) {
			best, bestScore, found = cand, score, true
		}
	}

	if !found || bestScore < m.cfg.AcceptanceThreshold {
		m.store.CountMiss()
		logging.Match("Miss in %s: best score %.2f below %.2f", cat, bestScore, m.cfg.AcceptanceThreshold)
		return pattern.Pattern{}, false
	}

	m.store.CountHit()
	logging.Match("Hit %s in %s: score %.2f useCount %d", best.ID, cat, bestScore, best.UseCount)
	return best, true
}

// Score exposes the composite score of a single candidate signature against
// a request signature, mainly for diagnostics.
func (m *Matcher) Score(req, cand pattern.Signature) float64 {
	return m.score(req, termSet(req.Terms), cand)
}

// score applies the hard tag filter, then term-set Jaccard similarity.
// Tag conflicts zero the candidate regardless of term overlap.
func (m *Matcher) score(req pattern.Signature, reqTerms map[string]struct{}, cand pattern.Signature) float64 {
	if tagsConflict(req, cand) {
		return 0
	}
	return jaccard(reqTerms, termSet(cand.Terms))
}

// better orders candidates: higher score, then higher success rate, then
// higher use count, then most recent modification, then smallest id. The
// order is total, so the winner is unique.
func better(cand pattern.Pattern, score float64, best pattern.Pattern, bestScore float64) bool {
	if score != bestScore {
		return score > bestScore
	}
	if cr, br := cand.SuccessRate(), best.SuccessRate(); cr != br {
		return cr > br
	}
	if cand.UseCount != best.UseCount {
		return cand.UseCount > best.UseCount
	}
	if !cand.LastModified.Equal(best.LastModified) {
		return cand.LastModified.After(best.LastModified)
	}
	return cand.ID < best.ID
}

// tagsConflict reports whether any structured tag is set on both sides with
// differing values. Comparison is case-insensitive; an empty tag matches
// anything.
func tagsConflict(req, cand pattern.Signature) bool {
	return tagConflict(req.Loader, cand.Loader) ||
		tagConflict(req.GameVersion, cand.GameVersion) ||
		tagConflict(req.Language, cand.Language)
}

func tagConflict(a, b string) bool {
	return a != "" && b != "" && !strings.EqualFold(a, b)
}

// jaccard computes intersection over union of two term sets. An empty set
// scores 0, not 1, so that tag agreement alone can never produce a hit.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for t := range small {
		if _, ok := large[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func termSet(terms []string) map[string]struct{} {
	set := make(map[string]struct{}, len(terms))
	for _, t := range terms {
		set[t] = struct{}{}
	}
	return set
}
