package feedback

import (
	"errors"
	"path/filepath"
	"testing"

	"modcache/internal/pattern"
	"modcache/internal/store"
)

func newTestRecorder(t *testing.T) (*Recorder, *store.Store) {
	t.Helper()
	s := store.New(filepath.Join(t.TempDir(), "patterns.db"))
	t.Cleanup(func() { s.Close() })
	return New(s), s
}

func TestRecordNewPattern(t *testing.T) {
	r, s := newTestRecorder(t)

	sig := pattern.Signature{Terms: []string{"amethyst", "geode"}, Loader: "fabric"}
	id, err := r.RecordNewPattern(sig, pattern.CategoryCodeGeneration, "geode feature", map[string]string{"difficulty": "medium"})
	if err != nil {
		t.Fatalf("RecordNewPattern() error = %v", err)
	}
	if want := pattern.ID(pattern.CategoryCodeGeneration, sig); id != want {
		t.Errorf("id = %s, want derived %s", id, want)
	}

	p, err := s.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.SuccessCount != 1 || p.FailureCount != 0 || p.UseCount != 0 {
		t.Errorf("counters = %d/%d/%d, want 1/0/0", p.SuccessCount, p.FailureCount, p.UseCount)
	}
	if p.SuccessRate() != 100 {
		t.Errorf("SuccessRate() = %v, want 100", p.SuccessRate())
	}
	if !p.Dirty {
		t.Error("new pattern should be dirty")
	}
	if p.Artifact.Metadata["difficulty"] != "medium" {
		t.Errorf("metadata = %v, want difficulty:medium", p.Artifact.Metadata)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("recorded pattern fails validation: %v", err)
	}
}

func TestRecordNewPatternNilTerms(t *testing.T) {
	r, s := newTestRecorder(t)

	id, err := r.RecordNewPattern(pattern.Signature{}, pattern.CategoryDocumentation, "doc", nil)
	if err != nil {
		t.Fatalf("RecordNewPattern() error = %v", err)
	}
	p, _ := s.Get(id)
	if p.Signature.Terms == nil {
		t.Error("Terms should be normalized to an empty slice")
	}
}

func TestRecordNewPatternBadCategory(t *testing.T) {
	r, _ := newTestRecorder(t)
	if _, err := r.RecordNewPattern(pattern.Signature{Terms: []string{"x"}}, "bogus", "text", nil); err == nil {
		t.Error("RecordNewPattern() with unknown category should fail")
	}
}

func TestRecordHit(t *testing.T) {
	r, s := newTestRecorder(t)

	id, _ := r.RecordNewPattern(pattern.Signature{Terms: []string{"villager"}}, pattern.CategoryIdeaGeneration, "idea", nil)
	before, _ := s.Get(id)

	if err := r.RecordHit(id); err != nil {
		t.Fatalf("RecordHit() error = %v", err)
	}
	if err := r.RecordHit(id); err != nil {
		t.Fatalf("RecordHit() error = %v", err)
	}

	after, _ := s.Get(id)
	if after.UseCount != 2 {
		t.Errorf("UseCount = %d, want 2", after.UseCount)
	}
	if !after.LastModified.After(before.LastModified) {
		t.Error("RecordHit should advance LastModified")
	}
	if !after.Dirty {
		t.Error("RecordHit should leave the record dirty")
	}
}

func TestRecordOutcome(t *testing.T) {
	r, s := newTestRecorder(t)

	id, _ := r.RecordNewPattern(pattern.Signature{Terms: []string{"enchant"}}, pattern.CategoryErrorFix, "fix", nil)

	// Fresh record: 1 success, 0 failures. One failure halves the rate.
	if err := r.RecordOutcome(id, false); err != nil {
		t.Fatalf("RecordOutcome() error = %v", err)
	}
	p, _ := s.Get(id)
	if p.SuccessRate() != 50 {
		t.Errorf("SuccessRate() after one failure = %v, want 50", p.SuccessRate())
	}

	if err := r.RecordOutcome(id, true); err != nil {
		t.Fatalf("RecordOutcome() error = %v", err)
	}
	p, _ = s.Get(id)
	if p.SuccessCount != 2 || p.FailureCount != 1 {
		t.Errorf("counters = %d/%d, want 2/1", p.SuccessCount, p.FailureCount)
	}
}

func TestRecordAgainstUnknownID(t *testing.T) {
	r, _ := newTestRecorder(t)

	if err := r.RecordHit("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("RecordHit() error = %v, want ErrNotFound", err)
	}
	if err := r.RecordOutcome("missing", true); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("RecordOutcome() error = %v, want ErrNotFound", err)
	}
}

func TestRelearnReplacesArtifact(t *testing.T) {
	r, s := newTestRecorder(t)

	sig := pattern.Signature{Terms: []string{"boss", "bar"}}
	id, _ := r.RecordNewPattern(sig, pattern.CategoryFeatureAddition, "first attempt", nil)
	r.RecordOutcome(id, false)
	r.RecordOutcome(id, false)

	// Re-recording the same request replaces the artifact and restarts the
	// statistics; the old failures belonged to the old artifact.
	id2, err := r.RecordNewPattern(sig, pattern.CategoryFeatureAddition, "second attempt", nil)
	if err != nil {
		t.Fatalf("RecordNewPattern() error = %v", err)
	}
	if id2 != id {
		t.Fatalf("relearned id = %s, want same %s", id2, id)
	}
	p, _ := s.Get(id)
	if p.Artifact.Text != "second attempt" {
		t.Errorf("Artifact.Text = %q, want replacement", p.Artifact.Text)
	}
	if p.SuccessCount != 1 || p.FailureCount != 0 {
		t.Errorf("counters = %d/%d, want fresh 1/0", p.SuccessCount, p.FailureCount)
	}
}
