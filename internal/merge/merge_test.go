package merge

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"modcache/internal/pattern"
	"modcache/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s := store.New(filepath.Join(t.TempDir(), "patterns.db"))
	t.Cleanup(func() { s.Close() })
	return s
}

func remotePattern(term string, modified time.Time) pattern.Pattern {
	p := pattern.New(
		pattern.CategoryCodeGeneration,
		pattern.Signature{Terms: []string{term}},
		pattern.Artifact{Text: "artifact " + term},
	)
	p.SuccessCount = 2
	p.CreatedAt = modified.Add(-time.Hour)
	p.LastModified = modified
	return p
}

func batchOf(patterns ...pattern.Pattern) Batch {
	return NewBatch("peer-a", patterns)
}

func snapshot(s *store.Store) []pattern.Pattern {
	var out []pattern.Pattern
	for p := range s.All() {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func TestApplyInserts(t *testing.T) {
	s := newTestStore(t)
	r := NewReconciler(s)

	ts := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)
	a := remotePattern("creeper", ts)
	a.Dirty = true
	b := remotePattern("skeleton", ts)

	res, err := r.Apply(batchOf(a, b))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res != (Result{New: 2}) {
		t.Errorf("Apply() = %+v, want {New:2}", res)
	}

	got, err := s.Get(a.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	// Incoming records land verbatim: timestamps, counters, dirty flag.
	if !got.LastModified.Equal(a.LastModified) || got.SuccessCount != 2 || !got.Dirty {
		t.Errorf("record not preserved wholesale: %+v", got)
	}
}

func TestApplyLastModifiedPrecedence(t *testing.T) {
	s := newTestStore(t)
	r := NewReconciler(s)

	ts := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)
	local := remotePattern("zombie", ts)
	if _, err := r.Apply(batchOf(local)); err != nil {
		t.Fatalf("seed Apply() error = %v", err)
	}

	older := local
	older.Artifact.Text = "older artifact"
	older.LastModified = ts.Add(-time.Minute)
	newer := local
	newer.Artifact.Text = "newer artifact"
	newer.UseCount = 40
	newer.LastModified = ts.Add(time.Minute)

	res, err := r.Apply(batchOf(older, newer))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res != (Result{Updated: 1, SkippedStale: 1}) {
		t.Errorf("Apply() = %+v, want {Updated:1 SkippedStale:1}", res)
	}

	got, _ := s.Get(local.ID)
	if got.Artifact.Text != "newer artifact" || got.UseCount != 40 {
		t.Errorf("newer record did not win wholesale: %+v", got)
	}
}

func TestApplyIdempotent(t *testing.T) {
	s := newTestStore(t)
	r := NewReconciler(s)

	ts := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)
	b := batchOf(remotePattern("enderman", ts), remotePattern("blaze", ts))

	if _, err := r.Apply(b); err != nil {
		t.Fatalf("first Apply() error = %v", err)
	}
	before := snapshot(s)

	res, err := r.Apply(b)
	if err != nil {
		t.Fatalf("second Apply() error = %v", err)
	}
	if res.New != 0 || res.Updated != 0 {
		t.Errorf("second Apply() = %+v, want no new or updated records", res)
	}
	if res.SkippedStale != 2 {
		t.Errorf("SkippedStale = %d, want 2", res.SkippedStale)
	}
	if diff := cmp.Diff(before, snapshot(s)); diff != "" {
		t.Errorf("reapplication changed state (-before +after):\n%s", diff)
	}
}

func TestApplyCommutative(t *testing.T) {
	ts := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)

	shared := remotePattern("ghast", ts)
	sharedNewer := shared
	sharedNewer.Artifact.Text = "improved ghast"
	sharedNewer.LastModified = ts.Add(time.Hour)

	batchA := batchOf(shared, remotePattern("piglin", ts))
	batchB := batchOf(sharedNewer, remotePattern("strider", ts))

	s1 := newTestStore(t)
	r1 := NewReconciler(s1)
	if _, err := r1.Apply(batchA); err != nil {
		t.Fatalf("Apply(A) error = %v", err)
	}
	if _, err := r1.Apply(batchB); err != nil {
		t.Fatalf("Apply(B) error = %v", err)
	}

	s2 := newTestStore(t)
	r2 := NewReconciler(s2)
	if _, err := r2.Apply(batchB); err != nil {
		t.Fatalf("Apply(B) error = %v", err)
	}
	if _, err := r2.Apply(batchA); err != nil {
		t.Fatalf("Apply(A) error = %v", err)
	}

	if diff := cmp.Diff(snapshot(s1), snapshot(s2)); diff != "" {
		t.Errorf("A,B and B,A diverged (-AB +BA):\n%s", diff)
	}
}

func TestApplySkipsMalformed(t *testing.T) {
	s := newTestStore(t)
	r := NewReconciler(s)

	ts := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)
	good := remotePattern("warden", ts)

	noID := remotePattern("broken", ts)
	noID.ID = ""
	badCategory := remotePattern("also broken", ts)
	badCategory.Category = "party-planning"
	nilTerms := remotePattern("still broken", ts)
	nilTerms.Signature.Terms = nil

	res, err := r.Apply(batchOf(noID, good, badCategory, nilTerms))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res != (Result{New: 1, Malformed: 3}) {
		t.Errorf("Apply() = %+v, want {New:1 Malformed:3}", res)
	}
	if _, err := s.Get(good.ID); err != nil {
		t.Errorf("valid record was not applied: %v", err)
	}
}

func TestApplyRejectsBadEnvelope(t *testing.T) {
	s := newTestStore(t)
	r := NewReconciler(s)

	b := batchOf(remotePattern("silverfish", time.Now()))
	b.BatchID = "not-a-uuid"
	if _, err := r.Apply(b); err == nil {
		t.Error("Apply() with invalid envelope should fail")
	}
}

func TestApplyEmptyBatch(t *testing.T) {
	s := newTestStore(t)
	r := NewReconciler(s)

	res, err := r.Apply(batchOf())
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res != (Result{}) {
		t.Errorf("Apply() = %+v, want zero result", res)
	}
}

func TestExportDirty(t *testing.T) {
	s := newTestStore(t)
	r := NewReconciler(s)

	p := pattern.New(pattern.CategoryErrorFix,
		pattern.Signature{Terms: []string{"crash", "tick"}},
		pattern.Artifact{Text: "fix"})
	if _, err := s.Upsert(p, store.OriginLocal); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	b := r.ExportDirty("workstation-b")
	if err := b.Validate(); err != nil {
		t.Fatalf("exported envelope invalid: %v", err)
	}
	if b.Source != "workstation-b" {
		t.Errorf("Source = %q, want workstation-b", b.Source)
	}
	if err := uuid.Validate(b.BatchID); err != nil {
		t.Errorf("BatchID %q is not a uuid: %v", b.BatchID, err)
	}
	if len(b.Patterns) != 1 || b.Patterns[0].ID != p.ID {
		t.Errorf("Patterns = %d records, want the single dirty one", len(b.Patterns))
	}
	if err := b.Patterns[0].Validate(); err != nil {
		t.Errorf("exported record fails validation: %v", err)
	}
}

func TestBatchFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "batch.json")

	ts := time.Date(2025, 5, 10, 12, 30, 0, 0, time.UTC)
	want := batchOf(remotePattern("axolotl", ts))
	if err := want.WriteFile(path); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	// No temp file may linger after the rename.
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Errorf("directory has %d entries after write, want 1", len(entries))
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read batch: %v", err)
	}
	for _, key := range []string{`"batchId"`, `"exportedAt"`, `"source"`, `"patterns"`} {
		if !strings.Contains(string(raw), key) {
			t.Errorf("encoded batch missing %s key", key)
		}
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestReadFileErrors(t *testing.T) {
	if _, err := ReadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("ReadFile() on a missing file should fail")
	}

	bad := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(bad, []byte("{half a batch"), 0644); err != nil {
		t.Fatalf("write bad file: %v", err)
	}
	if _, err := ReadFile(bad); err == nil {
		t.Error("ReadFile() on malformed JSON should fail")
	}

	empty := filepath.Join(t.TempDir(), "empty.json")
	data, err := NewBatch("peer-a", nil).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := os.WriteFile(empty, data, 0644); err != nil {
		t.Fatalf("write empty batch: %v", err)
	}
	if _, err := ReadFile(empty); !errors.Is(err, ErrEmptyBatch) {
		t.Errorf("ReadFile() on an empty batch error = %v, want ErrEmptyBatch", err)
	}
}
