package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"modcache/internal/pattern"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "patterns.db"), opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

func mkPattern(term string) pattern.Pattern {
	return pattern.New(
		pattern.CategoryCodeGeneration,
		pattern.Signature{Terms: []string{term}},
		pattern.Artifact{Text: "artifact for " + term},
	)
}

func collect(seq func(func(pattern.Pattern) bool)) []pattern.Pattern {
	var out []pattern.Pattern
	seq(func(p pattern.Pattern) bool {
		out = append(out, p)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func TestGetAfterUpsert(t *testing.T) {
	s := newTestStore(t)

	p := mkPattern("furnace")
	if _, err := s.Upsert(p, OriginLocal); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	got, err := s.Get(p.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Artifact.Text != p.Artifact.Text {
		t.Errorf("Artifact.Text = %q, want %q", got.Artifact.Text, p.Artifact.Text)
	}
	if !got.Dirty {
		t.Error("local upsert should mark the record dirty")
	}
	if got.LastModified.IsZero() || got.CreatedAt.IsZero() {
		t.Error("local upsert should stamp timestamps")
	}

	// The caller owns the returned copy; mutating it must not leak back.
	got.Artifact.Text = "tampered"
	got.Signature.Terms[0] = "tampered"
	again, _ := s.Get(p.ID)
	if again.Artifact.Text == "tampered" || again.Signature.Terms[0] == "tampered" {
		t.Error("returned pattern aliases store-owned state")
	}
}

func TestGetUnknown(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get("no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestUpsertRejectsInvalid(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Upsert(pattern.Pattern{}, OriginLocal); err == nil {
		t.Error("Upsert() without id should fail")
	}
	bad := mkPattern("x")
	bad.Category = "nonsense"
	if _, err := s.Upsert(bad, OriginRemote); !errors.Is(err, pattern.ErrUnknownCategory) {
		t.Errorf("Upsert() error = %v, want ErrUnknownCategory", err)
	}
}

func TestUpsertLocalMonotonicTimestamps(t *testing.T) {
	frozen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return frozen }))

	p := mkPattern("smelting")
	if out, _ := s.Upsert(p, OriginLocal); out != UpsertInserted {
		t.Fatalf("first Upsert() = %v, want UpsertInserted", out)
	}
	first, _ := s.Get(p.ID)

	// The clock never advances, so the stamp must be bumped past the
	// stored one for the replace to win.
	if out, _ := s.Upsert(p, OriginLocal); out != UpsertReplaced {
		t.Fatalf("second Upsert() = %v, want UpsertReplaced", out)
	}
	second, _ := s.Get(p.ID)

	if !second.LastModified.After(first.LastModified) {
		t.Errorf("LastModified not strictly increasing: %v then %v",
			first.LastModified, second.LastModified)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on replace: %v then %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestUpsertRemote(t *testing.T) {
	s := newTestStore(t)

	base := mkPattern("portal")
	base.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	base.LastModified = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	base.SuccessCount = 3
	if out, err := s.Upsert(base, OriginRemote); err != nil || out != UpsertInserted {
		t.Fatalf("Upsert() = %v, %v; want UpsertInserted, nil", out, err)
	}

	got, _ := s.Get(base.ID)
	if got.Dirty {
		t.Error("remote upsert must not set dirty")
	}
	if !got.LastModified.Equal(base.LastModified) {
		t.Errorf("LastModified = %v, want incoming %v preserved", got.LastModified, base.LastModified)
	}

	stale := base
	stale.Artifact.Text = "older text"
	stale.LastModified = base.LastModified.Add(-time.Hour)
	if out, _ := s.Upsert(stale, OriginRemote); out != UpsertStale {
		t.Errorf("stale Upsert() = %v, want UpsertStale", out)
	}
	equalTS := base
	equalTS.Artifact.Text = "equal ts text"
	if out, _ := s.Upsert(equalTS, OriginRemote); out != UpsertStale {
		t.Errorf("equal-timestamp Upsert() = %v, want UpsertStale", out)
	}
	got, _ = s.Get(base.ID)
	if got.Artifact.Text != base.Artifact.Text {
		t.Errorf("stale upsert changed artifact to %q", got.Artifact.Text)
	}

	newer := base
	newer.Artifact.Text = "newer text"
	newer.SuccessCount = 9
	newer.Dirty = true
	newer.LastModified = base.LastModified.Add(time.Hour)
	if out, _ := s.Upsert(newer, OriginRemote); out != UpsertReplaced {
		t.Errorf("newer Upsert() = %v, want UpsertReplaced", out)
	}
	got, _ = s.Get(base.ID)
	if got.Artifact.Text != "newer text" || got.SuccessCount != 9 || !got.Dirty {
		t.Errorf("replacement not wholesale: %+v", got)
	}
}

func TestUpdateNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Update("missing", func(*pattern.Pattern) {}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update() error = %v, want ErrNotFound", err)
	}
}

func TestUpdateConcurrentIncrements(t *testing.T) {
	s := newTestStore(t)
	p := mkPattern("loot table")
	if _, err := s.Upsert(p, OriginLocal); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				if _, err := s.Update(p.ID, func(p *pattern.Pattern) {
					p.UseCount++
				}); err != nil {
					t.Errorf("Update() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, _ := s.Get(p.ID)
	if got.UseCount != workers*perWorker {
		t.Errorf("UseCount = %d, want %d (lost increments)", got.UseCount, workers*perWorker)
	}
}

func TestMarkClean(t *testing.T) {
	frozen := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, WithClock(func() time.Time { return frozen }))

	p := mkPattern("biome")
	s.Upsert(p, OriginLocal)
	before, _ := s.Get(p.ID)
	if !before.Dirty {
		t.Fatal("precondition: record should be dirty")
	}

	s.MarkClean(p.ID, "unknown-id-is-ignored")

	after, _ := s.Get(p.ID)
	if after.Dirty {
		t.Error("MarkClean did not clear dirty")
	}
	if !after.LastModified.Equal(before.LastModified) {
		t.Errorf("MarkClean changed LastModified: %v -> %v", before.LastModified, after.LastModified)
	}
	if after.UseCount != before.UseCount || after.SuccessCount != before.SuccessCount {
		t.Error("MarkClean altered counters")
	}
}

func TestExportDirty(t *testing.T) {
	s := newTestStore(t)

	a := mkPattern("anvil")
	b := mkPattern("beacon")
	c := mkPattern("conduit")
	s.Upsert(a, OriginLocal)
	s.Upsert(b, OriginLocal)
	c.LastModified = time.Now()
	s.Upsert(c, OriginRemote) // clean

	s.MarkClean(b.ID)

	dirty := s.ExportDirty()
	if len(dirty) != 1 || dirty[0].ID != a.ID {
		ids := make([]string, len(dirty))
		for i, p := range dirty {
			ids[i] = p.ID
		}
		t.Errorf("ExportDirty() ids = %v, want only %s", ids, a.ID)
	}
}

func TestAllByCategory(t *testing.T) {
	s := newTestStore(t)

	code := mkPattern("dispenser")
	s.Upsert(code, OriginLocal)
	doc := pattern.New(pattern.CategoryDocumentation,
		pattern.Signature{Terms: []string{"dispenser"}},
		pattern.Artifact{Text: "docs"})
	s.Upsert(doc, OriginLocal)

	got := collect(s.AllByCategory(pattern.CategoryCodeGeneration))
	if len(got) != 1 || got[0].ID != code.ID {
		t.Fatalf("AllByCategory() returned %d records, want the single code-generation one", len(got))
	}

	// Restartable: a second full pass sees the same records.
	again := collect(s.AllByCategory(pattern.CategoryCodeGeneration))
	if diff := cmp.Diff(got, again); diff != "" {
		t.Errorf("second iteration differs (-first +second):\n%s", diff)
	}

	// Early break must not panic or deadlock.
	for range s.AllByCategory(pattern.CategoryCodeGeneration) {
		break
	}

	if n := len(collect(s.All())); n != 2 {
		t.Errorf("All() yielded %d records, want 2", n)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)

	p := mkPattern("observer")
	s.Upsert(p, OriginLocal)
	if err := s.Delete(p.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Get(p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete = %v, want ErrNotFound", err)
	}
	if err := s.Delete(p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() = %v, want ErrNotFound", err)
	}
}

func TestPrune(t *testing.T) {
	s := newTestStore(t)

	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	add := func(term string, age time.Duration, success, failure int64) pattern.Pattern {
		p := mkPattern(term)
		p.SuccessCount = success
		p.FailureCount = failure
		p.CreatedAt = base
		p.LastModified = base.Add(age)
		if _, err := s.Upsert(p, OriginRemote); err != nil {
			t.Fatalf("Upsert(%s) error = %v", term, err)
		}
		return p
	}

	bad1 := add("failing recipe", 1*time.Hour, 1, 9)  // 10% success
	bad2 := add("failing block", 2*time.Hour, 0, 1)   // 0% success
	old := add("old entity", 3*time.Hour, 5, 0)       // eligible, oldest
	mid := add("middle entity", 4*time.Hour, 5, 0)    // eligible
	fresh := add("fresh entity", 5*time.Hour, 0, 0)   // no outcomes, optimistic

	removed, err := s.Prune(2)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 3 {
		t.Errorf("Prune() removed = %d, want 3", removed)
	}
	for _, gone := range []string{bad1.ID, bad2.ID, old.ID} {
		if _, err := s.Get(gone); !errors.Is(err, ErrNotFound) {
			t.Errorf("pattern %s should have been pruned", gone)
		}
	}
	for _, kept := range []string{mid.ID, fresh.ID} {
		if _, err := s.Get(kept); err != nil {
			t.Errorf("pattern %s should have survived: %v", kept, err)
		}
	}
}

func TestPruneNoCap(t *testing.T) {
	s := newTestStore(t)
	p := mkPattern("healthy")
	p.SuccessCount = 1
	s.Upsert(p, OriginLocal)

	removed, err := s.Prune(0)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 0 {
		t.Errorf("Prune(0) removed = %d, want 0", removed)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)

	good := mkPattern("good")
	s.Upsert(good, OriginLocal)
	bad := mkPattern("bad")
	bad.FailureCount = 5
	bad.LastModified = time.Now()
	s.Upsert(bad, OriginRemote)

	s.CountHit()
	s.CountHit()
	s.CountMiss()

	stats := s.Stats()
	if stats["patterns"] != 2 {
		t.Errorf("patterns = %v, want 2", stats["patterns"])
	}
	if stats["eligible"] != 1 {
		t.Errorf("eligible = %v, want 1", stats["eligible"])
	}
	if stats["dirty"] != 1 {
		t.Errorf("dirty = %v, want 1", stats["dirty"])
	}
	if stats["hits"] != int64(2) || stats["misses"] != int64(1) {
		t.Errorf("hits/misses = %v/%v, want 2/1", stats["hits"], stats["misses"])
	}
	if stats["degraded"] != false {
		t.Errorf("degraded = %v, want false", stats["degraded"])
	}
	cats := stats["categories"].(map[string]int)
	if cats["code-generation"] != 2 {
		t.Errorf("categories = %v, want code-generation:2", cats)
	}
}

func TestPersistAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.db")

	s1 := New(path, WithFlushInterval(time.Hour))
	a := mkPattern("elytra")
	a.Artifact.Metadata = map[string]string{"difficulty": "hard"}
	s1.Upsert(a, OriginLocal)
	b := pattern.New(pattern.CategoryErrorFix,
		pattern.Signature{Terms: []string{"null", "pointer"}, Loader: "fabric", GameVersion: "1.21", Language: "java"},
		pattern.Artifact{Text: "patch"})
	b.SuccessCount = 4
	b.FailureCount = 1
	b.UseCount = 7
	b.CreatedAt = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	b.LastModified = time.Date(2025, 2, 2, 3, 4, 5, 123456789, time.UTC)
	s1.Upsert(b, OriginRemote)

	want := collect(s1.All())
	if err := s1.Persist(); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2 := New(path, WithFlushInterval(time.Hour))
	defer s2.Close()
	if err := s2.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	got := collect(s2.All())
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}

	// Load is idempotent.
	if err := s2.Load(); err != nil {
		t.Fatalf("second Load() error = %v", err)
	}
	if diff := cmp.Diff(want, collect(s2.All())); diff != "" {
		t.Errorf("second Load changed state (-want +got):\n%s", diff)
	}
}

func TestLoadKeepsNewerMemoryState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.db")

	s1 := New(path, WithFlushInterval(time.Hour))
	p := mkPattern("respawn anchor")
	s1.Upsert(p, OriginLocal)
	if err := s1.Persist(); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	s1.Close()

	s2 := New(path, WithFlushInterval(time.Hour))
	defer s2.Close()
	if err := s2.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := s2.Update(p.ID, func(p *pattern.Pattern) { p.UseCount = 42 }); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	// Reloading the older row must not clobber the newer in-memory record.
	if err := s2.Load(); err != nil {
		t.Fatalf("reload error = %v", err)
	}
	got, _ := s2.Get(p.ID)
	if got.UseCount != 42 {
		t.Errorf("UseCount = %d after reload, want 42", got.UseCount)
	}
}

func TestLoadEmptyDatabase(t *testing.T) {
	s := newTestStore(t)
	if err := s.Load(); err != nil {
		t.Fatalf("Load() on empty database error = %v", err)
	}
	if n := len(collect(s.All())); n != 0 {
		t.Errorf("empty database yielded %d records", n)
	}
}

func TestCloseFlushesPending(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.db")

	s1 := New(path, WithFlushInterval(time.Hour))
	p := mkPattern("sculk sensor")
	s1.Upsert(p, OriginLocal)
	if err := s1.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2 := New(path)
	defer s2.Close()
	if err := s2.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := s2.Get(p.ID); err != nil {
		t.Errorf("record written before Close not found: %v", err)
	}
}

func TestDeleteReachesDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.db")

	s1 := New(path, WithFlushInterval(time.Hour))
	a := mkPattern("kept")
	b := mkPattern("dropped")
	s1.Upsert(a, OriginLocal)
	s1.Upsert(b, OriginLocal)
	if err := s1.Persist(); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if err := s1.Delete(b.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	s1.Close()

	s2 := New(path)
	defer s2.Close()
	if err := s2.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := s2.Get(a.ID); err != nil {
		t.Errorf("kept record missing: %v", err)
	}
	if _, err := s2.Get(b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted record still present: %v", err)
	}
}

func TestLoadDoesNotResurrectPendingDelete(t *testing.T) {
	s := newTestStore(t, WithFlushInterval(time.Hour))

	p := mkPattern("budding amethyst")
	if _, err := s.Upsert(p, OriginLocal); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := s.Persist(); err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if err := s.Delete(p.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	// The row is still on disk and the deletion sits in the flusher queue.
	// Reloading must not bring the record back.
	if err := s.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if _, err := s.Get(p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestAutoFlush(t *testing.T) {
	s := newTestStore(t, WithFlushInterval(10*time.Millisecond))

	p := mkPattern("auto flush")
	s.Upsert(p, OriginLocal)

	deadline := time.Now().Add(2 * time.Second)
	for {
		records, err := s.readAll()
		if err == nil {
			found := false
			for _, r := range records {
				if r.ID == p.ID {
					found = true
				}
			}
			if found {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("record never reached the database via the background flusher")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDegradedMode(t *testing.T) {
	// Pointing the database under a regular file makes MkdirAll fail.
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("write blocker: %v", err)
	}

	s := New(filepath.Join(blocker, "sub", "patterns.db"))
	defer s.Close()

	if !s.Degraded() {
		t.Fatal("store should be degraded when the database cannot be created")
	}

	// Serving paths keep working from memory.
	p := mkPattern("memory only")
	if _, err := s.Upsert(p, OriginLocal); err != nil {
		t.Fatalf("Upsert() in degraded mode error = %v", err)
	}
	if _, err := s.Get(p.ID); err != nil {
		t.Fatalf("Get() in degraded mode error = %v", err)
	}

	// Only durability operations surface the failure.
	if err := s.Persist(); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Persist() error = %v, want ErrStorageUnavailable", err)
	}
	if err := s.Load(); !errors.Is(err, ErrStorageUnavailable) {
		t.Errorf("Load() error = %v, want ErrStorageUnavailable", err)
	}
	if stats := s.Stats(); stats["degraded"] != true {
		t.Errorf("degraded = %v, want true", stats["degraded"])
	}
}

func TestClosedStore(t *testing.T) {
	s := New(filepath.Join(t.TempDir(), "patterns.db"))
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := s.Persist(); !errors.Is(err, ErrClosed) {
		t.Errorf("Persist() after Close = %v, want ErrClosed", err)
	}
	if err := s.Load(); !errors.Is(err, ErrClosed) {
		t.Errorf("Load() after Close = %v, want ErrClosed", err)
	}
}

func TestConcurrentMixedOperations(t *testing.T) {
	s := newTestStore(t, WithFlushInterval(10*time.Millisecond))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				p := mkPattern(fmt.Sprintf("worker %d item %d", n, j))
				s.Upsert(p, OriginLocal)
				s.Update(p.ID, func(p *pattern.Pattern) { p.UseCount++ })
				s.Get(p.ID)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 20; j++ {
			collect(s.AllByCategory(pattern.CategoryCodeGeneration))
			s.ExportDirty()
			s.Stats()
		}
	}()
	wg.Wait()

	if n := len(collect(s.All())); n != 100 {
		t.Errorf("stored %d records, want 100", n)
	}
	if err := s.Persist(); err != nil {
		t.Errorf("Persist() after concurrent load error = %v", err)
	}
}
