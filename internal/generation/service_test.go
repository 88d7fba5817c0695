package generation

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"modcache/internal/feedback"
	"modcache/internal/fingerprint"
	"modcache/internal/hotcache"
	"modcache/internal/match"
	"modcache/internal/pattern"
	"modcache/internal/store"
)

type generatorFunc func(ctx context.Context, prompt string) (string, error)

func (f generatorFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

func newTestService(t *testing.T, gen Generator) (*Service, *store.Store) {
	t.Helper()
	s := store.New(filepath.Join(t.TempDir(), "patterns.db"))
	t.Cleanup(func() { s.Close() })
	svc := NewService(
		match.New(s, match.DefaultConfig()),
		feedback.New(s),
		hotcache.New(hotcache.DefaultConfig()),
		gen,
	)
	return svc, s
}

func TestGenerateMissRecordsPattern(t *testing.T) {
	calls := 0
	svc, s := newTestService(t, generatorFunc(func(_ context.Context, prompt string) (string, error) {
		calls++
		return "public class FireSword {}", nil
	}))

	req := fingerprint.Request{
		Prompt:   "create a diamond sword with fire aspect",
		Category: pattern.CategoryCodeGeneration,
		Loader:   "forge",
	}
	resp, err := svc.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if resp.FromCache {
		t.Error("first request reported FromCache = true")
	}
	if calls != 1 {
		t.Errorf("generator ran %d times, want 1", calls)
	}
	if resp.PatternID == "" {
		t.Fatal("response carries no pattern id")
	}

	p, err := s.Get(resp.PatternID)
	if err != nil {
		t.Fatalf("recorded pattern missing: %v", err)
	}
	if p.Artifact.Text != "public class FireSword {}" {
		t.Errorf("Artifact.Text = %q", p.Artifact.Text)
	}
	if p.SuccessCount != 1 {
		t.Errorf("SuccessCount = %d, want 1", p.SuccessCount)
	}
}

func TestGenerateHitSkipsGenerator(t *testing.T) {
	calls := 0
	svc, s := newTestService(t, generatorFunc(func(_ context.Context, prompt string) (string, error) {
		calls++
		return "fresh artifact", nil
	}))

	req := fingerprint.Request{
		Prompt:   "create a diamond sword with fire aspect",
		Category: pattern.CategoryCodeGeneration,
		Loader:   "forge",
	}
	first, err := svc.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("first Generate() error = %v", err)
	}

	// A rephrased request with enough term overlap must serve the stored
	// artifact without touching the generator again.
	similar := req
	similar.Prompt = "create a diamond sword with fire"
	second, err := svc.Generate(context.Background(), similar)
	if err != nil {
		t.Fatalf("second Generate() error = %v", err)
	}
	if !second.FromCache {
		t.Error("second request reported FromCache = false")
	}
	if second.Text != first.Text {
		t.Errorf("served %q, want stored %q", second.Text, first.Text)
	}
	if second.PatternID != first.PatternID {
		t.Errorf("PatternID = %s, want %s", second.PatternID, first.PatternID)
	}
	if calls != 1 {
		t.Errorf("generator ran %d times, want 1", calls)
	}

	p, _ := s.Get(first.PatternID)
	if p.UseCount != 1 {
		t.Errorf("UseCount = %d, want 1 recorded hit", p.UseCount)
	}
}

func TestGenerateRepeatServedFromHotCache(t *testing.T) {
	calls := 0
	svc, _ := newTestService(t, generatorFunc(func(_ context.Context, prompt string) (string, error) {
		calls++
		return "artifact", nil
	}))

	req := fingerprint.Request{
		Prompt:   "add a copper golem entity",
		Category: pattern.CategoryFeatureAddition,
	}
	if _, err := svc.Generate(context.Background(), req); err != nil {
		t.Fatalf("seed Generate() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		resp, err := svc.Generate(context.Background(), req)
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		if !resp.FromCache {
			t.Error("repeat request reported FromCache = false")
		}
	}
	if calls != 1 {
		t.Errorf("generator ran %d times, want 1", calls)
	}
}

func TestGenerateGeneratorFailure(t *testing.T) {
	boom := errors.New("service unavailable")
	svc, s := newTestService(t, generatorFunc(func(_ context.Context, _ string) (string, error) {
		return "", boom
	}))

	req := fingerprint.Request{
		Prompt:   "fix the mixin crash on startup",
		Category: pattern.CategoryErrorFix,
	}
	if _, err := svc.Generate(context.Background(), req); !errors.Is(err, boom) {
		t.Fatalf("Generate() error = %v, want generator failure", err)
	}

	// Nothing may be recorded for a failed generation.
	for range s.All() {
		t.Fatal("failed generation left a pattern behind")
	}
}

func TestGenerateInvalidCategory(t *testing.T) {
	svc, _ := newTestService(t, Offline{})
	_, err := svc.Generate(context.Background(), fingerprint.Request{Prompt: "anything", Category: "nope"})
	if !errors.Is(err, pattern.ErrUnknownCategory) {
		t.Errorf("Generate() error = %v, want ErrUnknownCategory", err)
	}
}

func TestOffline(t *testing.T) {
	got, err := Offline{}.Generate(context.Background(), "  make a ruby block  ")
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !strings.Contains(got, "make a ruby block") {
		t.Errorf("offline artifact %q does not echo the prompt", got)
	}

	again, _ := Offline{}.Generate(context.Background(), "  make a ruby block  ")
	if got != again {
		t.Error("offline generator is not deterministic")
	}

	if _, err := (Offline{}).Generate(context.Background(), "   "); err == nil {
		t.Error("empty prompt should fail")
	}
}
