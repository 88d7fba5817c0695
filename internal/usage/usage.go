// Package usage keeps a persistent ledger of cache effectiveness: how many
// requests the cache served, how many went to generation, and roughly how
// many tokens the hits saved. Process counters reset on every CLI run, so
// the ledger is what makes savings visible over time.
package usage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"modcache/internal/logging"
)

const ledgerVersion = "1"

// Counts aggregates cache activity.
type Counts struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Generations  int64 `json:"generations"`
	TokensServed int64 `json:"tokens_served"`
}

// Ledger is the persisted root document.
type Ledger struct {
	Version    string            `json:"version"`
	Since      time.Time         `json:"since"`
	Total      Counts            `json:"total"`
	ByCategory map[string]Counts `json:"by_category"`
}

// Tracker accumulates counts in memory and persists them as JSON under the
// data directory. A nil Tracker is valid and records nothing, so callers
// can run without a ledger.
type Tracker struct {
	mu    sync.Mutex
	path  string
	data  Ledger
	dirty bool
}

// NewTracker loads the ledger from dir, creating dir and starting a fresh
// ledger as needed. A corrupt ledger file is abandoned, not fatal.
func NewTracker(dir string) (*Tracker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create usage dir: %w", err)
	}

	t := &Tracker{
		path: filepath.Join(dir, "usage.json"),
		data: freshLedger(),
	}
	t.load()
	return t, nil
}

func freshLedger() Ledger {
	return Ledger{
		Version:    ledgerVersion,
		Since:      time.Now().UTC(),
		ByCategory: make(map[string]Counts),
	}
}

func (t *Tracker) load() {
	raw, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		logging.Get(logging.CategoryGeneral).Warn("Cannot read usage ledger %s: %v", t.path, err)
		return
	}

	var data Ledger
	if err := json.Unmarshal(raw, &data); err != nil {
		logging.Get(logging.CategoryGeneral).Warn("Discarding corrupt usage ledger %s: %v", t.path, err)
		return
	}
	if data.ByCategory == nil {
		data.ByCategory = make(map[string]Counts)
	}
	if data.Since.IsZero() {
		data.Since = time.Now().UTC()
	}
	data.Version = ledgerVersion
	t.data = data
}

// RecordHit counts one request served from the cache and the tokens that
// serve saved.
func (t *Tracker) RecordHit(category string, tokens int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Total.Hits++
	t.data.Total.TokensServed += int64(tokens)
	c := t.data.ByCategory[category]
	c.Hits++
	c.TokensServed += int64(tokens)
	t.data.ByCategory[category] = c
	t.dirty = true
}

// RecordMiss counts one request no stored pattern qualified for.
func (t *Tracker) RecordMiss(category string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Total.Misses++
	c := t.data.ByCategory[category]
	c.Misses++
	t.data.ByCategory[category] = c
	t.dirty = true
}

// RecordGeneration counts one call that went through to the generative
// service.
func (t *Tracker) RecordGeneration(category string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.Total.Generations++
	c := t.data.ByCategory[category]
	c.Generations++
	t.data.ByCategory[category] = c
	t.dirty = true
}

// Snapshot returns a copy of the ledger for display.
func (t *Tracker) Snapshot() Ledger {
	if t == nil {
		return freshLedger()
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.data
	out.ByCategory = make(map[string]Counts, len(t.data.ByCategory))
	for k, v := range t.data.ByCategory {
		out.ByCategory[k] = v
	}
	return out
}

// Save writes the ledger to disk if anything was recorded since the last
// save.
func (t *Tracker) Save() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.dirty {
		return nil
	}
	raw, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode usage ledger: %w", err)
	}
	if err := os.WriteFile(t.path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write usage ledger: %w", err)
	}
	t.dirty = false
	return nil
}
