package exchange

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"modcache/internal/logging"
	"modcache/internal/merge"
	"modcache/internal/store"
)

const (
	// processedDirName is where handled batch files end up, under the inbox.
	processedDirName = "processed"
	// settleWindow is how long a file must sit quiet before it is read.
	// Peer exporters rename complete files into place, but humans scp
	// and editors save in chunks.
	settleWindow = 500 * time.Millisecond
	// scanConcurrency bounds parallel batch application during the
	// startup backlog scan.
	scanConcurrency = 4
)

// Watcher ingests batch files dropped into the inbox directory. Each *.json
// file is fed to the reconciler once its writes settle, then archived under
// inbox/processed so a restart never replays it. Files that fail because
// storage is unavailable stay in the inbox for a later retry.
type Watcher struct {
	mu      sync.Mutex
	rec     *merge.Reconciler
	inbox   string
	archive string
	watcher *fsnotify.Watcher
	pending map[string]time.Time
	settle  time.Duration
	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewWatcher creates a watcher over inboxDir. Call Start to begin ingesting.
func NewWatcher(rec *merge.Reconciler, inboxDir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create inbox watcher: %w", err)
	}
	return &Watcher{
		rec:     rec,
		inbox:   inboxDir,
		archive: filepath.Join(inboxDir, processedDirName),
		watcher: fw,
		pending: make(map[string]time.Time),
		settle:  settleWindow,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}, nil
}

// Start begins watching the inbox. Non-blocking; the backlog already
// sitting in the inbox is processed before new events.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.archive, 0755); err != nil {
		return fmt.Errorf("failed to create inbox directories: %w", err)
	}
	if err := w.watcher.Add(w.inbox); err != nil {
		return fmt.Errorf("failed to watch inbox %s: %w", w.inbox, err)
	}
	logging.Exchange("Watching inbox: %s", w.inbox)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to drain.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryExchange).Error("Failed to close inbox watcher: %v", err)
	}
	logging.Exchange("Inbox watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	if n := w.scanInbox(ctx); n > 0 {
		logging.Exchange("Startup scan handled %d batch files", n)
	}

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryExchange).Error("Inbox watch error: %v", err)
		case <-ticker.C:
			w.processSettled(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !isBatchFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	logging.ExchangeDebug("Inbox event %s for %s", event.Op, event.Name)
	w.mu.Lock()
	w.pending[event.Name] = time.Now()
	w.mu.Unlock()
}

// processSettled applies every pending file whose last event is older than
// the settle window.
func (w *Watcher) processSettled(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var ready []string
	for path, seen := range w.pending {
		if now.Sub(seen) >= w.settle {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()

	sort.Strings(ready)
	for _, path := range ready {
		w.processFile(ctx, path)
	}
}

// scanInbox applies every batch file already present in the inbox, with
// bounded concurrency. Returns how many files it picked up.
func (w *Watcher) scanInbox(ctx context.Context) int {
	entries, err := os.ReadDir(w.inbox)
	if err != nil {
		logging.Get(logging.CategoryExchange).Error("Failed to scan inbox %s: %v", w.inbox, err)
		return 0
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || !isBatchFile(e.Name()) {
			continue
		}
		paths = append(paths, filepath.Join(w.inbox, e.Name()))
	}
	if len(paths) == 0 {
		return 0
	}
	sort.Strings(paths)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(scanConcurrency)
	for _, path := range paths {
		eg.Go(func() error {
			w.processFile(egCtx, path)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		logging.Get(logging.CategoryExchange).Error("Inbox scan had errors: %v", err)
	}
	return len(paths)
}

// processFile applies one batch file and archives it. A file whose batch
// cannot be persisted stays in the inbox so a later scan retries it;
// unreadable or invalid files are archived anyway to keep poison input
// from looping forever.
func (w *Watcher) processFile(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	b, err := merge.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.ExchangeDebug("Batch file vanished before processing: %s", path)
			return
		}
		logging.Get(logging.CategoryExchange).Error("Failed to read batch %s: %v", path, err)
		w.archiveFile(path)
		return
	}

	res, err := w.rec.Apply(b)
	if err != nil {
		if errors.Is(err, store.ErrStorageUnavailable) {
			logging.Get(logging.CategoryExchange).Warn("Keeping %s in inbox, storage unavailable: %v", filepath.Base(path), err)
			return
		}
		logging.Get(logging.CategoryExchange).Error("Failed to apply batch %s: %v", filepath.Base(path), err)
		w.archiveFile(path)
		return
	}

	logging.Exchange("Batch %s from %s: %d new, %d updated, %d stale, %d malformed",
		b.BatchID, b.Source, res.New, res.Updated, res.SkippedStale, res.Malformed)
	w.archiveFile(path)
}

func (w *Watcher) archiveFile(path string) {
	dest := filepath.Join(w.archive, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		logging.Get(logging.CategoryExchange).Error("Failed to archive %s: %v", path, err)
		return
	}
	logging.ExchangeDebug("Archived %s", dest)
}

func isBatchFile(name string) bool {
	return strings.HasSuffix(name, ".json")
}
