package exchange

import (
	"fmt"
	"path/filepath"
	"time"

	"modcache/internal/logging"
	"modcache/internal/merge"
	"modcache/internal/store"
)

// Exporter writes the store's unsynced records into the outbox as batch
// files for peers to pick up. Records stay dirty until the transport
// confirms delivery and AckFile is called; a crash between the two leads
// to a harmless re-export, never to a lost record.
type Exporter struct {
	st     *store.Store
	outbox string
	source string
}

// NewExporter creates an exporter writing to outboxDir, stamping batches
// with the given source name.
func NewExporter(st *store.Store, outboxDir, source string) *Exporter {
	return &Exporter{st: st, outbox: outboxDir, source: source}
}

// Export writes every dirty record to a new outbox file and returns its
// path and record count. An empty dirty set writes nothing and returns an
// empty path.
func (e *Exporter) Export() (string, int, error) {
	dirty := e.st.ExportDirty()
	if len(dirty) == 0 {
		logging.ExchangeDebug("Nothing to export, no dirty records")
		return "", 0, nil
	}

	b := merge.NewBatch(e.source, dirty)
	name := fmt.Sprintf("%s-%s.json", e.source, time.Now().UTC().Format("20060102-150405.000000000"))
	path := filepath.Join(e.outbox, name)
	if err := b.WriteFile(path); err != nil {
		return "", 0, fmt.Errorf("failed to export batch: %w", err)
	}

	logging.Exchange("Exported %d dirty records to %s", len(dirty), path)
	return path, len(dirty), nil
}

// AckFile confirms delivery of a previously exported batch file: every
// record it contains is marked clean. Returns how many ids were acked.
func AckFile(st *store.Store, path string) (int, error) {
	b, err := merge.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to ack batch: %w", err)
	}
	ids := make([]string, 0, len(b.Patterns))
	for _, p := range b.Patterns {
		ids = append(ids, p.ID)
	}
	st.MarkClean(ids...)
	logging.Exchange("Acked batch %s, %d records marked clean", b.BatchID, len(ids))
	return len(ids), nil
}
