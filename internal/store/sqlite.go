package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"modcache/internal/logging"
	"modcache/internal/pattern"
)

const schema = `
CREATE TABLE IF NOT EXISTS patterns (
	id TEXT PRIMARY KEY,
	category TEXT NOT NULL,
	signature_json TEXT NOT NULL,
	artifact_text TEXT NOT NULL,
	metadata_json TEXT,
	use_count INTEGER NOT NULL DEFAULT 0,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	last_modified TEXT NOT NULL,
	dirty INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_patterns_category ON patterns(category);
CREATE INDEX IF NOT EXISTS idx_patterns_last_modified ON patterns(last_modified);
`

const upsertSQL = `
INSERT INTO patterns (id, category, signature_json, artifact_text, metadata_json,
	use_count, success_count, failure_count, created_at, last_modified, dirty)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	category = excluded.category,
	signature_json = excluded.signature_json,
	artifact_text = excluded.artifact_text,
	metadata_json = excluded.metadata_json,
	use_count = excluded.use_count,
	success_count = excluded.success_count,
	failure_count = excluded.failure_count,
	created_at = excluded.created_at,
	last_modified = excluded.last_modified,
	dirty = excluded.dirty
`

// openDB opens (creating if needed) the pattern database and applies the
// schema. modernc.org/sqlite is pure Go, so a single connection with WAL
// gives cheap durable writes without cgo.
func openDB(path string) (*sql.DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("Failed to apply %q: %v", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}

// writeBatch upserts and deletes rows in one transaction. Only the flusher
// calls it, keeping the database single-writer.
func (s *Store) writeBatch(records []pattern.Pattern, deleteIDs []string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if len(records) > 0 {
		stmt, err := tx.Prepare(upsertSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, p := range records {
			sigJSON, err := json.Marshal(p.Signature)
			if err != nil {
				return fmt.Errorf("failed to encode signature for %s: %w", p.ID, err)
			}
			metaJSON, err := json.Marshal(p.Artifact.Metadata)
			if err != nil {
				return fmt.Errorf("failed to encode metadata for %s: %w", p.ID, err)
			}
			if _, err := stmt.Exec(
				p.ID,
				string(p.Category),
				string(sigJSON),
				p.Artifact.Text,
				string(metaJSON),
				p.UseCount,
				p.SuccessCount,
				p.FailureCount,
				p.CreatedAt.UTC().Format(time.RFC3339Nano),
				p.LastModified.UTC().Format(time.RFC3339Nano),
				boolToInt(p.Dirty),
			); err != nil {
				return fmt.Errorf("failed to write pattern %s: %w", p.ID, err)
			}
		}
	}

	for _, id := range deleteIDs {
		if _, err := tx.Exec("DELETE FROM patterns WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete pattern %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// readAll loads every row. Rows that fail to decode are skipped with a
// warning rather than aborting the load; one corrupt record must not take
// the whole cache down.
func (s *Store) readAll() ([]pattern.Pattern, error) {
	rows, err := s.db.Query(`
		SELECT id, category, signature_json, artifact_text, metadata_json,
			use_count, success_count, failure_count, created_at, last_modified, dirty
		FROM patterns`)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var out []pattern.Pattern
	for rows.Next() {
		var (
			p         pattern.Pattern
			category  string
			sigJSON   string
			metaJSON  sql.NullString
			createdAt string
			modified  string
			dirty     int
		)
		if err := rows.Scan(&p.ID, &category, &sigJSON, &p.Artifact.Text, &metaJSON,
			&p.UseCount, &p.SuccessCount, &p.FailureCount, &createdAt, &modified, &dirty); err != nil {
			return nil, fmt.Errorf("failed to scan pattern row: %w", err)
		}

		p.Category = pattern.Category(category)
		if !p.Category.Valid() {
			logging.Get(logging.CategoryStore).Warn("Skipping row %s: unknown category %q", p.ID, category)
			continue
		}
		if err := json.Unmarshal([]byte(sigJSON), &p.Signature); err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping row %s: bad signature: %v", p.ID, err)
			continue
		}
		if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
			if err := json.Unmarshal([]byte(metaJSON.String), &p.Artifact.Metadata); err != nil {
				logging.Get(logging.CategoryStore).Warn("Skipping row %s: bad metadata: %v", p.ID, err)
				continue
			}
		}
		if p.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping row %s: bad created_at: %v", p.ID, err)
			continue
		}
		if p.LastModified, err = time.Parse(time.RFC3339Nano, modified); err != nil {
			logging.Get(logging.CategoryStore).Warn("Skipping row %s: bad last_modified: %v", p.ID, err)
			continue
		}
		p.Dirty = dirty != 0
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pattern rows: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
