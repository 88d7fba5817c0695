// Package merge reconciles pattern batches exchanged between stores.
// Conflict resolution is wholesale last-modified-wins per record; there is
// no field-level blending.
package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/google/uuid"

	"modcache/internal/pattern"
)

// ErrEmptyBatch reports a decoded batch that carries no records. Exporters
// never write one, so an empty batch means a truncated or hand-edited file.
var ErrEmptyBatch = errors.New("batch contains no patterns")

// Batch is the wire envelope of the sync channel: a set of pattern records
// plus enough provenance to ack and audit the exchange.
type Batch struct {
	BatchID    string            `json:"batchId"`
	ExportedAt time.Time         `json:"exportedAt"`
	Source     string            `json:"source"`
	Patterns   []pattern.Pattern `json:"patterns"`
}

// NewBatch wraps records in a fresh envelope.
func NewBatch(source string, patterns []pattern.Pattern) Batch {
	return Batch{
		BatchID:    uuid.NewString(),
		ExportedAt: time.Now().UTC(),
		Source:     source,
		Patterns:   patterns,
	}
}

// Validate checks the envelope itself. Record-level validation happens
// during Apply so one bad record cannot reject a whole batch.
func (b Batch) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.BatchID, validation.Required, is.UUID),
		validation.Field(&b.Source, validation.Required),
		validation.Field(&b.ExportedAt, validation.Required),
	)
}

// Encode renders the batch as indented JSON, the format written to drop
// directories so operators can inspect exchanges by hand.
func (b Batch) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode batch: %w", err)
	}
	return data, nil
}

// Decode parses an encoded batch.
func Decode(data []byte) (Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return Batch{}, fmt.Errorf("failed to decode batch: %w", err)
	}
	if len(b.Patterns) == 0 {
		return Batch{}, fmt.Errorf("failed to decode batch %s: %w", b.BatchID, ErrEmptyBatch)
	}
	return b, nil
}

// ReadFile loads and parses a batch file.
func ReadFile(path string) (Batch, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Batch{}, fmt.Errorf("failed to read batch file: %w", err)
	}
	return Decode(data)
}

// WriteFile writes the batch to path via a temp file and rename, so a
// watcher on the directory never observes a half-written batch.
func (b Batch) WriteFile(path string) error {
	data, err := b.Encode()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create batch directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write batch file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize batch file: %w", err)
	}
	return nil
}
