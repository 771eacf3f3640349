// Package store provides durable backends for the analytics aggregate: a
// JSON snapshot file and a SQLite database.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/slyt3/guardstats/internal/analytics"
	"github.com/slyt3/guardstats/internal/assert"
	"github.com/slyt3/guardstats/internal/report"
)

// FileStore keeps the aggregate as a JSON snapshot at a single path.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store for path. The file need not exist yet.
func NewFileStore(path string) (*FileStore, error) {
	if err := assert.Check(path != "", "snapshot path must not be empty"); err != nil {
		return nil, err
	}
	return &FileStore{path: path}, nil
}

// Path returns the snapshot location.
func (f *FileStore) Path() string {
	return f.path
}

// Load reads the snapshot. A missing file yields an empty aggregate; an empty
// or unparsable file is corrupt state.
func (f *FileStore) Load() (analytics.Aggregate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return analytics.NewAggregate(), nil
	}
	if err != nil {
		return analytics.Aggregate{}, fmt.Errorf("reading snapshot %s: %w", f.path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return analytics.Aggregate{}, fmt.Errorf("%w: %s is empty", analytics.ErrCorruptState, f.path)
	}

	var agg analytics.Aggregate
	if err := json.Unmarshal(data, &agg); err != nil {
		return analytics.Aggregate{}, fmt.Errorf("%w: %s: %v", analytics.ErrCorruptState, f.path, err)
	}
	return agg, nil
}

// Save replaces the snapshot atomically.
func (f *FileStore) Save(agg analytics.Aggregate) error {
	data, err := report.SnapshotJSON(agg)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := report.WriteFileAtomic(f.path, data, 0o644); err != nil {
		return fmt.Errorf("saving snapshot %s: %w", f.path, err)
	}
	return nil
}

// LastModified is the snapshot file's mtime, zero if it does not exist.
func (f *FileStore) LastModified() (time.Time, error) {
	info, err := os.Stat(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("stat snapshot %s: %w", f.path, err)
	}
	return info.ModTime(), nil
}

func (f *FileStore) Close() error {
	return nil
}
