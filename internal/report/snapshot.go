// Package report renders read-only views of the analytics aggregate and run
// summaries: JSON snapshots, CSV session exports, text reports and evidence
// bundles. Nothing in this package mutates the store.
package report

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ucarion/jcs"

	"github.com/slyt3/guardstats/internal/analytics"
	"github.com/slyt3/guardstats/internal/metrics"
)

// SnapshotJSON encodes the aggregate under its stable key names. Map keys are
// sorted by encoding/json, so the same aggregate always yields the same bytes.
func SnapshotJSON(agg analytics.Aggregate) ([]byte, error) {
	if agg.CategoriesBlocked == nil || agg.RiskLevels == nil || agg.SessionData == nil {
		agg = agg.Clone()
	}
	data, err := json.MarshalIndent(agg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return append(data, '\n'), nil
}

// SnapshotDigest returns the hex SHA-256 of the RFC 8785 canonical form of
// the snapshot. Unlike SnapshotJSON it does not depend on indentation.
func SnapshotDigest(agg analytics.Aggregate) (string, error) {
	raw, err := json.Marshal(agg)
	if err != nil {
		return "", fmt.Errorf("encoding snapshot: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("decoding snapshot: %w", err)
	}
	canonical, err := jcs.Format(generic)
	if err != nil {
		return "", fmt.Errorf("canonicalizing snapshot: %w", err)
	}
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}

// SummaryJSON encodes a run summary.
func SummaryJSON(s metrics.RunSummary) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding summary: %w", err)
	}
	return append(data, '\n'), nil
}

// WriteSummary atomically writes the run summary to path.
func WriteSummary(path string, s metrics.RunSummary) error {
	data, err := SummaryJSON(s)
	if err != nil {
		return err
	}
	if err := WriteFileAtomic(path, data, 0o644); err != nil {
		return fmt.Errorf("writing summary %s: %w", path, err)
	}
	return nil
}

// LoadSummary reads a run summary. A missing file is not an error: it
// returns (nil, nil) and callers show a "no data" state.
func LoadSummary(path string) (*metrics.RunSummary, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading summary %s: %w", path, err)
	}
	var s metrics.RunSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: summary %s: %v", analytics.ErrCorruptState, path, err)
	}
	return &s, nil
}

// WriteFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path. Readers see the old file or the new one.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err = tmp.Chmod(perm); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
