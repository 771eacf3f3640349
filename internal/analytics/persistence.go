package analytics

import (
	"errors"
	"fmt"
	"time"
)

// ErrCorruptState marks a persisted snapshot that exists but cannot be parsed.
// Loading must stop rather than fall back to an empty aggregate.
var ErrCorruptState = errors.New("corrupt analytics state")

// ErrNotPersisted marks a write-through save that failed after the records
// were applied in memory. The records are not lost; a later Flush retries.
var ErrNotPersisted = errors.New("records applied but not persisted")

// ErrInvariant marks an aggregate whose counters disagree with its record log.
var ErrInvariant = errors.New("aggregate invariant violated")

func invariantError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// Persistence loads and saves the aggregate.
// Load returns an empty aggregate when no snapshot exists and an error
// wrapping ErrCorruptState when one exists but is unreadable as a snapshot.
// Save must be atomic with respect to concurrent readers of the snapshot.
type Persistence interface {
	Load() (Aggregate, error)
	Save(agg Aggregate) error
	// LastModified reports when the snapshot was last written; zero if never.
	LastModified() (time.Time, error)
	Close() error
}
