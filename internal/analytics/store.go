package analytics

import (
	"fmt"
	"sync"

	"github.com/slyt3/guardstats/internal/assert"
	"github.com/slyt3/guardstats/internal/logging"
	"github.com/slyt3/guardstats/internal/models"
)

// Store owns the aggregate. Ingest is serialized by the write lock;
// readers take the read lock and receive copies.
type Store struct {
	mu           sync.RWMutex
	agg          Aggregate
	persist      Persistence
	writeThrough bool
	dirty        bool
}

// Option configures a Store.
type Option func(*Store)

// WithWriteThrough saves the aggregate after every successful Ingest.
func WithWriteThrough() Option {
	return func(s *Store) { s.writeThrough = true }
}

// NewStore loads the aggregate from p. A missing snapshot yields an empty
// store; a corrupt one is returned as an error wrapping ErrCorruptState.
func NewStore(p Persistence, opts ...Option) (*Store, error) {
	if err := assert.NotNil(p, "persistence"); err != nil {
		return nil, err
	}
	agg, err := p.Load()
	if err != nil {
		return nil, fmt.Errorf("loading aggregate: %w", err)
	}
	agg.normalize()
	if err := agg.CheckInvariants(); err != nil {
		logging.Warn("aggregate_invariant_violated", logging.Fields{Component: "analytics", Error: err.Error()})
	}

	s := &Store{agg: agg, persist: p}
	for _, opt := range opts {
		opt(s)
	}
	logging.Info("store_loaded", logging.Fields{Component: "analytics", Count: agg.TotalQueries})
	return s, nil
}

// NewMemoryStore returns a store with no persistence. Flush is a no-op.
func NewMemoryStore() *Store {
	return &Store{agg: NewAggregate()}
}

// Ingest appends rec to the log and updates every counter it touches.
// The record's Outcome is taken as given.
func (s *Store) Ingest(rec models.OutcomeRecord) error {
	if err := assert.NotNil(s, "store"); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.agg.apply(rec)
	s.dirty = true
	if s.writeThrough && s.persist != nil {
		if err := s.saveLocked(); err != nil {
			return fmt.Errorf("%w: %w", ErrNotPersisted, err)
		}
	}
	return nil
}

// IngestBatch ingests records in order under a single lock acquisition.
// Invalid records are rejected before any counter changes.
func (s *Store) IngestBatch(recs []models.OutcomeRecord) error {
	if err := assert.NotNil(s, "store"); err != nil {
		return err
	}
	for i := range recs {
		if err := recs[i].Validate(); err != nil {
			return fmt.Errorf("invalid record %d: %w", i, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range recs {
		s.agg.apply(rec)
	}
	if len(recs) > 0 {
		s.dirty = true
	}
	if s.writeThrough && s.persist != nil && len(recs) > 0 {
		if err := s.saveLocked(); err != nil {
			return fmt.Errorf("%w: %w", ErrNotPersisted, err)
		}
	}
	return nil
}

// Snapshot returns a deep copy of the aggregate.
func (s *Store) Snapshot() Aggregate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agg.Clone()
}

// Records returns a copy of the full record log.
func (s *Store) Records() []models.OutcomeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.OutcomeRecord, len(s.agg.SessionData))
	copy(out, s.agg.SessionData)
	return out
}

// RunRecords returns the records tagged with runID, in log order.
func (s *Store) RunRecords(runID string) []models.OutcomeRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.OutcomeRecord, 0)
	for _, rec := range s.agg.SessionData {
		if rec.RunID == runID {
			out = append(out, rec)
		}
	}
	return out
}

// Flush persists the aggregate if it changed since the last save.
func (s *Store) Flush() error {
	if err := assert.NotNil(s, "store"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persist == nil || !s.dirty {
		return nil
	}
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	if err := s.persist.Save(s.agg); err != nil {
		logging.Error("store_save_failed", logging.Fields{Component: "analytics", Error: err.Error()})
		return fmt.Errorf("saving aggregate: %w", err)
	}
	s.dirty = false
	logging.Debug("store_flushed", logging.Fields{Component: "analytics", Count: s.agg.TotalQueries})
	return nil
}

// Persistence exposes the backend, nil for memory stores.
func (s *Store) Persistence() Persistence {
	return s.persist
}

// Close flushes pending changes and closes the backend.
func (s *Store) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if s.persist == nil {
		return nil
	}
	return s.persist.Close()
}
