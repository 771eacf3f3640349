package ingest

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slyt3/guardstats/internal/analytics"
	"github.com/slyt3/guardstats/internal/models"
)

type recordingSink struct {
	mu       sync.Mutex
	records  []models.OutcomeRecord
	flushes  atomic.Int64
	batchErr error
}

func (s *recordingSink) IngestBatch(recs []models.OutcomeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.batchErr != nil {
		return s.batchErr
	}
	s.records = append(s.records, recs...)
	return nil
}

func (s *recordingSink) Flush() error {
	s.flushes.Add(1)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func testRecord(query string) models.OutcomeRecord {
	return models.NewRecord(query, models.ActionBlock, models.ActionBlock, "violence", "high",
		models.NewTimestamp(time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)))
}

func TestNewWorkerValidation(t *testing.T) {
	_, err := NewWorker(0, &recordingSink{})
	assert.Error(t, err)

	_, err = NewWorker(8, nil)
	assert.Error(t, err)

	_, err = NewWorker(8, &recordingSink{}, WithBackpressure(BackpressureMode(7)))
	assert.Error(t, err)

	_, err = NewWorker(8, &recordingSink{}, WithFlushInterval(-time.Second))
	assert.Error(t, err)
}

func TestParseBackpressure(t *testing.T) {
	mode, err := ParseBackpressure("BLOCK")
	require.NoError(t, err)
	assert.Equal(t, BackpressureBlock, mode)

	mode, err = ParseBackpressure("")
	require.NoError(t, err)
	assert.Equal(t, BackpressureDrop, mode)

	_, err = ParseBackpressure("spill")
	assert.Error(t, err)
}

func TestSubmitPreservesOrder(t *testing.T) {
	sink := &recordingSink{}
	w, err := NewWorker(64, sink)
	require.NoError(t, err)
	w.Start()

	for i := 0; i < 50; i++ {
		require.NoError(t, w.Submit(testRecord(string(rune('A'+i%26)))))
	}
	require.NoError(t, w.Shutdown(2*time.Second))

	require.Equal(t, 50, sink.count())
	for i, rec := range sink.records {
		assert.Equal(t, string(rune('A'+i%26)), rec.Query)
	}
	processed, dropped := w.Stats()
	assert.Equal(t, uint64(50), processed)
	assert.Zero(t, dropped)
	assert.GreaterOrEqual(t, sink.flushes.Load(), int64(1))

	lat := w.LatencyMetrics()
	var bucketed uint64
	for _, c := range lat.Counts {
		bucketed += c
	}
	assert.Equal(t, lat.Count, bucketed)
	assert.GreaterOrEqual(t, lat.Count, uint64(1))
}

func TestDropModeRejectsWhenFull(t *testing.T) {
	sink := &recordingSink{}
	w, err := NewWorker(2, sink)
	require.NoError(t, err)

	// not started: nothing drains the buffer
	require.NoError(t, w.Submit(testRecord("a")))
	require.NoError(t, w.Submit(testRecord("b")))
	err = w.Submit(testRecord("c"))
	assert.ErrorIs(t, err, ErrQueueFull)

	depth, capacity := w.QueueDepth()
	assert.Equal(t, 2, depth)
	assert.Equal(t, 2, capacity)

	require.NoError(t, w.Shutdown(time.Second))
	processed, dropped := w.Stats()
	assert.Equal(t, uint64(2), processed)
	assert.Equal(t, uint64(1), dropped)
}

func TestBlockModeWaitsForSpace(t *testing.T) {
	sink := &recordingSink{}
	w, err := NewWorker(2, sink, WithBackpressure(BackpressureBlock))
	require.NoError(t, err)
	assert.Equal(t, BackpressureBlock, w.Mode())
	w.Start()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := w.Submit(testRecord("q")); err != nil {
					t.Errorf("submit: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, w.Shutdown(2*time.Second))

	assert.Equal(t, 100, sink.count())
	_, dropped := w.Stats()
	assert.Zero(t, dropped)
}

func TestSubmitAfterShutdown(t *testing.T) {
	w, err := NewWorker(4, &recordingSink{})
	require.NoError(t, err)
	w.Start()
	require.NoError(t, w.Shutdown(time.Second))

	assert.ErrorIs(t, w.Submit(testRecord("late")), ErrShuttingDown)
	_, dropped := w.Stats()
	assert.Equal(t, uint64(1), dropped)
}

func TestSubmitRejectsInvalidRecord(t *testing.T) {
	w, err := NewWorker(4, &recordingSink{})
	require.NoError(t, err)

	bad := testRecord("q")
	bad.Timestamp = models.Timestamp{}
	assert.Error(t, w.Submit(bad))
	depth, _ := w.QueueDepth()
	assert.Zero(t, depth)
}

func TestSinkFailureMarksUnhealthy(t *testing.T) {
	sink := &recordingSink{batchErr: errors.New("disk full")}
	w, err := NewWorker(4, sink)
	require.NoError(t, err)
	assert.True(t, w.IsHealthy())

	require.NoError(t, w.Submit(testRecord("q")))
	require.NoError(t, w.Shutdown(time.Second))

	assert.False(t, w.IsHealthy())
	assert.Equal(t, uint64(1), w.Failed())
}

func TestUnpersistedBatchIsNotCountedAsFailed(t *testing.T) {
	sink := &recordingSink{batchErr: fmt.Errorf("%w: disk full", analytics.ErrNotPersisted)}
	w, err := NewWorker(4, sink)
	require.NoError(t, err)

	require.NoError(t, w.Submit(testRecord("a")))
	require.NoError(t, w.Submit(testRecord("b")))
	require.NoError(t, w.Shutdown(time.Second))

	processed, _ := w.Stats()
	assert.Equal(t, uint64(2), processed)
	assert.Equal(t, uint64(2), w.Unpersisted())
	assert.Zero(t, w.Failed())
	assert.False(t, w.IsHealthy())
}

func TestAcceptedSubmitsSurviveShutdown(t *testing.T) {
	for round := 0; round < 50; round++ {
		sink := &recordingSink{}
		w, err := NewWorker(1024, sink)
		require.NoError(t, err)
		w.Start()

		var accepted atomic.Int64
		var wg sync.WaitGroup
		start := make(chan struct{})
		for p := 0; p < 8; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				for i := 0; i < 50; i++ {
					err := w.Submit(testRecord("q"))
					if err == nil {
						accepted.Add(1)
						continue
					}
					if !errors.Is(err, ErrShuttingDown) && !errors.Is(err, ErrQueueFull) {
						t.Errorf("submit: %v", err)
					}
				}
			}()
		}
		close(start)
		require.NoError(t, w.Shutdown(time.Second))
		wg.Wait()

		assert.Equal(t, int(accepted.Load()), sink.count(), "round %d", round)
		depth, _ := w.QueueDepth()
		assert.Zero(t, depth, "round %d", round)
	}
}

func TestPeriodicFlush(t *testing.T) {
	sink := &recordingSink{}
	w, err := NewWorker(4, sink, WithFlushInterval(5*time.Millisecond))
	require.NoError(t, err)
	w.Start()

	require.Eventually(t, func() bool { return sink.flushes.Load() >= 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Shutdown(time.Second))
}

func TestWorkerFeedsStore(t *testing.T) {
	store := analytics.NewMemoryStore()
	w, err := NewWorker(16, store)
	require.NoError(t, err)
	w.Start()

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				for {
					err := w.Submit(testRecord("q"))
					if err == nil {
						break
					}
					if !errors.Is(err, ErrQueueFull) {
						t.Errorf("submit: %v", err)
						return
					}
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, w.Shutdown(2*time.Second))

	agg := store.Snapshot()
	assert.Equal(t, 80, agg.TotalQueries)
	assert.Equal(t, 80, agg.TruePositives)
	assert.NoError(t, agg.CheckInvariants())
}
