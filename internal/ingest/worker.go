// Package ingest serializes concurrent producers onto the analytics store
// through a bounded ring buffer drained by a single background goroutine.
package ingest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/slyt3/guardstats/internal/analytics"
	"github.com/slyt3/guardstats/internal/assert"
	"github.com/slyt3/guardstats/internal/logging"
	"github.com/slyt3/guardstats/internal/models"
	"github.com/slyt3/guardstats/internal/ring"
)

// BackpressureMode defines how Submit behaves when the buffer is full.
type BackpressureMode int

const (
	// BackpressureDrop rejects the record immediately.
	BackpressureDrop BackpressureMode = iota
	// BackpressureBlock waits for space, up to a bounded number of attempts.
	BackpressureBlock
)

func (m BackpressureMode) String() string {
	if m == BackpressureBlock {
		return "block"
	}
	return "drop"
}

// ParseBackpressure maps "drop" or "block" to a mode.
func ParseBackpressure(s string) (BackpressureMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "drop":
		return BackpressureDrop, nil
	case "block":
		return BackpressureBlock, nil
	}
	return BackpressureDrop, fmt.Errorf("unknown backpressure mode %q", s)
}

var (
	ErrQueueFull    = errors.New("ingest queue is full")
	ErrShuttingDown = errors.New("ingest worker is shutting down")
)

// Sink receives drained batches. *analytics.Store satisfies it.
type Sink interface {
	IngestBatch(recs []models.OutcomeRecord) error
	Flush() error
}

const (
	maxSignalBatches  = 1 << 30
	maxFlushTicks     = 1 << 30
	maxDrainRecords   = 1 << 20
	maxShutdownTicks  = 1 << 12
	maxBlockAttempts  = 1000
	drainBatchSize    = 256
	maxLatencyBuckets = 7
)

var latencyBucketUpperNs = [maxLatencyBuckets]uint64{
	uint64(100 * time.Microsecond),
	uint64(time.Millisecond),
	uint64(5 * time.Millisecond),
	uint64(10 * time.Millisecond),
	uint64(50 * time.Millisecond),
	uint64(250 * time.Millisecond),
	^uint64(0),
}

// LatencySnapshot is the batch ingest latency histogram.
type LatencySnapshot struct {
	BoundsNs [maxLatencyBuckets]uint64
	Counts   [maxLatencyBuckets]uint64
	SumNs    uint64
	Count    uint64
}

// Worker buffers submitted records and applies them to the sink in
// submission order from one goroutine.
type Worker struct {
	buf           *ring.Buffer[models.OutcomeRecord]
	signal        chan struct{}
	quit          chan struct{}
	sink          Sink
	mode          BackpressureMode
	flushInterval time.Duration

	unhealthy      atomic.Bool
	closing        atomic.Bool
	processed      atomic.Uint64
	dropped        atomic.Uint64
	failed         atomic.Uint64
	unpersisted    atomic.Uint64
	blockedSubmits atomic.Uint64
	latencySumNs   atomic.Uint64
	latencyCount   atomic.Uint64
	latencyBuckets [maxLatencyBuckets]atomic.Uint64

	// submitMu covers the closing check and the push in Submit; Shutdown
	// takes it exclusively to set closing.
	submitMu     sync.RWMutex
	drainMu      sync.Mutex
	wg           sync.WaitGroup
	startOnce    sync.Once
	shutdownOnce sync.Once
}

// Option configures a Worker.
type Option func(*Worker)

// WithBackpressure sets the full-buffer behaviour. The default is drop.
func WithBackpressure(mode BackpressureMode) Option {
	return func(w *Worker) { w.mode = mode }
}

// WithFlushInterval flushes the sink periodically. Zero disables it.
func WithFlushInterval(d time.Duration) Option {
	return func(w *Worker) { w.flushInterval = d }
}

// NewWorker creates a worker with a buffer of bufferSize records.
func NewWorker(bufferSize int, sink Sink, opts ...Option) (*Worker, error) {
	if err := assert.Check(bufferSize > 0, "buffer size must be positive"); err != nil {
		return nil, err
	}
	if err := assert.Check(bufferSize <= maxDrainRecords, "buffer size exceeds %d", maxDrainRecords); err != nil {
		return nil, err
	}
	if err := assert.NotNil(sink, "sink"); err != nil {
		return nil, err
	}
	rb, err := ring.New[models.OutcomeRecord](bufferSize)
	if err != nil {
		return nil, err
	}

	w := &Worker{
		buf:    rb,
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		sink:   sink,
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := assert.Check(w.mode == BackpressureDrop || w.mode == BackpressureBlock, "invalid backpressure mode"); err != nil {
		return nil, err
	}
	if err := assert.Check(w.flushInterval >= 0, "flush interval must not be negative"); err != nil {
		return nil, err
	}
	return w, nil
}

// Start launches the drain loop and, if configured, the flush loop.
func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.drainLoop()
		}()
		if w.flushInterval > 0 {
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.flushLoop()
			}()
		}
		logging.Info("ingest_worker_started", logging.Fields{Component: "ingest", Action: w.mode.String(), Count: w.buf.Cap()})
	})
}

// Submit validates rec and queues it. It returns ErrQueueFull when the
// record was dropped and ErrShuttingDown after Shutdown began.
func (w *Worker) Submit(rec models.OutcomeRecord) error {
	if err := assert.NotNil(w, "worker"); err != nil {
		return err
	}
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	w.submitMu.RLock()
	defer w.submitMu.RUnlock()
	if w.closing.Load() {
		w.dropped.Add(1)
		logging.Warn("ingest_dropped_shutdown", logging.Fields{Component: "ingest", RunID: rec.RunID})
		return ErrShuttingDown
	}

	if w.mode == BackpressureBlock {
		for i := 0; i < maxBlockAttempts; i++ {
			if !w.buf.IsFull() {
				break
			}
			w.blockedSubmits.Add(1)
			w.wake()
			time.Sleep(time.Millisecond)
		}
	}

	if err := w.buf.Push(rec); err != nil {
		w.dropped.Add(1)
		if errors.Is(err, ring.ErrBufferFull) {
			logging.Warn("ingest_dropped_backpressure", logging.Fields{Component: "ingest", RunID: rec.RunID, Category: rec.Category})
			return ErrQueueFull
		}
		logging.Error("ring_buffer_push_failed", logging.Fields{Component: "ingest", Error: err.Error()})
		return err
	}
	w.wake()
	return nil
}

func (w *Worker) wake() {
	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Stats returns processed and dropped record counts.
func (w *Worker) Stats() (processed, dropped uint64) {
	return w.processed.Load(), w.dropped.Load()
}

// Failed counts records whose batch the sink rejected.
func (w *Worker) Failed() uint64 {
	return w.failed.Load()
}

// Unpersisted counts records the sink applied but could not save.
func (w *Worker) Unpersisted() uint64 {
	return w.unpersisted.Load()
}

// BlockedSubmits counts waits caused by a full buffer in block mode.
func (w *Worker) BlockedSubmits() uint64 {
	return w.blockedSubmits.Load()
}

// QueueDepth returns the current queue length and capacity.
func (w *Worker) QueueDepth() (int, int) {
	return w.buf.Len(), w.buf.Cap()
}

// Mode returns the configured backpressure mode.
func (w *Worker) Mode() BackpressureMode {
	return w.mode
}

func (w *Worker) IsHealthy() bool {
	if w == nil {
		return false
	}
	return !w.unhealthy.Load()
}

// LatencyMetrics returns a snapshot of the batch latency histogram.
func (w *Worker) LatencyMetrics() LatencySnapshot {
	var snap LatencySnapshot
	for i := 0; i < maxLatencyBuckets; i++ {
		snap.BoundsNs[i] = latencyBucketUpperNs[i]
		snap.Counts[i] = w.latencyBuckets[i].Load()
	}
	snap.SumNs = w.latencySumNs.Load()
	snap.Count = w.latencyCount.Load()
	return snap
}

// Shutdown stops accepting records, waits for the loops to exit, drains
// what is left and flushes the sink.
func (w *Worker) Shutdown(timeout time.Duration) error {
	if err := assert.NotNil(w, "worker"); err != nil {
		return err
	}
	if err := assert.Check(timeout > 0, "timeout must be positive"); err != nil {
		return err
	}

	w.submitMu.Lock()
	w.closing.Store(true)
	w.submitMu.Unlock()
	w.shutdownOnce.Do(func() { close(w.quit) })

	if err := w.waitForStop(timeout); err != nil {
		logging.Warn("shutdown_wait_timeout", logging.Fields{Component: "ingest", Error: err.Error()})
	}
	w.drain()

	if err := w.sink.Flush(); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	processed, dropped := w.Stats()
	logging.Info("ingest_worker_stopped", logging.Fields{Component: "ingest", Count: int(processed)})
	if dropped > 0 {
		logging.Warn("ingest_records_dropped", logging.Fields{Component: "ingest", Count: int(dropped)})
	}
	return nil
}

func (w *Worker) waitForStop(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	step := timeout / maxShutdownTicks
	if step == 0 {
		step = time.Millisecond
	}
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	for i := 0; i < maxShutdownTicks; i++ {
		select {
		case <-done:
			return nil
		case <-ticker.C:
		}
	}
	return fmt.Errorf("worker shutdown wait exceeded %s", timeout)
}

func (w *Worker) drainLoop() {
	for i := 0; i < maxSignalBatches; i++ {
		select {
		case <-w.signal:
			w.drain()
		case <-w.quit:
			return
		}
	}
	_ = assert.Check(false, "drain loop exceeded max signal batches")
}

func (w *Worker) flushLoop() {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for i := 0; i < maxFlushTicks; i++ {
		select {
		case <-ticker.C:
			if err := w.sink.Flush(); err != nil {
				logging.Error("periodic_flush_failed", logging.Fields{Component: "ingest", Error: err.Error()})
			}
		case <-w.quit:
			return
		}
	}
	_ = assert.Check(false, "flush loop exceeded max ticks")
}

// drain applies queued records to the sink in batches until the buffer is
// empty. Safe to call from Shutdown once the loops have stopped.
func (w *Worker) drain() {
	w.drainMu.Lock()
	defer w.drainMu.Unlock()

	batch := make([]models.OutcomeRecord, 0, drainBatchSize)
	for j := 0; j < maxDrainRecords; j += drainBatchSize {
		batch = w.buf.PopBatch(batch[:0], drainBatchSize)
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		err := w.sink.IngestBatch(batch)
		switch {
		case err == nil:
			w.processed.Add(uint64(len(batch)))
		case errors.Is(err, analytics.ErrNotPersisted):
			w.processed.Add(uint64(len(batch)))
			w.unpersisted.Add(uint64(len(batch)))
			w.unhealthy.Store(true)
			logging.Error("ingest_batch_not_persisted", logging.Fields{Component: "ingest", Count: len(batch), Error: err.Error()})
		default:
			w.failed.Add(uint64(len(batch)))
			w.unhealthy.Store(true)
			logging.Critical("ingest_batch_failed", logging.Fields{Component: "ingest", Count: len(batch), Error: err.Error()})
		}
		w.recordLatency(time.Since(start))
	}
}

func (w *Worker) recordLatency(d time.Duration) {
	if d < 0 {
		d = 0
	}
	ns := uint64(d.Nanoseconds())
	for i := 0; i < maxLatencyBuckets; i++ {
		if ns <= latencyBucketUpperNs[i] {
			w.latencyBuckets[i].Add(1)
			break
		}
	}
	w.latencySumNs.Add(ns)
	w.latencyCount.Add(1)
}
