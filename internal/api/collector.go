package api

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/slyt3/guardstats/internal/core"
	"github.com/slyt3/guardstats/internal/ingest"
	"github.com/slyt3/guardstats/internal/logging"
	"github.com/slyt3/guardstats/internal/metrics"
	"github.com/slyt3/guardstats/internal/pool"
)

const namespace = "guardstats"

// maxLabelValues caps category and risk level series per scrape.
const maxLabelValues = 256

// Collector exposes the aggregate counters, ingest worker state and pool
// usage. Values are read at scrape time.
type Collector struct {
	engine *core.Engine

	queries         *prometheus.Desc
	blocked         *prometheus.Desc
	outcomes        *prometheus.Desc
	categoryBlocked *prometheus.Desc
	riskLevels      *prometheus.Desc
	blockRate       *prometheus.Desc

	processed      *prometheus.Desc
	dropped        *prometheus.Desc
	failed         *prometheus.Desc
	unpersisted    *prometheus.Desc
	blockedSubmits *prometheus.Desc
	queueDepth     *prometheus.Desc
	queueCapacity  *prometheus.Desc
	backpressure   *prometheus.Desc
	latency        *prometheus.Desc

	bufferGets      *prometheus.Desc
	bufferMisses    *prometheus.Desc
	bufferDiscarded *prometheus.Desc
}

// NewCollector builds the collector for engine.
func NewCollector(engine *core.Engine) *Collector {
	desc := func(subsystem, name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, labels, nil)
	}
	return &Collector{
		engine: engine,

		queries:         desc("", "queries_total", "Queries recorded in the aggregate"),
		blocked:         desc("", "blocked_queries_total", "Queries the classifier blocked"),
		outcomes:        desc("", "outcomes_total", "Classified outcomes by confusion-matrix cell", "outcome"),
		categoryBlocked: desc("", "category_blocked_total", "Queries by category, blocked or not (categories_blocked)", "category"),
		riskLevels:      desc("", "risk_level_total", "Queries by risk level", "risk_level"),
		blockRate:       desc("", "block_rate_percent", "Blocked queries as a percentage of all queries"),

		processed:      desc("ingest", "records_processed_total", "Records applied to the store"),
		dropped:        desc("ingest", "records_dropped_total", "Records dropped due to backpressure"),
		failed:         desc("ingest", "records_failed_total", "Records the store rejected"),
		unpersisted:    desc("ingest", "records_unpersisted_total", "Records applied in memory whose save failed"),
		blockedSubmits: desc("ingest", "submits_blocked_total", "Submits that waited for buffer space"),
		queueDepth:     desc("ingest", "queue_depth", "Current queue depth"),
		queueCapacity:  desc("ingest", "queue_capacity", "Queue capacity"),
		backpressure:   desc("ingest", "backpressure_mode", "Backpressure mode (0=drop, 1=block)"),
		latency:        desc("ingest", "batch_latency_seconds", "Batch apply latency"),

		bufferGets:      desc("pool", "buffer_gets_total", "Buffers taken from the pool"),
		bufferMisses:    desc("pool", "buffer_misses_total", "Buffer pool misses (allocations)"),
		bufferDiscarded: desc("pool", "buffer_discarded_total", "Oversized buffers not returned to the pool"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.queries, c.blocked, c.outcomes, c.categoryBlocked, c.riskLevels, c.blockRate,
		c.processed, c.dropped, c.failed, c.unpersisted, c.blockedSubmits, c.queueDepth, c.queueCapacity,
		c.backpressure, c.latency,
		c.bufferGets, c.bufferMisses, c.bufferDiscarded,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	counter := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, labels...)
	}
	gauge := func(d *prometheus.Desc, v float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, labels...)
	}

	agg := c.engine.Store.Snapshot()
	counter(c.queries, float64(agg.TotalQueries))
	counter(c.blocked, float64(agg.BlockedQueries))
	counter(c.outcomes, float64(agg.TruePositives), "true_positive")
	counter(c.outcomes, float64(agg.TrueNegatives), "true_negative")
	counter(c.outcomes, float64(agg.FalsePositives), "false_positive")
	counter(c.outcomes, float64(agg.FalseNegatives), "false_negative")
	emitted := 0
	for name, n := range agg.CategoriesBlocked {
		if emitted >= maxLabelValues {
			logging.Warn("metrics_label_cap_reached", logging.Fields{Component: "api", Count: len(agg.CategoriesBlocked)})
			break
		}
		counter(c.categoryBlocked, float64(n), name)
		emitted++
	}
	emitted = 0
	for level, n := range agg.RiskLevels {
		if emitted >= maxLabelValues {
			logging.Warn("metrics_label_cap_reached", logging.Fields{Component: "api", Count: len(agg.RiskLevels)})
			break
		}
		counter(c.riskLevels, float64(n), level)
		emitted++
	}
	gauge(c.blockRate, metrics.BlockRate(agg.BlockedQueries, agg.TotalQueries))

	if w := c.engine.Worker; w != nil {
		processed, dropped := w.Stats()
		counter(c.processed, float64(processed))
		counter(c.dropped, float64(dropped))
		counter(c.failed, float64(w.Failed()))
		counter(c.unpersisted, float64(w.Unpersisted()))
		counter(c.blockedSubmits, float64(w.BlockedSubmits()))
		depth, capacity := w.QueueDepth()
		gauge(c.queueDepth, float64(depth))
		gauge(c.queueCapacity, float64(capacity))
		mode := 0.0
		if w.Mode() == ingest.BackpressureBlock {
			mode = 1
		}
		gauge(c.backpressure, mode)
		ch <- latencyHistogram(c.latency, w.LatencyMetrics())
	}

	pm := pool.GetMetrics()
	counter(c.bufferGets, float64(pm.BufferGets))
	counter(c.bufferMisses, float64(pm.BufferMisses))
	counter(c.bufferDiscarded, float64(pm.Discarded))
}

// latencyHistogram converts per-bucket counts into the cumulative form
// prometheus expects. The +Inf bucket is implied by the total count.
func latencyHistogram(d *prometheus.Desc, snap ingest.LatencySnapshot) prometheus.Metric {
	buckets := make(map[float64]uint64, len(snap.BoundsNs))
	var cumulative uint64
	for i, upper := range snap.BoundsNs {
		cumulative += snap.Counts[i]
		if upper == ^uint64(0) {
			continue
		}
		buckets[float64(upper)/float64(time.Second)] = cumulative
	}
	return prometheus.MustNewConstHistogram(d, snap.Count, float64(snap.SumNs)/float64(time.Second), buckets)
}
