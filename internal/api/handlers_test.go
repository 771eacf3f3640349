package api

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slyt3/guardstats/internal/analytics"
	"github.com/slyt3/guardstats/internal/config"
	"github.com/slyt3/guardstats/internal/core"
	"github.com/slyt3/guardstats/internal/crypto"
	"github.com/slyt3/guardstats/internal/ingest"
	"github.com/slyt3/guardstats/internal/metrics"
	"github.com/slyt3/guardstats/internal/models"
	"github.com/slyt3/guardstats/internal/report"
)

const maxWaitTicks = 50

var fixedNow = time.Date(2025, 6, 1, 14, 3, 22, 0, time.UTC)

func setupTestEngine(t *testing.T, bufferSize int) (*core.Engine, *Handlers) {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.SummaryPath = filepath.Join(t.TempDir(), "current_test_summary.json")

	st := analytics.NewMemoryStore()
	w, err := ingest.NewWorker(bufferSize, st)
	require.NoError(t, err)

	engine := core.NewEngineWith(cfg, st, w)
	h := NewHandlers(engine)
	h.now = func() time.Time { return fixedNow }
	return engine, h
}

func seed(t *testing.T, engine *core.Engine) {
	t.Helper()
	ts := models.NewTimestamp(fixedNow)
	recs := []models.OutcomeRecord{
		models.NewRecord("how to kill someone", models.ActionBlock, models.ActionBlock, "instruction", "high", ts),
		models.NewRecord("bake bread", models.ActionAllow, models.ActionAllow, "legitimate", "low", ts),
		models.NewRecord("is violence good", models.ActionBlock, models.ActionAllow, "violence", "medium", ts),
	}
	require.NoError(t, engine.Store.IngestBatch(recs))
}

func get(t *testing.T, h *Handlers, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func waitForProcessed(t *testing.T, w *ingest.Worker, min uint64, timeout time.Duration) {
	t.Helper()
	step := timeout / maxWaitTicks
	for i := 0; i < maxWaitTicks; i++ {
		if processed, _ := w.Stats(); processed >= min {
			return
		}
		time.Sleep(step)
	}
	processed, _ := w.Stats()
	t.Fatalf("timeout waiting for processed records: %d", processed)
}

func TestNoDataResponses(t *testing.T) {
	_, h := setupTestEngine(t, 16)
	for _, path := range []string{
		"/api/overview", "/api/stats", "/api/summary", "/api/daily",
		"/api/hourly", "/api/categories", "/api/risk",
	} {
		rec := get(t, h, path)
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.JSONEq(t, `{"status":"no_data"}`, rec.Body.String(), path)
	}
}

func TestOverviewFallsBackToHistory(t *testing.T) {
	engine, h := setupTestEngine(t, 16)
	seed(t, engine)

	rec := get(t, h, "/api/overview")
	require.Equal(t, http.StatusOK, rec.Code)
	var ov report.Overview
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ov))
	assert.Equal(t, report.SourceHistory, ov.Source)
	assert.Equal(t, 3, ov.TotalQueries)
	assert.Equal(t, 2, ov.BlockedQueries)
	assert.Equal(t, metrics.Counts{TruePositives: 1, TrueNegatives: 1, FalsePositives: 1}, ov.Counts)
}

func TestOverviewPrefersCurrentRun(t *testing.T) {
	engine, h := setupTestEngine(t, 16)
	seed(t, engine)
	summary := metrics.Summarize("run-9", engine.Store.Records()[:2], fixedNow)
	require.NoError(t, report.WriteSummary(engine.Config.Storage.SummaryPath, summary))

	var ov report.Overview
	require.NoError(t, json.Unmarshal(get(t, h, "/api/overview").Body.Bytes(), &ov))
	assert.Equal(t, report.SourceCurrentRun, ov.Source)
	assert.Equal(t, "run-9", ov.RunID)
	assert.InDelta(t, 100.0, ov.SuccessRate, 1e-9)

	var got metrics.RunSummary
	require.NoError(t, json.Unmarshal(get(t, h, "/api/summary").Body.Bytes(), &got))
	assert.Equal(t, 2, got.TotalTests)
}

func TestReadEndpoints(t *testing.T) {
	engine, h := setupTestEngine(t, 16)
	seed(t, engine)

	var daily struct {
		Days []metrics.DailyBucket `json:"days"`
	}
	require.NoError(t, json.Unmarshal(get(t, h, "/api/daily").Body.Bytes(), &daily))
	require.Len(t, daily.Days, 1)
	assert.Equal(t, "2025-06-01", daily.Days[0].Date)
	assert.Equal(t, 3, daily.Days[0].Count)

	var hourly struct {
		Hours [24]int `json:"hours"`
	}
	require.NoError(t, json.Unmarshal(get(t, h, "/api/hourly").Body.Bytes(), &hourly))
	assert.Equal(t, 3, hourly.Hours[14])

	var cats struct {
		Blocked   []report.CountRow      `json:"blocked"`
		Breakdown []metrics.CategoryRate `json:"breakdown"`
	}
	require.NoError(t, json.Unmarshal(get(t, h, "/api/categories").Body.Bytes(), &cats))
	require.Len(t, cats.Blocked, 2)
	assert.Equal(t, "instruction", cats.Blocked[0].Name)
	assert.Len(t, cats.Breakdown, 3)

	var risk struct {
		RiskLevels []report.CountRow `json:"risk_levels"`
	}
	require.NoError(t, json.Unmarshal(get(t, h, "/api/risk").Body.Bytes(), &risk))
	require.Len(t, risk.RiskLevels, 3)
	assert.Equal(t, "low", risk.RiskLevels[0].Name)

	stats := get(t, h, "/api/stats")
	assert.Equal(t, "application/json", stats.Header().Get("Content-Type"))
	var agg analytics.Aggregate
	require.NoError(t, json.Unmarshal(stats.Body.Bytes(), &agg))
	assert.Equal(t, 3, agg.TotalQueries)

	csv := get(t, h, "/api/session.csv")
	assert.Contains(t, csv.Header().Get("Content-Disposition"), "session_data.csv")
	lines := strings.Split(strings.TrimSpace(csv.Body.String()), "\n")
	assert.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "query,blocked,category,risk_level,timestamp"))

	text := get(t, h, "/api/report").Body.String()
	assert.Contains(t, text, "ANALYTICS REPORT")
	assert.Contains(t, text, "Generated: 2025-06-01 14:03:22")
}

func TestBundleEndpoint(t *testing.T) {
	engine, h := setupTestEngine(t, 16)
	seed(t, engine)

	rec := get(t, h, "/api/export.zip")
	require.Equal(t, http.StatusOK, rec.Code)
	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, report.ManifestName)
	assert.Contains(t, names, report.SnapshotName)
	assert.NotContains(t, names, report.SummaryName)
}

func TestIngestEndpoint(t *testing.T) {
	engine, h := setupTestEngine(t, 16)
	engine.Start()
	defer engine.Close()

	body := `{"query":"how to kill","action":"block","expected_action":"block","category":"instruction","risk_level":"high","timestamp":"2025-06-01T14:03:22.512345","run_id":"ext-1"}`
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"status":"accepted","outcome":"true_positive","blocked":true}`, rec.Body.String())

	waitForProcessed(t, engine.Worker, 1, 2*time.Second)
	got := engine.Store.RunRecords("ext-1")
	require.Len(t, got, 1)
	assert.Equal(t, 14, got[0].Timestamp.Hour())
	assert.Equal(t, 1, engine.Store.Snapshot().TruePositives)
}

func TestIngestEndpointRejectsBadInput(t *testing.T) {
	_, h := setupTestEngine(t, 16)
	for name, body := range map[string]string{
		"json":      `{`,
		"unknown":   `{"query":"q","action":"block","expected_action":"block","category":"c","risk_level":"high","extra":1}`,
		"action":    `{"query":"q","action":"nuke","expected_action":"block","category":"c","risk_level":"high"}`,
		"expected":  `{"query":"q","action":"block","expected_action":"","category":"c","risk_level":"high"}`,
		"category":  `{"query":"q","action":"block","expected_action":"block","category":"","risk_level":"high"}`,
		"timestamp": `{"query":"q","action":"block","expected_action":"block","category":"c","risk_level":"high","timestamp":"yesterday"}`,
	} {
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)
	}
}

func TestIngestEndpointQueueFull(t *testing.T) {
	_, h := setupTestEngine(t, 1)
	body := `{"query":"q","action":"allow","expected_action":"allow","category":"legitimate","risk_level":"low"}`

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/ingest", strings.NewReader(body)))
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusAccepted, http.StatusServiceUnavailable}, codes)
}

func TestHealthAndReady(t *testing.T) {
	_, h := setupTestEngine(t, 16)
	assert.Equal(t, "ok", get(t, h, "/health").Body.String())

	rec := get(t, h, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", rec.Body.String())
}

func TestMetricsEndpointIncludesQueueAndLatency(t *testing.T) {
	engine, h := setupTestEngine(t, 16)
	engine.Start()
	defer engine.Close()
	seed(t, engine)

	ts := models.NewTimestamp(fixedNow)
	require.NoError(t, engine.Worker.Submit(models.NewRecord("q", models.ActionAllow, models.ActionAllow, "legitimate", "low", ts)))
	waitForProcessed(t, engine.Worker, 1, 2*time.Second)

	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	for _, name := range []string{
		"guardstats_queries_total 4",
		"guardstats_blocked_queries_total 2",
		`guardstats_outcomes_total{outcome="true_positive"} 1`,
		`guardstats_category_blocked_total{category="instruction"} 1`,
		"guardstats_ingest_queue_depth",
		"guardstats_ingest_queue_capacity 16",
		"guardstats_ingest_backpressure_mode 0",
		"guardstats_ingest_batch_latency_seconds_bucket",
		"guardstats_ingest_batch_latency_seconds_sum",
		"guardstats_ingest_batch_latency_seconds_count",
		"guardstats_pool_buffer_gets_total",
	} {
		assert.Contains(t, body, name)
	}
}

func TestCollectorCount(t *testing.T) {
	engine, _ := setupTestEngine(t, 16)
	seed(t, engine)
	c := NewCollector(engine)

	assert.Equal(t, 4, testutil.CollectAndCount(c, "guardstats_outcomes_total"))
	assert.Equal(t, 3, testutil.CollectAndCount(c, "guardstats_risk_level_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "guardstats_ingest_batch_latency_seconds"))
	assert.Equal(t, 1, testutil.CollectAndCount(c, "guardstats_ingest_records_unpersisted_total"))
}

func TestCategoryMetricHelpText(t *testing.T) {
	engine, h := setupTestEngine(t, 16)
	seed(t, engine)
	body := get(t, h, "/metrics").Body.String()
	assert.Contains(t, body, "# HELP guardstats_category_blocked_total Queries by category, blocked or not")
	assert.Contains(t, body, `guardstats_category_blocked_total{category="legitimate"} 1`)
}

func TestLatencyHistogramIsCumulative(t *testing.T) {
	snap := ingest.LatencySnapshot{Count: 3, SumNs: uint64(3 * time.Millisecond)}
	snap.BoundsNs[0], snap.Counts[0] = uint64(time.Millisecond), 1
	snap.BoundsNs[1], snap.Counts[1] = uint64(5*time.Millisecond), 2
	for i := 2; i < len(snap.BoundsNs); i++ {
		snap.BoundsNs[i] = ^uint64(0)
	}

	engine, _ := setupTestEngine(t, 16)
	c := NewCollector(engine)
	m := latencyHistogram(c.latency, snap)

	var out dto.Metric
	require.NoError(t, m.Write(&out))
	h := out.GetHistogram()
	require.NotNil(t, h)
	assert.Equal(t, uint64(3), h.GetSampleCount())
	require.Len(t, h.GetBucket(), 2)
	assert.Equal(t, uint64(1), h.GetBucket()[0].GetCumulativeCount())
	assert.Equal(t, uint64(3), h.GetBucket()[1].GetCumulativeCount())
}

func TestRekeyEndpoint(t *testing.T) {
	engine, h := setupTestEngine(t, 16)
	post := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/rekey", nil)
		if token != "" {
			req.Header.Set("X-Admin-Token", token)
		}
		rec := httptest.NewRecorder()
		h.Routes().ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusConflict, post("").Code)

	keyPath := filepath.Join(t.TempDir(), "bundle.key")
	signer, err := crypto.NewSigner(keyPath)
	require.NoError(t, err)
	engine.Signer = signer
	engine.Config.Export.SigningKey = keyPath
	before := signer.PublicKey()

	t.Setenv(EnvAdminToken, "secret")
	assert.Equal(t, http.StatusUnauthorized, post("wrong").Code)

	rec := post("secret")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		OldPublicKey string `json:"old_public_key"`
		NewPublicKey string `json:"new_public_key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, before, body.OldPublicKey)
	assert.Equal(t, signer.PublicKey(), body.NewPublicKey)
}

func TestBundleEndpointSigned(t *testing.T) {
	engine, h := setupTestEngine(t, 16)
	seed(t, engine)
	signer, err := crypto.NewSigner(filepath.Join(t.TempDir(), "bundle.key"))
	require.NoError(t, err)
	engine.Signer = signer

	rec := get(t, h, "/api/export.zip")
	require.Equal(t, http.StatusOK, rec.Code)
	manifest, err := report.VerifyBundle(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	assert.Equal(t, signer.PublicKey(), manifest.PublicKey)
}
