package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/slyt3/guardstats/internal/assert"
	"github.com/slyt3/guardstats/internal/core"
	"github.com/slyt3/guardstats/internal/ingest"
	"github.com/slyt3/guardstats/internal/logging"
	"github.com/slyt3/guardstats/internal/metrics"
	"github.com/slyt3/guardstats/internal/models"
	"github.com/slyt3/guardstats/internal/pool"
	"github.com/slyt3/guardstats/internal/report"
)

const maxIngestBody = 1 << 20

// EnvAdminToken guards POST /api/rekey when set.
const EnvAdminToken = "GUARDSTATS_ADMIN_TOKEN"

// NoData is the body returned when there is nothing to show yet.
type NoData struct {
	Status string `json:"status"`
}

var noData = NoData{Status: "no_data"}

type Handlers struct {
	Core     *core.Engine
	registry *prometheus.Registry
	now      func() time.Time
}

func NewHandlers(engine *core.Engine) *Handlers {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector(engine))
	return &Handlers{Core: engine, registry: reg, now: time.Now}
}

// Routes registers every endpoint on a new mux.
func (h *Handlers) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/overview", h.HandleOverview)
	mux.HandleFunc("GET /api/stats", h.HandleStats)
	mux.HandleFunc("GET /api/summary", h.HandleSummary)
	mux.HandleFunc("GET /api/daily", h.HandleDaily)
	mux.HandleFunc("GET /api/hourly", h.HandleHourly)
	mux.HandleFunc("GET /api/categories", h.HandleCategories)
	mux.HandleFunc("GET /api/risk", h.HandleRisk)
	mux.HandleFunc("GET /api/session.csv", h.HandleSessionCSV)
	mux.HandleFunc("GET /api/report", h.HandleReport)
	mux.HandleFunc("GET /api/export.zip", h.HandleBundle)
	mux.HandleFunc("POST /api/ingest", h.HandleIngest)
	mux.HandleFunc("POST /api/rekey", h.HandleRekey)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /ready", h.HandleReady)
	return mux
}

// Registry exposes the metrics registry for tests and embedding.
func (h *Handlers) Registry() *prometheus.Registry {
	return h.registry
}

func (h *Handlers) HandleOverview(w http.ResponseWriter, r *http.Request) {
	ov, err := h.Core.Overview()
	if err != nil {
		h.fail(w, "overview", err)
		return
	}
	if ov.Source == report.SourceHistory && ov.TotalQueries == 0 {
		writeJSON(w, http.StatusOK, noData)
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// HandleStats serves the raw snapshot, the same bytes the file backend writes.
func (h *Handlers) HandleStats(w http.ResponseWriter, r *http.Request) {
	agg := h.Core.Store.Snapshot()
	if agg.Empty() {
		writeJSON(w, http.StatusOK, noData)
		return
	}
	data, err := report.SnapshotJSON(agg)
	if err != nil {
		h.fail(w, "stats", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="test_analytics.json"`)
	if _, err := w.Write(data); err != nil {
		logging.Error("stats_write_failed", logging.Fields{Component: "api", Error: err.Error()})
	}
}

func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Core.Summary()
	if err != nil {
		h.fail(w, "summary", err)
		return
	}
	if summary == nil {
		writeJSON(w, http.StatusOK, noData)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handlers) HandleDaily(w http.ResponseWriter, r *http.Request) {
	records := h.Core.Store.Records()
	if len(records) == 0 {
		writeJSON(w, http.StatusOK, noData)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Days []metrics.DailyBucket `json:"days"`
	}{Days: metrics.BucketByDate(records)})
}

func (h *Handlers) HandleHourly(w http.ResponseWriter, r *http.Request) {
	records := h.Core.Store.Records()
	if len(records) == 0 {
		writeJSON(w, http.StatusOK, noData)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Hours [24]int `json:"hours"`
	}{Hours: metrics.HourlyActivity(records)})
}

func (h *Handlers) HandleCategories(w http.ResponseWriter, r *http.Request) {
	agg := h.Core.Store.Snapshot()
	if agg.Empty() {
		writeJSON(w, http.StatusOK, noData)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Blocked   []report.CountRow      `json:"blocked"`
		Breakdown []metrics.CategoryRate `json:"breakdown"`
	}{
		Blocked:   report.CategoryTable(agg),
		Breakdown: metrics.CategoryBreakdown(agg.SessionData),
	})
}

func (h *Handlers) HandleRisk(w http.ResponseWriter, r *http.Request) {
	agg := h.Core.Store.Snapshot()
	if agg.Empty() {
		writeJSON(w, http.StatusOK, noData)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		RiskLevels []report.CountRow `json:"risk_levels"`
	}{RiskLevels: report.RiskTable(agg)})
}

func (h *Handlers) HandleSessionCSV(w http.ResponseWriter, r *http.Request) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if err := report.WriteSessionCSV(buf, h.Core.Store.Records()); err != nil {
		h.fail(w, "session_csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="session_data.csv"`)
	if _, err := w.Write(buf.Bytes()); err != nil {
		logging.Error("session_csv_write_failed", logging.Fields{Component: "api", Error: err.Error()})
	}
}

func (h *Handlers) HandleReport(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Core.Summary()
	if err != nil {
		h.fail(w, "report", err)
		return
	}
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if err := report.TextReport(buf, h.Core.Store.Snapshot(), summary, h.now()); err != nil {
		h.fail(w, "report", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write(buf.Bytes()); err != nil {
		logging.Error("report_write_failed", logging.Fields{Component: "api", Error: err.Error()})
	}
}

func (h *Handlers) HandleBundle(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Core.Summary()
	if err != nil {
		h.fail(w, "bundle", err)
		return
	}
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)
	if err := report.WriteBundle(buf, h.Core.Store.Snapshot(), summary, h.now(), h.Core.BundleOptions()...); err != nil {
		h.fail(w, "bundle", err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="guardstats_export.zip"`)
	if _, err := w.Write(buf.Bytes()); err != nil {
		logging.Error("bundle_write_failed", logging.Fields{Component: "api", Error: err.Error()})
	}
}

// IngestRequest is one classifier decision posted by an external harness.
// The outcome is derived server-side from action and expected_action.
type IngestRequest struct {
	Query          string `json:"query"`
	Action         string `json:"action"`
	ExpectedAction string `json:"expected_action"`
	Category       string `json:"category"`
	RiskLevel      string `json:"risk_level"`
	Timestamp      string `json:"timestamp,omitempty"`
	RunID          string `json:"run_id,omitempty"`
}

func (req IngestRequest) record(now time.Time) (models.OutcomeRecord, error) {
	action, ok := models.ParseAction(req.Action)
	if !ok {
		return models.OutcomeRecord{}, fmt.Errorf("unknown action %q", req.Action)
	}
	expected, ok := models.ParseAction(req.ExpectedAction)
	if !ok {
		return models.OutcomeRecord{}, fmt.Errorf("unknown expected_action %q", req.ExpectedAction)
	}
	if strings.TrimSpace(req.Category) == "" || strings.TrimSpace(req.RiskLevel) == "" {
		return models.OutcomeRecord{}, fmt.Errorf("category and risk_level are required")
	}
	ts := models.NewTimestamp(now)
	if req.Timestamp != "" {
		parsed, err := models.ParseTimestamp(req.Timestamp)
		if err != nil {
			return models.OutcomeRecord{}, err
		}
		ts = parsed
	}
	rec := models.NewRecord(req.Query, action, expected, req.Category, req.RiskLevel, ts)
	rec.RunID = req.RunID
	return rec, nil
}

func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	if err := assert.NotNil(h.Core.Worker, "worker"); err != nil {
		http.Error(w, "ingest unavailable", http.StatusServiceUnavailable)
		return
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxIngestBody))
	dec.DisallowUnknownFields()
	var req IngestRequest
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	rec, err := req.record(h.now())
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch err := h.Core.Worker.Submit(rec); {
	case errors.Is(err, ingest.ErrQueueFull), errors.Is(err, ingest.ErrShuttingDown):
		w.Header().Set("Retry-After", "1")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, struct {
		Status  string         `json:"status"`
		Outcome models.Outcome `json:"outcome"`
		Blocked bool           `json:"blocked"`
	}{Status: "accepted", Outcome: rec.Outcome, Blocked: rec.Blocked})
}

// HandleRekey rotates the bundle signing key. When GUARDSTATS_ADMIN_TOKEN
// is set the request must carry it in X-Admin-Token.
func (h *Handlers) HandleRekey(w http.ResponseWriter, r *http.Request) {
	adminToken := os.Getenv(EnvAdminToken)
	if adminToken != "" && r.Header.Get("X-Admin-Token") != adminToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if h.Core.Signer == nil {
		http.Error(w, "bundle signing is not configured", http.StatusConflict)
		return
	}
	oldPubKey, newPubKey, err := h.Core.Signer.Rotate()
	if err != nil {
		h.fail(w, "rekey", err)
		return
	}
	logging.Info("signing_key_rotated", logging.Fields{Component: "api", Path: h.Core.Config.Export.SigningKey})
	writeJSON(w, http.StatusOK, struct {
		OldPublicKey string `json:"old_public_key"`
		NewPublicKey string `json:"new_public_key"`
	}{oldPubKey, newPubKey})
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := assert.NotNil(h, "handlers"); err != nil {
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleReady(w http.ResponseWriter, r *http.Request) {
	if err := assert.NotNil(h.Core, "core"); err != nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := assert.NotNil(h.Core.Store, "store"); err != nil {
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := assert.NotNil(h.Core.Worker, "worker"); err != nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if !h.Core.Worker.IsHealthy() {
		http.Error(w, "worker unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (h *Handlers) fail(w http.ResponseWriter, op string, err error) {
	logging.Error(op+"_failed", logging.Fields{Component: "api", Error: err.Error()})
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("response_encode_failed", logging.Fields{Component: "api", Error: err.Error()})
	}
}
