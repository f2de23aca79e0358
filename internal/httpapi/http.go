// Package httpapi exposes the ingest, reporting, and ops surface.
// Consensus reads never leak internal failures: a missing or degraded
// result is reported as absent confidence, not as an error string.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"trait_engine/internal/budget"
	"trait_engine/internal/config"
	"trait_engine/internal/engine"
	"trait_engine/internal/ingest"
	"trait_engine/internal/ledger"
	"trait_engine/internal/metrics"
	"trait_engine/internal/queue"
)

// Router builds the HTTP handlers for /api and /ops.
type Router struct {
	cfg     config.Config
	agg     *ingest.Aggregator
	store   *ledger.Store
	budget  *budget.Ledger
	eng     *engine.Engine
	queue   *queue.Queue
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewRouter(cfg config.Config, agg *ingest.Aggregator, store *ledger.Store, bud *budget.Ledger, eng *engine.Engine, q *queue.Queue, m *metrics.Metrics, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{cfg: cfg, agg: agg, store: store, budget: bud, eng: eng, queue: q, metrics: m, logger: logger}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/events", r.ingestEvent)
	mux.HandleFunc("/api/consensus/", r.consensus)
	mux.HandleFunc("/api/runs/", r.runs)
	mux.HandleFunc("/api/budget/", r.budgetStatus)
	mux.HandleFunc("/ops/health", r.health)
	mux.HandleFunc("/ops/status", r.status)
	mux.HandleFunc("/ops/fuse", r.fuse)
	mux.HandleFunc("/ops/budget/reconcile", r.reconcile)
}

// ingestEvent accepts one communication event. The text field is folded
// into window statistics during the request and discarded; a consent
// denial consumes the event without scoring it.
func (r *Router) ingestEvent(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer req.Body.Close()
	var ev ingest.CommEvent
	if err := json.NewDecoder(io.LimitReader(req.Body, 1<<20)).Decode(&ev); err != nil {
		r.respondError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	switch err := r.agg.Ingest(req.Context(), ev); {
	case err == nil:
		r.respondStatus(w, http.StatusAccepted, map[string]any{"status": "accepted"})
	case errors.Is(err, ingest.ErrMalformedEvent):
		r.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ingest.ErrConsentDenied):
		// Consumed and discarded; not a client error.
		r.respondStatus(w, http.StatusAccepted, map[string]any{"status": "dropped", "reason": "consent_denied"})
	default:
		r.logger.Error("ingest failed", zap.Error(err))
		r.respondError(w, http.StatusServiceUnavailable, "ingest unavailable")
	}
}

// consensus returns the latest consensus for a subject.
func (r *Router) consensus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	subject := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/consensus/"), "/")
	if subject == "" {
		http.NotFound(w, req)
		return
	}
	cons, err := r.store.LatestConsensus(req.Context(), subject)
	switch {
	case errors.Is(err, ledger.ErrNoConsensus):
		r.respondError(w, http.StatusNotFound, "no consensus for subject")
	case err != nil:
		r.logger.Error("consensus query failed", zap.String("subject", subject), zap.Error(err))
		r.respondError(w, http.StatusInternalServerError, "db error")
	default:
		r.respondJSON(w, cons)
	}
}

// runs returns the run audit trail for a subject, newest first.
func (r *Router) runs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	subject := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/runs/"), "/")
	if subject == "" {
		http.NotFound(w, req)
		return
	}
	from, err := parseTimeParam(req.URL.Query().Get("from"))
	if err != nil {
		r.respondError(w, http.StatusBadRequest, "invalid from")
		return
	}
	to, err := parseTimeParam(req.URL.Query().Get("to"))
	if err != nil {
		r.respondError(w, http.StatusBadRequest, "invalid to")
		return
	}
	if to.IsZero() {
		to = config.Now().AddDate(1, 0, 0)
	}
	limit := parseIntDefault(req.URL.Query().Get("limit"), 100)

	runs, err := r.store.RunsBySubject(req.Context(), subject, from, to, limit)
	if err != nil {
		r.logger.Error("runs query failed", zap.String("subject", subject), zap.Error(err))
		r.respondError(w, http.StatusInternalServerError, "db error")
		return
	}
	r.respondJSON(w, map[string]any{"subject_id": subject, "runs": runs})
}

type budgetResponse struct {
	budget.Snapshot
	Remaining int64 `json:"remaining"`
}

// budgetStatus reports one org's budget row for a period.
func (r *Router) budgetStatus(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	org := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/budget/"), "/")
	if org == "" {
		http.NotFound(w, req)
		return
	}
	period := strings.TrimSpace(req.URL.Query().Get("period"))
	if period == "" {
		period = budget.PeriodOf(config.Now())
	}
	snap, err := r.budget.Snapshot(req.Context(), org, period)
	switch {
	case errors.Is(err, budget.ErrNotFound):
		r.respondError(w, http.StatusNotFound, "no budget for org and period")
	case err != nil:
		r.logger.Error("budget query failed", zap.String("org", org), zap.Error(err))
		r.respondError(w, http.StatusInternalServerError, "db error")
	default:
		r.respondJSON(w, budgetResponse{Snapshot: snap, Remaining: snap.Remaining()})
	}
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, "db unavailable", http.StatusServiceUnavailable)
		return
	}
	if !r.queue.Healthy() {
		http.Error(w, "queue not running", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	version := strings.TrimSpace(os.Getenv("GIT_SHA"))
	if version == "" {
		version = "dev"
	}

	qStats := r.queue.Stats()
	r.metrics.UpdateQueue(qStats.Length, qStats.Capacity, qStats.WorkerCount)
	snap := r.metrics.Snapshot()

	counts, err := r.store.RunCounts(req.Context())
	if err != nil {
		r.logger.Error("run counts failed", zap.Error(err))
		counts = map[string]int64{}
	}

	dbStatus := map[string]any{"db_ok": true, "db_path": r.cfg.DBPath}
	if err := r.store.Health(req.Context()); err != nil {
		dbStatus["db_ok"] = false
		dbStatus["last_db_error"] = err.Error()
	}

	r.respondJSON(w, map[string]any{
		"version": version,
		"config": map[string]any{
			"spool_dir":     r.cfg.SpoolDir,
			"db_path":       r.cfg.DBPath,
			"worker_count":  r.cfg.WorkerCount,
			"queue_size":    r.cfg.QueueSize,
			"period_days":   r.cfg.Window.PeriodDays,
			"validator_on":  r.cfg.Validator.Enabled,
			"prompt_ver":    r.cfg.Validator.PromptVersion,
			"min_messages":  r.cfg.Window.MinMessages,
			"fuse_interval": r.cfg.Window.FuseIntervalSec,
		},
		"queue":        qStats,
		"runs":         counts,
		"open_windows": r.agg.OpenWindows(),
		"metrics":      snap,
		"db":           dbStatus,
	})
}

// fuse seals due windows and enqueues their runs immediately, without
// waiting for the scheduler tick.
func (r *Router) fuse(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n := r.eng.RunDue(req.Context(), config.Now())
	r.respondJSON(w, map[string]any{"status": "queued", "enqueued": n})
}

// reconcile recomputes an org's spend from the escalation audit trail and
// lifts a halted ledger.
func (r *Router) reconcile(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer req.Body.Close()
	var body struct {
		OrgID  string `json:"org_id"`
		Period string `json:"period"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil || body.OrgID == "" || body.Period == "" {
		r.respondError(w, http.StatusBadRequest, "org_id and period are required")
		return
	}
	audited, err := r.store.EscalatedTokens(req.Context(), body.OrgID, body.Period)
	if err != nil {
		r.logger.Error("escalation audit failed", zap.String("org", body.OrgID), zap.Error(err))
		r.respondError(w, http.StatusInternalServerError, "db error")
		return
	}
	snap, err := r.budget.Reconcile(req.Context(), body.OrgID, body.Period, audited)
	switch {
	case errors.Is(err, budget.ErrNotFound):
		r.respondError(w, http.StatusNotFound, "no budget for org and period")
	case err != nil:
		r.logger.Error("reconcile failed", zap.String("org", body.OrgID), zap.Error(err))
		r.respondError(w, http.StatusInternalServerError, "db error")
	default:
		r.logger.Info("budget reconciled via ops",
			zap.String("org", body.OrgID),
			zap.String("period", body.Period),
			zap.Int64("audited_spend", audited))
		r.respondJSON(w, map[string]any{
			"org_id":        body.OrgID,
			"period":        body.Period,
			"audited_spend": audited,
			"budget":        budgetResponse{Snapshot: snap, Remaining: snap.Remaining()},
		})
	}
}

func (r *Router) respondJSON(w http.ResponseWriter, payload any) {
	r.respondStatus(w, http.StatusOK, payload)
}

func (r *Router) respondStatus(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Warn("response write failed", zap.Error(err))
	}
}

func (r *Router) respondError(w http.ResponseWriter, code int, msg string) {
	r.respondStatus(w, code, map[string]string{"error": msg})
}

func parseTimeParam(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts, nil
	}
	if unix, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q", raw)
}

func parseIntDefault(value string, fallback int) int {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
