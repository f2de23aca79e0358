package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"trait_engine/internal/escalate"
	"trait_engine/internal/fusion"
	"trait_engine/internal/runners"
	"trait_engine/internal/trait"
)

// ErrDuplicateRun means a non-terminal run already exists for the
// subject and period. The second attempt must not start.
var ErrDuplicateRun = errors.New("run already active for subject and period")

// ErrRunNotFound is returned by lookups that matched no run.
var ErrRunNotFound = errors.New("run not found")

// ErrNoConsensus means the subject has no fused result yet.
var ErrNoConsensus = errors.New("no consensus for subject")

// ErrInvalidTransition means a status update targeted a run that is
// not in the expected prior state. Terminal states are written once.
var ErrInvalidTransition = errors.New("run is not in a transitionable state")

// RunStatus is the lifecycle state of a run record.
type RunStatus string

const (
	StatusPending       RunStatus = "pending"
	StatusRunning       RunStatus = "running"
	StatusCompleted     RunStatus = "completed"
	StatusFailed        RunStatus = "failed"
	StatusSkippedBudget RunStatus = "skipped_budget"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkippedBudget:
		return true
	}
	return false
}

// RunRecord is one inference run over a subject's sealed windows.
type RunRecord struct {
	RunID         string     `json:"run_id"`
	SubjectID     string     `json:"subject_id"`
	OrgID         string     `json:"org_id"`
	PeriodStart   time.Time  `json:"period_start"`
	PeriodEnd     time.Time  `json:"period_end"`
	Status        RunStatus  `json:"status"`
	ModelsInvoked []string   `json:"models_invoked"`
	TokensSpent   int64      `json:"tokens_spent"`
	ErrorDetail   *string    `json:"error_detail,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Escalation is one audit row for a validator escalation attempt.
// Outcome is committed, released, or refused.
type Escalation struct {
	RunID     string    `json:"run_id"`
	SubjectID string    `json:"subject_id"`
	OrgID     string    `json:"org_id"`
	Period    string    `json:"period"`
	Cause     string    `json:"cause"`
	Outcome   string    `json:"outcome"`
	Tokens    int64     `json:"tokens"`
	CreatedAt time.Time `json:"created_at"`
}

// Store wraps SQLite access for runs, model outputs, consensus,
// window artifacts, and the escalation audit trail.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger database and runs
// migrations. WAL and a busy timeout let the scheduler, workers, and
// HTTP handlers share the file.
func Open(path string) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle so the token budget ledger can
// share the same database file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			period_start TIMESTAMP NOT NULL,
			period_end TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			models_invoked TEXT NOT NULL DEFAULT '[]',
			tokens_spent INTEGER NOT NULL DEFAULT 0,
			error_detail TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		);`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_active
			ON runs(subject_id, period_start)
			WHERE status IN ('pending', 'running');`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_completed
			ON runs(subject_id, period_start)
			WHERE status = 'completed';`,
		`CREATE INDEX IF NOT EXISTS idx_runs_subject ON runs(subject_id, period_start);`,
		`CREATE TABLE IF NOT EXISTS model_outputs (
			run_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			traits_json TEXT NOT NULL,
			confidence REAL NOT NULL,
			tokens_consumed INTEGER NOT NULL DEFAULT 0,
			checksum TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, kind)
		);`,
		`CREATE TABLE IF NOT EXISTS consensus (
			run_id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			traits_json TEXT NOT NULL,
			aggregate_confidence REAL NOT NULL,
			contributing_models TEXT NOT NULL,
			degraded INTEGER NOT NULL DEFAULT 0,
			degradation_reason TEXT,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_consensus_subject ON consensus(subject_id, created_at);`,
		`CREATE TABLE IF NOT EXISTS window_artifacts (
			run_id TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			period_start TIMESTAMP NOT NULL,
			stats_json TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (run_id, channel)
		);`,
		`CREATE TABLE IF NOT EXISTS escalations (
			run_id TEXT PRIMARY KEY,
			subject_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			period TEXT NOT NULL,
			cause TEXT NOT NULL,
			outcome TEXT NOT NULL,
			tokens INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_escalations_org ON escalations(org_id, period);`,
		`CREATE INDEX IF NOT EXISTS idx_escalations_subject ON escalations(subject_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// CreateRun inserts a new pending run. A non-terminal run for the same
// subject and period makes this ErrDuplicateRun.
func (s *Store) CreateRun(ctx context.Context, r *RunRecord) error {
	r.Status = StatusPending
	models, _ := json.Marshal([]string{})
	_, err := s.db.ExecContext(ctx, `INSERT INTO runs(run_id, subject_id, org_id, period_start, period_end, status, models_invoked, created_at, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.SubjectID, r.OrgID, r.PeriodStart, r.PeriodEnd, r.Status, string(models), r.CreatedAt, r.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateRun
	}
	return err
}

// MarkRunning moves a pending run to running.
func (s *Store) MarkRunning(ctx context.Context, runID string, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status=?, started_at=?, updated_at=? WHERE run_id=? AND status=?`,
		StatusRunning, ts, ts, runID, StatusPending)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// CompleteRun writes the consensus and the terminal completed status in
// one transaction. A run that is not running cannot complete.
func (s *Store) CompleteRun(ctx context.Context, c fusion.Consensus, tokensSpent int64, ts time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	models, err := json.Marshal(c.ContributingModels)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, models_invoked=?, tokens_spent=?, completed_at=?, updated_at=? WHERE run_id=? AND status=?`,
		StatusCompleted, string(models), tokensSpent, ts, ts, c.RunID, StatusRunning)
	if err != nil {
		return err
	}
	if err := oneRow(res); err != nil {
		return err
	}

	traits, err := json.Marshal(c.Traits)
	if err != nil {
		return err
	}
	reason := sql.NullString{String: c.DegradationReason, Valid: c.DegradationReason != ""}
	if _, err := tx.ExecContext(ctx, `INSERT INTO consensus(run_id, subject_id, traits_json, aggregate_confidence, contributing_models, degraded, degradation_reason, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, c.SubjectID, string(traits), c.AggregateConfidence, string(models), boolInt(c.Degraded), reason, ts); err != nil {
		return err
	}
	return tx.Commit()
}

// FailRun moves a non-terminal run to failed with a detail message.
func (s *Store) FailRun(ctx context.Context, runID, detail string, ts time.Time) error {
	return s.finishRun(ctx, runID, StatusFailed, detail, ts)
}

// SkipRun marks a run skipped for budget integrity before any model ran.
func (s *Store) SkipRun(ctx context.Context, runID, detail string, ts time.Time) error {
	return s.finishRun(ctx, runID, StatusSkippedBudget, detail, ts)
}

func (s *Store) finishRun(ctx context.Context, runID string, status RunStatus, detail string, ts time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status=?, error_detail=?, completed_at=?, updated_at=? WHERE run_id=? AND status IN (?, ?)`,
		status, detail, ts, ts, runID, StatusPending, StatusRunning)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// FailStale fails pending or running runs last touched before the
// cutoff. Called at startup to clear runs orphaned by a crash.
func (s *Store) FailStale(ctx context.Context, cutoff time.Time, detail string, ts time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status=?, error_detail=?, completed_at=?, updated_at=? WHERE status IN (?, ?) AND updated_at < ?`,
		StatusFailed, detail, ts, ts, StatusPending, StatusRunning, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SaveOutputs persists the per-model contributions for a run. Outputs
// are immutable, so a duplicate kind for the same run is an error.
func (s *Store) SaveOutputs(ctx context.Context, outputs []runners.Output, ts time.Time) error {
	for _, out := range outputs {
		traits, err := json.Marshal(out.Traits)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO model_outputs(run_id, subject_id, kind, traits_json, confidence, tokens_consumed, checksum, created_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
			out.RunID, out.SubjectID, out.Kind, string(traits), out.Confidence, out.TokensConsumed, out.Checksum, ts); err != nil {
			return err
		}
	}
	return nil
}

// Outputs returns the stored model contributions for a run in canonical
// kind order.
func (s *Store) Outputs(ctx context.Context, runID string) ([]runners.Output, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, subject_id, kind, traits_json, confidence, tokens_consumed, checksum FROM model_outputs WHERE run_id=?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byKind := map[runners.Kind]runners.Output{}
	for rows.Next() {
		var out runners.Output
		var traitsJSON string
		if err := rows.Scan(&out.RunID, &out.SubjectID, &out.Kind, &traitsJSON, &out.Confidence, &out.TokensConsumed, &out.Checksum); err != nil {
			return nil, err
		}
		out.Traits = trait.Vector{}
		if err := json.Unmarshal([]byte(traitsJSON), &out.Traits); err != nil {
			return nil, fmt.Errorf("decode traits for run %s: %w", runID, err)
		}
		byKind[out.Kind] = out
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var outputs []runners.Output
	for _, kind := range runners.Kinds() {
		if out, ok := byKind[kind]; ok {
			outputs = append(outputs, out)
		}
	}
	return outputs, nil
}

// SaveWindowArtifacts records the derived statistics each run consumed,
// keyed by channel. Artifacts hold aggregates only, never text.
func (s *Store) SaveWindowArtifacts(ctx context.Context, runID string, artifacts []WindowArtifact, ts time.Time) error {
	for _, a := range artifacts {
		if _, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO window_artifacts(run_id, subject_id, channel, period_start, stats_json, created_at)
			VALUES(?, ?, ?, ?, ?, ?)`,
			runID, a.SubjectID, a.Channel, a.PeriodStart, a.StatsJSON, ts); err != nil {
			return err
		}
	}
	return nil
}

// WindowArtifact is one serialized aggregation window tied to a run.
type WindowArtifact struct {
	SubjectID   string    `json:"subject_id"`
	Channel     string    `json:"channel"`
	PeriodStart time.Time `json:"period_start"`
	StatsJSON   string    `json:"stats_json"`
}

// Artifacts returns the window statistics a run consumed.
func (s *Store) Artifacts(ctx context.Context, runID string) ([]WindowArtifact, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subject_id, channel, period_start, stats_json FROM window_artifacts WHERE run_id=? ORDER BY channel ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var artifacts []WindowArtifact
	for rows.Next() {
		var a WindowArtifact
		if err := rows.Scan(&a.SubjectID, &a.Channel, &a.PeriodStart, &a.StatsJSON); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// RecordEscalation appends one row to the escalation audit trail.
func (s *Store) RecordEscalation(ctx context.Context, e *Escalation) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO escalations(run_id, subject_id, org_id, period, cause, outcome, tokens, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.SubjectID, e.OrgID, e.Period, e.Cause, e.Outcome, e.Tokens, e.CreatedAt)
	return err
}

// EscalationsByRun returns the audit rows for one run.
func (s *Store) EscalationsByRun(ctx context.Context, runID string) ([]*Escalation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT run_id, subject_id, org_id, period, cause, outcome, tokens, created_at
		FROM escalations WHERE run_id=? ORDER BY created_at ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Escalation
	for rows.Next() {
		var e Escalation
		if err := rows.Scan(&e.RunID, &e.SubjectID, &e.OrgID, &e.Period, &e.Cause, &e.Outcome, &e.Tokens, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// SubjectHistory summarizes a subject's past runs for escalation policy.
func (s *Store) SubjectHistory(ctx context.Context, subjectID string) (escalate.SubjectHistory, error) {
	var h escalate.SubjectHistory
	row := s.db.QueryRowContext(ctx, `SELECT
		EXISTS(SELECT 1 FROM runs WHERE subject_id=? AND status=?),
		EXISTS(SELECT 1 FROM escalations WHERE subject_id=?)`,
		subjectID, StatusCompleted, subjectID)
	var completed, escalated int
	if err := row.Scan(&completed, &escalated); err != nil {
		return h, err
	}
	h.HasCompletedRun = completed == 1
	h.EverEscalated = escalated == 1
	return h, nil
}

// EscalatedTokens sums the committed validator spend for an org and
// budget period, as audited from the escalation trail.
func (s *Store) EscalatedTokens(ctx context.Context, orgID, period string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(tokens), 0) FROM escalations WHERE org_id=? AND period=? AND outcome='committed'`, orgID, period)
	var total int64
	if err := row.Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

// GetRun returns a single run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id=?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return r, err
}

// RunsBySubject lists a subject's runs whose period starts inside
// [from, to), newest first.
func (s *Store) RunsBySubject(ctx context.Context, subjectID string, from, to time.Time, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs WHERE subject_id=? AND period_start>=? AND period_start<? ORDER BY created_at DESC LIMIT ?`,
		subjectID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// HasCompletedRun reports whether the subject already has a completed
// run for the given period, so due-run scans stay idempotent.
func (s *Store) HasCompletedRun(ctx context.Context, subjectID string, periodStart time.Time) (bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE subject_id=? AND period_start=? AND status=?)`,
		subjectID, periodStart, StatusCompleted)
	var exists int
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists == 1, nil
}

// RunCounts returns run totals grouped by status, for the ops surface.
func (s *Store) RunCounts(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int64{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// LatestConsensus returns the subject's newest fused result.
func (s *Store) LatestConsensus(ctx context.Context, subjectID string) (fusion.Consensus, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, subject_id, traits_json, aggregate_confidence, contributing_models, degraded, degradation_reason, created_at
		FROM consensus WHERE subject_id=? ORDER BY created_at DESC, run_id DESC LIMIT 1`, subjectID)
	c, err := scanConsensus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fusion.Consensus{}, ErrNoConsensus
	}
	return c, err
}

// ConsensusByRun returns the fused result a specific run produced.
func (s *Store) ConsensusByRun(ctx context.Context, runID string) (fusion.Consensus, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, subject_id, traits_json, aggregate_confidence, contributing_models, degraded, degradation_reason, created_at
		FROM consensus WHERE run_id=?`, runID)
	c, err := scanConsensus(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fusion.Consensus{}, ErrNoConsensus
	}
	return c, err
}

// Health returns err if the DB is not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}

const runColumns = `run_id, subject_id, org_id, period_start, period_end, status, models_invoked, tokens_spent, error_detail, created_at, updated_at, started_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var r RunRecord
	var models string
	var detail sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&r.RunID, &r.SubjectID, &r.OrgID, &r.PeriodStart, &r.PeriodEnd, &r.Status, &models, &r.TokensSpent, &detail, &r.CreatedAt, &r.UpdatedAt, &started, &completed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(models), &r.ModelsInvoked); err != nil {
		return nil, fmt.Errorf("decode models for run %s: %w", r.RunID, err)
	}
	if detail.Valid {
		r.ErrorDetail = &detail.String
	}
	if started.Valid {
		r.StartedAt = &started.Time
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	return &r, nil
}

func scanConsensus(row scanner) (fusion.Consensus, error) {
	var c fusion.Consensus
	var traitsJSON, models string
	var degraded int
	var reason sql.NullString
	if err := row.Scan(&c.RunID, &c.SubjectID, &traitsJSON, &c.AggregateConfidence, &models, &degraded, &reason, &c.CreatedAt); err != nil {
		return c, err
	}
	c.Traits = trait.Vector{}
	if err := json.Unmarshal([]byte(traitsJSON), &c.Traits); err != nil {
		return c, fmt.Errorf("decode consensus traits for run %s: %w", c.RunID, err)
	}
	if err := json.Unmarshal([]byte(models), &c.ContributingModels); err != nil {
		return c, fmt.Errorf("decode contributing models for run %s: %w", c.RunID, err)
	}
	c.Degraded = degraded == 1
	if reason.Valid {
		c.DegradationReason = reason.String
	}
	return c, nil
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
