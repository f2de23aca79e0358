// Package engine orchestrates inference runs: it seals due windows,
// re-checks consent, executes the tier-1 runners, escalates to the
// generative validator under budget reservation, fuses the outputs and
// records every step in the run ledger.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"trait_engine/internal/budget"
	"trait_engine/internal/config"
	"trait_engine/internal/escalate"
	"trait_engine/internal/events"
	"trait_engine/internal/fusion"
	"trait_engine/internal/identity"
	"trait_engine/internal/ingest"
	"trait_engine/internal/ledger"
	"trait_engine/internal/metrics"
	"trait_engine/internal/queue"
	"trait_engine/internal/runners"
	"trait_engine/internal/validator"
)

// ErrAlreadyCompleted marks a subject and period that already produced a
// completed run. Re-fusing the same sealed period would double-count the
// subject, so the group is dropped silently.
var ErrAlreadyCompleted = errors.New("run already completed for period")

// staleRunCutoff is how long a run may sit in pending or running before
// startup recovery declares it orphaned.
const staleRunCutoff = time.Hour

// Escalation audit outcomes.
const (
	outcomeCommitted = "committed"
	outcomeReleased  = "released"
	outcomeRefused   = "refused"
)

// Assessor is the validator surface the engine depends on. The concrete
// implementation wraps an OpenAI-compatible endpoint; tests substitute a
// canned one.
type Assessor interface {
	Assess(ctx context.Context, runID string, w *ingest.Window, tier1 []runners.Output) (runners.Output, int64, error)
}

// Engine drives fusion runs end to end.
type Engine struct {
	cfg      config.Config
	agg      *ingest.Aggregator
	store    *ledger.Store
	budget   *budget.Ledger
	dir      identity.Directory
	assessor Assessor
	queue    *queue.Queue
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tier1    []runners.Runner
}

// New assembles an engine. assessor may be nil when validation is
// disabled; runs then never escalate and never degrade.
func New(cfg config.Config, agg *ingest.Aggregator, store *ledger.Store, bud *budget.Ledger, dir identity.Directory, assessor Assessor, q *queue.Queue, bus *events.Bus, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:      cfg,
		agg:      agg,
		store:    store,
		budget:   bud,
		dir:      dir,
		assessor: assessor,
		queue:    q,
		bus:      bus,
		metrics:  m,
		logger:   logger,
		tier1:    runners.Tier1(),
	}
}

func (e *Engine) validatorOn() bool {
	return e.assessor != nil && e.cfg.Validator.Enabled
}

// RunSubject executes one full inference run for a sealed subject
// period. It returns ErrAlreadyCompleted when the period already has a
// completed run, ingest.ErrConsentDenied when consent was revoked after
// the windows sealed, and ledger.ErrDuplicateRun when another run for
// the same subject and period is still active.
func (e *Engine) RunSubject(ctx context.Context, group ingest.SealedGroup) (fusion.Consensus, error) {
	now := config.Now()

	// Consent is re-checked at run time, not just at ingest. A subject
	// who revoked since the window opened gets their sealed statistics
	// discarded instead of scored.
	allowed, err := e.agg.Consent(ctx, group.SubjectID)
	if err != nil {
		return fusion.Consensus{}, fmt.Errorf("consent re-check for %s: %w", group.SubjectID, err)
	}
	if !allowed {
		dropped := e.agg.DiscardSubject(group.SubjectID)
		e.metrics.RecordDropped()
		e.logger.Info("consent revoked before run, windows discarded",
			zap.String("subject", group.SubjectID),
			zap.Int("open_windows_dropped", dropped))
		return fusion.Consensus{}, ingest.ErrConsentDenied
	}

	done, err := e.store.HasCompletedRun(ctx, group.SubjectID, group.PeriodStart)
	if err != nil {
		return fusion.Consensus{}, err
	}
	if done {
		return fusion.Consensus{}, ErrAlreadyCompleted
	}

	merged, err := ingest.Merge(group.Windows)
	if err != nil {
		return fusion.Consensus{}, err
	}

	period := budget.PeriodOf(now)
	e.ensureBudget(ctx, group.OrgID, period)

	run := &ledger.RunRecord{
		RunID:       uuid.NewString(),
		SubjectID:   group.SubjectID,
		OrgID:       group.OrgID,
		PeriodStart: group.PeriodStart,
		PeriodEnd:   group.PeriodEnd,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return fusion.Consensus{}, err
	}

	// A halted ledger means token accounting for the org cannot be
	// trusted. The run is skipped outright rather than completed
	// degraded, because even the zero-cost tier stamps spend totals.
	if _, err := e.budget.Remaining(ctx, group.OrgID, period); errors.Is(err, budget.ErrLedgerHalted) {
		if serr := e.store.SkipRun(ctx, run.RunID, "budget ledger halted pending reconciliation", config.Now()); serr != nil {
			e.logger.Error("skip status not recorded", zap.String("run_id", run.RunID), zap.Error(serr))
		}
		e.metrics.RecordRun(string(ledger.StatusSkippedBudget))
		e.bus.Publish(events.RunCompleted{RunID: run.RunID, SubjectID: run.SubjectID, Status: string(ledger.StatusSkippedBudget)})
		e.logger.Warn("run skipped, org ledger halted",
			zap.String("run_id", run.RunID),
			zap.String("org", group.OrgID),
			zap.String("period", period))
		return fusion.Consensus{}, err
	}

	if err := e.store.MarkRunning(ctx, run.RunID, config.Now()); err != nil {
		return fusion.Consensus{}, e.failRun(ctx, run, err)
	}

	e.saveArtifacts(ctx, run.RunID, group)

	tier1, err := e.runTierOne(run.RunID, merged)
	if err != nil {
		return fusion.Consensus{}, e.failRun(ctx, run, err)
	}
	if err := e.store.SaveOutputs(ctx, tier1, config.Now()); err != nil {
		return fusion.Consensus{}, e.failRun(ctx, run, err)
	}

	history, err := e.store.SubjectHistory(ctx, group.SubjectID)
	if err != nil {
		return fusion.Consensus{}, e.failRun(ctx, run, err)
	}
	remaining, err := e.budget.Remaining(ctx, group.OrgID, period)
	if err != nil {
		remaining = 0
	}
	decision := escalate.Evaluate(tier1, remaining, history, e.cfg.Escalation)

	outputs, degReason, spent := e.validate(ctx, run, merged, tier1, decision, period)
	if len(outputs) > len(tier1) {
		if err := e.store.SaveOutputs(ctx, outputs[len(tier1):], config.Now()); err != nil {
			return fusion.Consensus{}, e.failRun(ctx, run, err)
		}
	}

	cons, err := fusion.Fuse(run.RunID, group.SubjectID, outputs, fusion.Options{
		Weights:           e.cfg.Fusion,
		ValidatorEligible: decision.Eligible && e.validatorOn(),
		DegradationReason: degReason,
	})
	if err != nil {
		return fusion.Consensus{}, e.failRun(ctx, run, err)
	}
	cons.CreatedAt = config.Now()

	if err := e.store.CompleteRun(ctx, cons, spent, cons.CreatedAt); err != nil {
		return fusion.Consensus{}, e.failRun(ctx, run, err)
	}
	e.metrics.RecordRun(string(ledger.StatusCompleted))
	e.bus.Publish(events.RunCompleted{
		RunID:     run.RunID,
		SubjectID: run.SubjectID,
		Status:    string(ledger.StatusCompleted),
		Degraded:  cons.Degraded,
		Tokens:    spent,
	})
	e.logger.Info("run completed",
		zap.String("run_id", run.RunID),
		zap.String("subject", group.SubjectID),
		zap.Float64("confidence", cons.AggregateConfidence),
		zap.Int("models", len(cons.ContributingModels)),
		zap.Bool("degraded", cons.Degraded),
		zap.Int64("tokens", spent))
	return cons, nil
}

// runTierOne executes the deterministic runners concurrently. A failing
// or panicking runner is absent from fusion; the run aborts only when no
// runner produced an output.
func (e *Engine) runTierOne(runID string, merged *ingest.Window) ([]runners.Output, error) {
	var (
		mu      sync.Mutex
		outputs []runners.Output
	)
	var g errgroup.Group
	for _, r := range e.tier1 {
		r := r
		g.Go(func() (err error) {
			defer func() {
				if rec := recover(); rec != nil {
					err = fmt.Errorf("%s runner panic: %v", r.Kind(), rec)
				}
			}()
			out, err := r.Analyze(merged)
			if err != nil {
				return fmt.Errorf("%s runner: %w", r.Kind(), err)
			}
			out.RunID = runID
			mu.Lock()
			outputs = append(outputs, out)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if len(outputs) == 0 {
			return nil, err
		}
		e.logger.Error("tier-1 runner failed, output absent from fusion",
			zap.String("run_id", runID), zap.Error(err))
	}

	rank := make(map[runners.Kind]int, len(runners.Kinds()))
	for i, kind := range runners.Kinds() {
		rank[kind] = i
	}
	sort.Slice(outputs, func(i, j int) bool { return rank[outputs[i].Kind] < rank[outputs[j].Kind] })
	return outputs, nil
}

// validate runs the reserve-assess-commit escalation protocol. It
// returns the outputs to fuse, the degradation reason when the validator
// was eligible but produced nothing, and the tokens actually spent.
func (e *Engine) validate(ctx context.Context, run *ledger.RunRecord, merged *ingest.Window, tier1 []runners.Output, decision escalate.Decision, period string) ([]runners.Output, string, int64) {
	if !decision.Eligible || !e.validatorOn() {
		return tier1, "", 0
	}

	audit := &ledger.Escalation{
		RunID:     run.RunID,
		SubjectID: run.SubjectID,
		OrgID:     run.OrgID,
		Period:    period,
		Cause:     string(decision.Trigger),
		CreatedAt: config.Now(),
	}

	if !decision.Escalate {
		audit.Outcome = outcomeRefused
		e.recordEscalation(ctx, audit)
		e.logger.Info("escalation refused",
			zap.String("run_id", run.RunID),
			zap.String("reason", decision.RefusalReason),
			zap.Float64("mean_confidence", decision.MeanConfidence),
			zap.Float64("max_spread", decision.MaxSpread))
		return tier1, decision.RefusalReason, 0
	}

	reserve := e.cfg.Validator.ReserveTokens
	if err := e.budget.Reserve(ctx, run.OrgID, period, reserve); err != nil {
		audit.Outcome = outcomeRefused
		e.recordEscalation(ctx, audit)
		e.logger.Warn("validator reservation refused",
			zap.String("run_id", run.RunID),
			zap.String("org", run.OrgID),
			zap.Int64("reserve", reserve),
			zap.Error(err))
		return tier1, fusion.ReasonBudgetExhausted, 0
	}

	out, tokens, aerr := e.assessor.Assess(ctx, run.RunID, merged, tier1)
	audit.Tokens = tokens

	switch {
	case aerr == nil:
		if cerr := e.budget.Commit(ctx, run.OrgID, period, reserve, tokens); cerr != nil {
			// The answer arrived but the spend cannot be booked;
			// discarding it keeps the consensus consistent with the
			// ledger.
			audit.Outcome = outcomeReleased
			e.recordEscalation(ctx, audit)
			e.logger.Warn("validator output discarded, commit refused",
				zap.String("run_id", run.RunID),
				zap.Int64("tokens", tokens),
				zap.Error(cerr))
			return tier1, fusion.ReasonBudgetExhausted, 0
		}
		audit.Outcome = outcomeCommitted
		e.recordEscalation(ctx, audit)
		e.metrics.RecordEscalation()
		e.metrics.RecordTokens(tokens)
		return append(tier1, out), "", tokens

	case errors.Is(aerr, validator.ErrInvalid) && tokens > 0:
		// The provider answered and billed us even though the answer
		// was unusable. The spend is real, so it is committed.
		spent := tokens
		if cerr := e.budget.Commit(ctx, run.OrgID, period, reserve, tokens); cerr != nil {
			audit.Outcome = outcomeReleased
			spent = 0
		} else {
			audit.Outcome = outcomeCommitted
			e.metrics.RecordTokens(tokens)
		}
		e.recordEscalation(ctx, audit)
		e.metrics.RecordValidatorError()
		e.logger.Warn("validator output rejected",
			zap.String("run_id", run.RunID),
			zap.Int64("tokens", tokens),
			zap.Error(aerr))
		return tier1, validator.Reason(aerr), spent

	default:
		// Timeout or transport failure: actual usage is unknown, so the
		// reservation is returned untouched.
		if rerr := e.budget.Release(ctx, run.OrgID, period, reserve); rerr != nil {
			e.logger.Error("reservation release failed",
				zap.String("run_id", run.RunID),
				zap.Error(rerr))
		}
		audit.Outcome = outcomeReleased
		e.recordEscalation(ctx, audit)
		e.metrics.RecordValidatorError()
		e.logger.Warn("validator call failed",
			zap.String("run_id", run.RunID),
			zap.Error(aerr))
		return tier1, validator.Reason(aerr), 0
	}
}

func (e *Engine) failRun(ctx context.Context, run *ledger.RunRecord, cause error) error {
	if err := e.store.FailRun(ctx, run.RunID, cause.Error(), config.Now()); err != nil {
		e.logger.Error("fail status not recorded", zap.String("run_id", run.RunID), zap.Error(err))
	}
	e.metrics.RecordRun(string(ledger.StatusFailed))
	e.bus.Publish(events.RunCompleted{RunID: run.RunID, SubjectID: run.SubjectID, Status: string(ledger.StatusFailed)})
	e.logger.Error("run failed", zap.String("run_id", run.RunID), zap.String("subject", run.SubjectID), zap.Error(cause))
	return cause
}

func (e *Engine) ensureBudget(ctx context.Context, orgID, period string) {
	alloc, err := e.dir.OrgAllocation(ctx, orgID, period)
	if err != nil {
		alloc = e.cfg.Directory.DefaultAllocation
		e.logger.Warn("org allocation lookup failed, using default",
			zap.String("org", orgID),
			zap.Int64("allocation", alloc),
			zap.Error(err))
	}
	if err := e.budget.Ensure(ctx, orgID, period, alloc); err != nil {
		e.logger.Error("budget row not ensured",
			zap.String("org", orgID),
			zap.String("period", period),
			zap.Error(err))
	}
}

// saveArtifacts persists the per-channel window statistics a run scored.
// Artifact loss degrades auditability, not correctness, so failures are
// logged and the run proceeds.
func (e *Engine) saveArtifacts(ctx context.Context, runID string, group ingest.SealedGroup) {
	artifacts := make([]ledger.WindowArtifact, 0, len(group.Windows))
	for _, w := range group.Windows {
		stats, err := w.Serialize()
		if err != nil {
			e.logger.Error("window stats not encodable", zap.String("channel", w.Channel), zap.Error(err))
			continue
		}
		artifacts = append(artifacts, ledger.WindowArtifact{
			SubjectID:   w.SubjectID,
			Channel:     w.Channel,
			PeriodStart: w.PeriodStart,
			StatsJSON:   string(stats),
		})
	}
	if err := e.store.SaveWindowArtifacts(ctx, runID, artifacts, config.Now()); err != nil {
		e.logger.Error("window artifacts not saved", zap.String("run_id", runID), zap.Error(err))
	}
}

func (e *Engine) recordEscalation(ctx context.Context, esc *ledger.Escalation) {
	if err := e.store.RecordEscalation(ctx, esc); err != nil {
		e.logger.Error("escalation not recorded", zap.String("run_id", esc.RunID), zap.Error(err))
	}
}

// RunDue seals every window whose period has ended and enqueues one
// fusion job per subject and period. It returns the number enqueued.
func (e *Engine) RunDue(ctx context.Context, now time.Time) int {
	groups := e.agg.SealDue(now)
	enqueued := 0
	for _, group := range groups {
		group := group
		id := fmt.Sprintf("%s@%s", group.SubjectID, group.PeriodStart.Format("2006-01-02"))
		ok := e.queue.Enqueue(queue.Job{
			ID:     id,
			Source: "scheduler",
			Work: func(ctx context.Context) error {
				_, err := e.RunSubject(ctx, group)
				switch {
				case err == nil,
					errors.Is(err, ErrAlreadyCompleted),
					errors.Is(err, ingest.ErrConsentDenied),
					errors.Is(err, ledger.ErrDuplicateRun):
					// Expected outcomes, not job failures.
					return nil
				default:
					return err
				}
			},
		})
		if !ok {
			e.logger.Warn("fusion job dropped, queue full", zap.String("job", id))
			continue
		}
		enqueued++
	}
	if enqueued > 0 {
		e.logger.Info("fusion jobs enqueued", zap.Int("jobs", enqueued))
	}
	return enqueued
}

// Schedule drives RunDue on the configured interval until ctx ends. It
// also refreshes the queue gauges each tick.
func (e *Engine) Schedule(ctx context.Context) {
	interval := time.Duration(e.cfg.Window.FuseIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			e.RunDue(ctx, now.UTC())
			qs := e.queue.Stats()
			e.metrics.UpdateQueue(qs.Length, qs.Capacity, qs.WorkerCount)
		}
	}
}

// Recover fails runs orphaned in pending or running by an unclean
// shutdown. Call once at startup before the scheduler starts.
func (e *Engine) Recover(ctx context.Context) {
	now := config.Now()
	n, err := e.store.FailStale(ctx, now.Add(-staleRunCutoff), "interrupted by restart", now)
	if err != nil {
		e.logger.Error("stale run recovery failed", zap.Error(err))
		return
	}
	if n > 0 {
		e.logger.Warn("stale runs failed at startup", zap.Int64("runs", n))
	}
}
