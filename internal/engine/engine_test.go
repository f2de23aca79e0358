package engine

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"trait_engine/internal/budget"
	"trait_engine/internal/config"
	"trait_engine/internal/events"
	"trait_engine/internal/fusion"
	"trait_engine/internal/identity"
	"trait_engine/internal/ingest"
	"trait_engine/internal/ledger"
	"trait_engine/internal/metrics"
	"trait_engine/internal/queue"
	"trait_engine/internal/runners"
	"trait_engine/internal/trait"
	"trait_engine/internal/validator"
)

func TestMain(m *testing.M) {
	// The sql connection pool opener lives until each test's cleanup
	// closes its store; it is not an engine leak.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

const testOrg = "org-acme"

var sampleTexts = []string{
	"Thanks team, I will review the design doc together with Priya today.",
	"Could we sync on the rollout plan tomorrow morning?",
	"I am confident the migration will finish on schedule.",
	"Maybe we should double check the retry path before the deadline?",
	"Great work on the incident writeup, really appreciate the detail!",
	"The deploy is scheduled for Thursday, milestones are in the tracker.",
	"Perhaps we could split the ticket so QA can start sooner.",
	"I will definitely own the follow up and share notes with everyone.",
}

type fakeAssessor struct {
	mu     sync.Mutex
	calls  int
	output runners.Output
	tokens int64
	err    error
}

func (f *fakeAssessor) Assess(_ context.Context, runID string, _ *ingest.Window, _ []runners.Output) (runners.Output, int64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return runners.Output{}, f.tokens, f.err
	}
	out := f.output
	out.RunID = runID
	return out, f.tokens, nil
}

func (f *fakeAssessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type panickyRunner struct {
	kind runners.Kind
}

func (p panickyRunner) Kind() runners.Kind { return p.kind }

func (p panickyRunner) Analyze(*ingest.Window) (runners.Output, error) {
	panic("lexicon table corrupted")
}

func validatorOutput(subject string) runners.Output {
	out := runners.Output{
		SubjectID: subject,
		Kind:      runners.KindValidator,
		Traits: trait.Vector{
			trait.Collaboration:  70,
			trait.Responsiveness: 64,
			trait.Assertiveness:  61,
			trait.Positivity:     66,
			trait.Thoroughness:   58,
			trait.Curiosity:      72,
		},
		Confidence:     90,
		TokensConsumed: 1480,
	}
	out.Finalize()
	return out
}

func testConfig() config.Config {
	return config.Config{
		Window:     config.WindowConfig{PeriodDays: 7, FuseIntervalSec: 300, MinMessages: 5},
		Escalation: config.EscalationConfig{MinConfidence: 70, SpreadThreshold: 25},
		Validator: config.ValidatorConfig{
			Enabled:       true,
			Model:         "gpt-4o-mini",
			TimeoutSec:    5,
			ReserveTokens: 2000,
			PromptVersion: "v1",
		},
		Directory: config.DirectoryConfig{DefaultConsent: true, DefaultAllocation: 50000},
		Fusion: config.FusionConfig{
			LexicalWeight:    0.25,
			SentimentWeight:  0.25,
			BehavioralWeight: 0.30,
			ValidatorWeight:  0.20,
		},
	}
}

type harness struct {
	eng    *Engine
	agg    *ingest.Aggregator
	store  *ledger.Store
	budget *budget.Ledger
	dir    *identity.StaticDirectory
	queue  *queue.Queue
	bus    *events.Bus
	cfg    config.Config
}

func newHarness(t *testing.T, assessor Assessor, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	logger := zap.NewNop()
	bus := events.NewBus()
	met := metrics.New()
	dir := identity.NewStaticDirectory(cfg.Directory)
	agg := ingest.NewAggregator(cfg.Window, dir, met, bus, logger)

	store, err := ledger.Open(filepath.Join(t.TempDir(), "engine_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bud, err := budget.New(store.DB(), bus, logger)
	require.NoError(t, err)

	q := queue.New(8, 1, 5*time.Second, logger)
	eng := New(cfg, agg, store, bud, dir, assessor, q, bus, met, logger)
	return &harness{eng: eng, agg: agg, store: store, budget: bud, dir: dir, queue: q, bus: bus, cfg: cfg}
}

// feedAndSeal ingests a realistic event stream for subject and returns
// the sealed group covering it: chat plus email windows, one period.
func feedAndSeal(t *testing.T, h *harness, subject string) ingest.SealedGroup {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 24; i++ {
		channel := "chat"
		if i%3 == 0 {
			channel = "email"
		}
		ev := ingest.CommEvent{
			SubjectID:     subject,
			OrgID:         testOrg,
			Channel:       channel,
			Timestamp:     base.Add(time.Duration(i) * 7 * time.Minute),
			TransientText: sampleTexts[i%len(sampleTexts)],
		}
		require.NoError(t, h.agg.Ingest(ctx, ev))
	}
	groups := h.agg.SealDue(base.AddDate(0, 0, 8))
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Windows, 2)
	return groups[0]
}

func latestRun(t *testing.T, h *harness, subject string) *ledger.RunRecord {
	t.Helper()
	from := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	runs, err := h.store.RunsBySubject(context.Background(), subject, from, to, 1)
	require.NoError(t, err)
	require.NotEmpty(t, runs)
	return &runs[0]
}

func escalationRow(t *testing.T, h *harness, runID string) *ledger.Escalation {
	t.Helper()
	rows, err := h.store.EscalationsByRun(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	return rows[0]
}

func TestRunSubjectTierOneOnly(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config) { cfg.Validator.Enabled = false })
	group := feedAndSeal(t, h, "u-alice")

	cons, err := h.eng.RunSubject(context.Background(), group)
	require.NoError(t, err)
	require.False(t, cons.Degraded)
	require.Empty(t, cons.DegradationReason)
	require.Equal(t, []string{"lexical", "sentiment", "behavioral"}, cons.ContributingModels)
	require.Greater(t, cons.AggregateConfidence, 0.0)

	run := latestRun(t, h, "u-alice")
	require.Equal(t, ledger.StatusCompleted, run.Status)
	require.Zero(t, run.TokensSpent)
	require.Equal(t, []string{"lexical", "sentiment", "behavioral"}, run.ModelsInvoked)

	outputs, err := h.store.Outputs(context.Background(), run.RunID)
	require.NoError(t, err)
	require.Len(t, outputs, 3)
	for _, out := range outputs {
		require.Equal(t, run.RunID, out.RunID)
		require.True(t, out.VerifyChecksum())
	}

	arts, err := h.store.Artifacts(context.Background(), run.RunID)
	require.NoError(t, err)
	require.Len(t, arts, 2)
	for _, a := range arts {
		for _, text := range sampleTexts {
			require.NotContains(t, a.StatsJSON, text)
		}
	}
}

func TestRunSubjectPanickingRunnerAbsentFromFusion(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config) { cfg.Validator.Enabled = false })
	h.eng.tier1 = []runners.Runner{
		&runners.Lexical{},
		panickyRunner{kind: runners.KindSentiment},
		&runners.Behavioral{},
	}
	group := feedAndSeal(t, h, "u-frank")

	cons, err := h.eng.RunSubject(context.Background(), group)
	require.NoError(t, err)
	require.Equal(t, []string{"lexical", "behavioral"}, cons.ContributingModels)
	require.False(t, cons.Degraded)

	run := latestRun(t, h, "u-frank")
	require.Equal(t, ledger.StatusCompleted, run.Status)
	require.Equal(t, []string{"lexical", "behavioral"}, run.ModelsInvoked)

	outputs, err := h.store.Outputs(context.Background(), run.RunID)
	require.NoError(t, err)
	require.Len(t, outputs, 2)
}

func TestRunSubjectEscalatesOnColdStart(t *testing.T) {
	fake := &fakeAssessor{output: validatorOutput("u-bob"), tokens: 1480}
	h := newHarness(t, fake, nil)
	group := feedAndSeal(t, h, "u-bob")

	cons, err := h.eng.RunSubject(context.Background(), group)
	require.NoError(t, err)
	require.Equal(t, 1, fake.callCount())
	require.False(t, cons.Degraded)
	require.Equal(t, []string{"lexical", "sentiment", "behavioral", "validator"}, cons.ContributingModels)

	run := latestRun(t, h, "u-bob")
	require.Equal(t, ledger.StatusCompleted, run.Status)
	require.Equal(t, int64(1480), run.TokensSpent)

	outputs, err := h.store.Outputs(context.Background(), run.RunID)
	require.NoError(t, err)
	require.Len(t, outputs, 4)
	require.Equal(t, runners.KindValidator, outputs[3].Kind)

	esc := escalationRow(t, h, run.RunID)
	require.Equal(t, "cold_start", esc.Cause)
	require.Equal(t, "committed", esc.Outcome)
	require.Equal(t, int64(1480), esc.Tokens)

	period := budget.PeriodOf(config.Now())
	snap, err := h.budget.Snapshot(context.Background(), testOrg, period)
	require.NoError(t, err)
	require.Equal(t, int64(1480), snap.Spent)
	require.Zero(t, snap.Reserved)
}

func TestRunSubjectDegradesWhenBudgetEmpty(t *testing.T) {
	fake := &fakeAssessor{output: validatorOutput("u-carol"), tokens: 1480}
	h := newHarness(t, fake, nil)
	h.dir.SetAllocation(testOrg, 0)
	group := feedAndSeal(t, h, "u-carol")

	cons, err := h.eng.RunSubject(context.Background(), group)
	require.NoError(t, err)
	require.Zero(t, fake.callCount())
	require.True(t, cons.Degraded)
	require.Equal(t, fusion.ReasonBudgetExhausted, cons.DegradationReason)
	require.Equal(t, []string{"lexical", "sentiment", "behavioral"}, cons.ContributingModels)

	run := latestRun(t, h, "u-carol")
	require.Equal(t, ledger.StatusCompleted, run.Status)
	require.Zero(t, run.TokensSpent)

	esc := escalationRow(t, h, run.RunID)
	require.Equal(t, "refused", esc.Outcome)
	require.Zero(t, esc.Tokens)
}

func TestRunSubjectDegradesWhenReserveRefused(t *testing.T) {
	// Allocation below the reservation: eligibility holds but the
	// reserve step is refused, so the validator is never called.
	fake := &fakeAssessor{output: validatorOutput("u-dave"), tokens: 1480}
	h := newHarness(t, fake, nil)
	h.dir.SetAllocation(testOrg, 500)
	group := feedAndSeal(t, h, "u-dave")

	cons, err := h.eng.RunSubject(context.Background(), group)
	require.NoError(t, err)
	require.Zero(t, fake.callCount())
	require.True(t, cons.Degraded)
	require.Equal(t, fusion.ReasonBudgetExhausted, cons.DegradationReason)

	esc := escalationRow(t, h, latestRun(t, h, "u-dave").RunID)
	require.Equal(t, "refused", esc.Outcome)

	period := budget.PeriodOf(config.Now())
	snap, err := h.budget.Snapshot(context.Background(), testOrg, period)
	require.NoError(t, err)
	require.Zero(t, snap.Spent)
	require.Zero(t, snap.Reserved)
}

func TestRunSubjectValidatorTimeoutReleasesReservation(t *testing.T) {
	fake := &fakeAssessor{err: validator.ErrTimeout}
	h := newHarness(t, fake, nil)
	group := feedAndSeal(t, h, "u-erin")

	cons, err := h.eng.RunSubject(context.Background(), group)
	require.NoError(t, err)
	require.Equal(t, 1, fake.callCount())
	require.True(t, cons.Degraded)
	require.Equal(t, fusion.ReasonValidatorTimeout, cons.DegradationReason)
	require.Equal(t, []string{"lexical", "sentiment", "behavioral"}, cons.ContributingModels)

	run := latestRun(t, h, "u-erin")
	require.Equal(t, ledger.StatusCompleted, run.Status)
	require.Zero(t, run.TokensSpent)

	esc := escalationRow(t, h, run.RunID)
	require.Equal(t, "released", esc.Outcome)

	period := budget.PeriodOf(config.Now())
	snap, err := h.budget.Snapshot(context.Background(), testOrg, period)
	require.NoError(t, err)
	require.Zero(t, snap.Spent)
	require.Zero(t, snap.Reserved)
}

func TestRunSubjectInvalidAnswerStillBills(t *testing.T) {
	fake := &fakeAssessor{err: validator.ErrInvalid, tokens: 900}
	h := newHarness(t, fake, nil)
	group := feedAndSeal(t, h, "u-frank")

	cons, err := h.eng.RunSubject(context.Background(), group)
	require.NoError(t, err)
	require.True(t, cons.Degraded)
	require.Equal(t, fusion.ReasonValidatorInvalid, cons.DegradationReason)
	require.Len(t, cons.ContributingModels, 3)

	run := latestRun(t, h, "u-frank")
	require.Equal(t, ledger.StatusCompleted, run.Status)
	require.Equal(t, int64(900), run.TokensSpent)

	esc := escalationRow(t, h, run.RunID)
	require.Equal(t, "committed", esc.Outcome)
	require.Equal(t, int64(900), esc.Tokens)

	period := budget.PeriodOf(config.Now())
	snap, err := h.budget.Snapshot(context.Background(), testOrg, period)
	require.NoError(t, err)
	require.Equal(t, int64(900), snap.Spent)
	require.Zero(t, snap.Reserved)

	total, err := h.store.EscalatedTokens(context.Background(), testOrg, period)
	require.NoError(t, err)
	require.Equal(t, int64(900), total)
}

func TestRunSubjectConsentRevokedAfterSeal(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config) { cfg.Validator.Enabled = false })
	group := feedAndSeal(t, h, "u-grace")

	h.dir.SetConsent("u-grace", false)
	_, err := h.eng.RunSubject(context.Background(), group)
	require.ErrorIs(t, err, ingest.ErrConsentDenied)

	counts, err := h.store.RunCounts(context.Background())
	require.NoError(t, err)
	require.Empty(t, counts)
}

func TestRunSubjectRefusesDuplicateActiveRun(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config) { cfg.Validator.Enabled = false })
	group := feedAndSeal(t, h, "u-heidi")

	now := config.Now()
	require.NoError(t, h.store.CreateRun(context.Background(), &ledger.RunRecord{
		RunID:       "pre-existing",
		SubjectID:   group.SubjectID,
		OrgID:       group.OrgID,
		PeriodStart: group.PeriodStart,
		PeriodEnd:   group.PeriodEnd,
		CreatedAt:   now,
		UpdatedAt:   now,
	}))

	_, err := h.eng.RunSubject(context.Background(), group)
	require.ErrorIs(t, err, ledger.ErrDuplicateRun)
}

func TestRunSubjectRefusesCompletedPeriod(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config) { cfg.Validator.Enabled = false })
	group := feedAndSeal(t, h, "u-ivan")

	_, err := h.eng.RunSubject(context.Background(), group)
	require.NoError(t, err)

	_, err = h.eng.RunSubject(context.Background(), group)
	require.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestRunSubjectConcurrentPeriodAdmitsOne(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config) { cfg.Validator.Enabled = false })
	group := feedAndSeal(t, h, "u-judy")

	const attempts = 4
	errs := make([]error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.eng.RunSubject(context.Background(), group)
		}(i)
	}
	wg.Wait()

	completed := 0
	for _, err := range errs {
		switch {
		case err == nil:
			completed++
		case errors.Is(err, ledger.ErrDuplicateRun), errors.Is(err, ErrAlreadyCompleted):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, completed)

	counts, err := h.store.RunCounts(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]int64{string(ledger.StatusCompleted): 1}, counts)
}

func TestRunSubjectSkipsWhenLedgerHalted(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config) { cfg.Validator.Enabled = false })
	group := feedAndSeal(t, h, "u-kim")

	ctx := context.Background()
	period := budget.PeriodOf(config.Now())
	require.NoError(t, h.budget.Ensure(ctx, testOrg, period, 50000))
	// A release with nothing outstanding is a corruption and freezes the org.
	require.ErrorIs(t, h.budget.Release(ctx, testOrg, period, 100), budget.ErrCorrupt)

	_, err := h.eng.RunSubject(ctx, group)
	require.ErrorIs(t, err, budget.ErrLedgerHalted)

	run := latestRun(t, h, "u-kim")
	require.Equal(t, ledger.StatusSkippedBudget, run.Status)
	require.NotNil(t, run.ErrorDetail)
	require.Contains(t, *run.ErrorDetail, "halted")
}

func TestRunDueDrivesFusionThroughQueue(t *testing.T) {
	fake := &fakeAssessor{output: validatorOutput("u-lena"), tokens: 1480}
	h := newHarness(t, fake, nil)
	sub := h.bus.Subscribe()

	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 12; i++ {
		require.NoError(t, h.agg.Ingest(ctx, ingest.CommEvent{
			SubjectID:     "u-lena",
			OrgID:         testOrg,
			Channel:       "chat",
			Timestamp:     base.Add(time.Duration(i) * time.Minute),
			TransientText: sampleTexts[i%len(sampleTexts)],
		}))
	}

	h.queue.Start(ctx)
	defer h.queue.Stop(context.Background())

	enqueued := h.eng.RunDue(ctx, base.AddDate(0, 0, 8))
	require.Equal(t, 1, enqueued)

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-sub:
			rc, ok := ev.(events.RunCompleted)
			if !ok {
				continue
			}
			require.Equal(t, string(ledger.StatusCompleted), rc.Status)
			require.Equal(t, "u-lena", rc.SubjectID)
			require.False(t, rc.Degraded)

			cons, err := h.store.LatestConsensus(ctx, "u-lena")
			require.NoError(t, err)
			require.Equal(t, rc.RunID, cons.RunID)
			return
		case <-deadline:
			t.Fatal("no run completion observed")
		}
	}
}

func TestRunDueSecondPassFindsNothing(t *testing.T) {
	h := newHarness(t, nil, func(cfg *config.Config) { cfg.Validator.Enabled = false })
	feedAndSeal(t, h, "u-mallory")

	// Windows were already sealed by feedAndSeal; a later pass sees none.
	require.Zero(t, h.eng.RunDue(context.Background(), time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)))
}

func TestRecoverFailsStaleRuns(t *testing.T) {
	h := newHarness(t, nil, nil)

	stale := config.Now().Add(-2 * time.Hour)
	require.NoError(t, h.store.CreateRun(context.Background(), &ledger.RunRecord{
		RunID:       "orphan",
		SubjectID:   "u-nick",
		OrgID:       testOrg,
		PeriodStart: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
		CreatedAt:   stale,
		UpdatedAt:   stale,
	}))

	h.eng.Recover(context.Background())

	run, err := h.store.GetRun(context.Background(), "orphan")
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, run.Status)
	require.NotNil(t, run.ErrorDetail)
	require.Equal(t, "interrupted by restart", *run.ErrorDetail)
}
