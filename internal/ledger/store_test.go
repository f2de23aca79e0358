package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"trait_engine/internal/fusion"
	"trait_engine/internal/runners"
	"trait_engine/internal/trait"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var (
	periodA = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	periodB = time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
)

func newRun(subject string, periodStart time.Time, ts time.Time) *RunRecord {
	return &RunRecord{
		RunID:       uuid.NewString(),
		SubjectID:   subject,
		OrgID:       "org1",
		PeriodStart: periodStart,
		PeriodEnd:   periodStart.AddDate(0, 0, 7),
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
}

func testConsensus(runID, subject string) fusion.Consensus {
	return fusion.Consensus{
		RunID:               runID,
		SubjectID:           subject,
		Traits:              trait.Vector{trait.Collaboration: 72.5, trait.Positivity: 61},
		AggregateConfidence: 56.75,
		ContributingModels:  []string{"lexical", "sentiment", "behavioral"},
		Degraded:            true,
		DegradationReason:   fusion.ReasonBudgetExhausted,
	}
}

func TestRunLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

	run := newRun("u1", periodA, ts)
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.False(t, got.Status.Terminal())
	require.True(t, got.PeriodStart.Equal(periodA))

	require.NoError(t, s.MarkRunning(ctx, run.RunID, ts.Add(time.Second)))

	c := testConsensus(run.RunID, "u1")
	require.NoError(t, s.CompleteRun(ctx, c, 1480, ts.Add(2*time.Second)))

	got, err = s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.True(t, got.Status.Terminal())
	require.Equal(t, int64(1480), got.TokensSpent)
	require.Equal(t, []string{"lexical", "sentiment", "behavioral"}, got.ModelsInvoked)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)

	stored, err := s.ConsensusByRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, c.Traits, stored.Traits)
	require.Equal(t, c.ContributingModels, stored.ContributingModels)
	require.True(t, stored.Degraded)
	require.Equal(t, fusion.ReasonBudgetExhausted, stored.DegradationReason)
}

func TestDuplicateRunRefused(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

	first := newRun("u1", periodA, ts)
	require.NoError(t, s.CreateRun(ctx, first))

	second := newRun("u1", periodA, ts)
	require.ErrorIs(t, s.CreateRun(ctx, second), ErrDuplicateRun)

	// other subjects and other periods are unaffected
	require.NoError(t, s.CreateRun(ctx, newRun("u2", periodA, ts)))
	require.NoError(t, s.CreateRun(ctx, newRun("u1", periodB, ts)))

	// once the first run reaches a terminal state the period frees up
	require.NoError(t, s.FailRun(ctx, first.RunID, "tier-1 panic", ts))
	require.NoError(t, s.CreateRun(ctx, newRun("u1", periodA, ts)))
}

func TestConcurrentCreateAdmitsOne(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.CreateRun(ctx, newRun("u1", periodA, ts))
		}(i)
	}
	wg.Wait()

	created := 0
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrDuplicateRun):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, created)
}

func TestTerminalStatusWrittenOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

	run := newRun("u1", periodA, ts)
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.MarkRunning(ctx, run.RunID, ts))
	require.NoError(t, s.CompleteRun(ctx, testConsensus(run.RunID, "u1"), 0, ts))

	require.ErrorIs(t, s.CompleteRun(ctx, testConsensus(run.RunID, "u1"), 0, ts), ErrInvalidTransition)
	require.ErrorIs(t, s.FailRun(ctx, run.RunID, "late failure", ts), ErrInvalidTransition)
	require.ErrorIs(t, s.SkipRun(ctx, run.RunID, "late skip", ts), ErrInvalidTransition)
	require.ErrorIs(t, s.MarkRunning(ctx, run.RunID, ts), ErrInvalidTransition)
}

func TestCompleteRequiresRunning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

	run := newRun("u1", periodA, ts)
	require.NoError(t, s.CreateRun(ctx, run))

	err := s.CompleteRun(ctx, testConsensus(run.RunID, "u1"), 0, ts)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// the transaction rolled back, so no consensus row leaked
	_, err = s.ConsensusByRun(ctx, run.RunID)
	require.ErrorIs(t, err, ErrNoConsensus)

	// pending runs can still fail directly, with the detail retained
	require.NoError(t, s.FailRun(ctx, run.RunID, "no sealed windows", ts))
	got, err := s.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)
	require.NotNil(t, got.ErrorDetail)
	require.Equal(t, "no sealed windows", *got.ErrorDetail)
}

func TestOutputsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

	run := newRun("u1", periodA, ts)
	require.NoError(t, s.CreateRun(ctx, run))

	var outputs []runners.Output
	for i, kind := range []runners.Kind{runners.KindBehavioral, runners.KindLexical} {
		out := runners.Output{
			RunID:      run.RunID,
			SubjectID:  "u1",
			Kind:       kind,
			Traits:     trait.Vector{trait.Thoroughness: float64(50 + i)},
			Confidence: 64,
		}
		out.Finalize()
		outputs = append(outputs, out)
	}
	require.NoError(t, s.SaveOutputs(ctx, outputs, ts))

	got, err := s.Outputs(ctx, run.RunID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// canonical kind order, not insertion order
	require.Equal(t, runners.KindLexical, got[0].Kind)
	require.Equal(t, runners.KindBehavioral, got[1].Kind)
	for _, out := range got {
		require.True(t, out.VerifyChecksum(), "stored output failed checksum audit")
	}

	// outputs are immutable: a second write for the same kind is refused
	err = s.SaveOutputs(ctx, outputs[:1], ts)
	require.Error(t, err)
}

func TestLatestConsensus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.LatestConsensus(ctx, "u1")
	require.ErrorIs(t, err, ErrNoConsensus)

	ts := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	older := newRun("u1", periodA, ts)
	require.NoError(t, s.CreateRun(ctx, older))
	require.NoError(t, s.MarkRunning(ctx, older.RunID, ts))
	require.NoError(t, s.CompleteRun(ctx, testConsensus(older.RunID, "u1"), 0, ts))

	newer := newRun("u1", periodB, ts)
	require.NoError(t, s.CreateRun(ctx, newer))
	require.NoError(t, s.MarkRunning(ctx, newer.RunID, ts))
	c := testConsensus(newer.RunID, "u1")
	c.Traits[trait.Curiosity] = 88
	require.NoError(t, s.CompleteRun(ctx, c, 0, ts.Add(time.Hour)))

	got, err := s.LatestConsensus(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, newer.RunID, got.RunID)
	require.InDelta(t, 88, got.Traits[trait.Curiosity], 1e-9)
}

func TestRunsBySubjectRange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 16, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateRun(ctx, newRun("u1", periodA, ts)))
	require.NoError(t, s.CreateRun(ctx, newRun("u1", periodB, ts.Add(time.Minute))))
	require.NoError(t, s.CreateRun(ctx, newRun("u2", periodA, ts)))

	runs, err := s.RunsBySubject(ctx, "u1", periodA, periodB.AddDate(0, 0, 7), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	// newest first
	require.True(t, runs[0].PeriodStart.Equal(periodB))

	runs, err = s.RunsBySubject(ctx, "u1", periodA, periodB, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.True(t, runs[0].PeriodStart.Equal(periodA))
}

func TestSubjectHistoryAndEscalations(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

	h, err := s.SubjectHistory(ctx, "u1")
	require.NoError(t, err)
	require.False(t, h.HasCompletedRun)
	require.False(t, h.EverEscalated)

	run := newRun("u1", periodA, ts)
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.MarkRunning(ctx, run.RunID, ts))
	require.NoError(t, s.CompleteRun(ctx, testConsensus(run.RunID, "u1"), 0, ts))

	require.NoError(t, s.RecordEscalation(ctx, &Escalation{
		RunID:     run.RunID,
		SubjectID: "u1",
		OrgID:     "org1",
		Period:    "2026-03",
		Cause:     "low_confidence",
		Outcome:   "committed",
		Tokens:    1480,
		CreatedAt: ts,
	}))

	h, err = s.SubjectHistory(ctx, "u1")
	require.NoError(t, err)
	require.True(t, h.HasCompletedRun)
	require.True(t, h.EverEscalated)

	// refused attempts do not count toward audited spend
	require.NoError(t, s.RecordEscalation(ctx, &Escalation{
		RunID:     uuid.NewString(),
		SubjectID: "u1",
		OrgID:     "org1",
		Period:    "2026-03",
		Cause:     "high_spread",
		Outcome:   "refused",
		CreatedAt: ts,
	}))

	total, err := s.EscalatedTokens(ctx, "org1", "2026-03")
	require.NoError(t, err)
	require.Equal(t, int64(1480), total)

	total, err = s.EscalatedTokens(ctx, "org1", "2026-04")
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestFailStale(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	old := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	now := old.Add(2 * time.Hour)

	stale := newRun("u1", periodA, old)
	require.NoError(t, s.CreateRun(ctx, stale))
	fresh := newRun("u2", periodA, now)
	require.NoError(t, s.CreateRun(ctx, fresh))

	n, err := s.FailStale(ctx, old.Add(time.Hour), "interrupted by restart", now)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := s.GetRun(ctx, stale.RunID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, got.Status)

	got, err = s.GetRun(ctx, fresh.RunID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}

func TestHasCompletedRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

	ok, err := s.HasCompletedRun(ctx, "u1", periodA)
	require.NoError(t, err)
	require.False(t, ok)

	run := newRun("u1", periodA, ts)
	require.NoError(t, s.CreateRun(ctx, run))
	require.NoError(t, s.MarkRunning(ctx, run.RunID, ts))
	require.NoError(t, s.CompleteRun(ctx, testConsensus(run.RunID, "u1"), 0, ts))

	ok, err = s.HasCompletedRun(ctx, "u1", periodA)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.HasCompletedRun(ctx, "u1", periodB)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestArtifactsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

	runID := uuid.NewString()
	artifacts := []WindowArtifact{
		{SubjectID: "u1", Channel: "email", PeriodStart: periodA, StatsJSON: `{"messages":4}`},
		{SubjectID: "u1", Channel: "chat", PeriodStart: periodA, StatsJSON: `{"messages":9}`},
	}
	require.NoError(t, s.SaveWindowArtifacts(ctx, runID, artifacts, ts))

	got, err := s.Artifacts(ctx, runID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "chat", got[0].Channel)
	require.Equal(t, "email", got[1].Channel)
	require.Equal(t, `{"messages":4}`, got[1].StatsJSON)
}

func TestRunCounts(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

	a := newRun("u1", periodA, ts)
	require.NoError(t, s.CreateRun(ctx, a))
	require.NoError(t, s.SkipRun(ctx, a.RunID, "ledger halted", ts))
	require.NoError(t, s.CreateRun(ctx, newRun("u2", periodA, ts)))

	counts, err := s.RunCounts(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), counts["skipped_budget"])
	require.Equal(t, int64(1), counts["pending"])
}
