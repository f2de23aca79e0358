package budget

import (
	"context"
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"trait_engine/internal/events"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "budget.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	l, err := New(db, events.NewBus(), zap.NewNop())
	require.NoError(t, err)
	return l
}

func TestReserveCommitLifecycle(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Ensure(ctx, "acme", "2026-08", 1000))

	require.NoError(t, l.Reserve(ctx, "acme", "2026-08", 300))
	remaining, err := l.Remaining(ctx, "acme", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, int64(700), remaining)

	require.NoError(t, l.Commit(ctx, "acme", "2026-08", 300, 250))
	snap, err := l.Snapshot(ctx, "acme", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, int64(250), snap.Spent)
	assert.Equal(t, int64(0), snap.Reserved)
	assert.Equal(t, int64(750), snap.Remaining())
}

func TestEnsureKeepsExistingAllocation(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Ensure(ctx, "acme", "2026-08", 1000))
	require.NoError(t, l.Reserve(ctx, "acme", "2026-08", 100))
	require.NoError(t, l.Ensure(ctx, "acme", "2026-08", 9999))

	snap, err := l.Snapshot(ctx, "acme", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), snap.Allocated)
	assert.Equal(t, int64(100), snap.Reserved)
}

func TestReserveRefusedWhenExhausted(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Ensure(ctx, "acme", "2026-08", 100))

	err := l.Reserve(ctx, "acme", "2026-08", 300)
	require.ErrorIs(t, err, ErrExhausted)

	snap, err := l.Snapshot(ctx, "acme", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Reserved)
	assert.Equal(t, int64(0), snap.Spent)
}

func TestReleaseRestoresBalance(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Ensure(ctx, "acme", "2026-08", 500))
	require.NoError(t, l.Reserve(ctx, "acme", "2026-08", 400))
	require.NoError(t, l.Release(ctx, "acme", "2026-08", 400))

	remaining, err := l.Remaining(ctx, "acme", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, int64(500), remaining)
}

func TestCommitOverspendReleasesAndRefuses(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Ensure(ctx, "acme", "2026-08", 400))
	require.NoError(t, l.Reserve(ctx, "acme", "2026-08", 300))

	// Actual usage blew past the allocation; result must be discarded.
	err := l.Commit(ctx, "acme", "2026-08", 300, 500)
	require.ErrorIs(t, err, ErrExhausted)

	snap, err := l.Snapshot(ctx, "acme", "2026-08")
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Reserved, "failed commit must release the reservation")
	assert.Equal(t, int64(0), snap.Spent)
	assert.False(t, snap.Halted)
}

func TestCommitWithoutReservationHaltsOrg(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Ensure(ctx, "acme", "2026-08", 1000))

	err := l.Commit(ctx, "acme", "2026-08", 200, 150)
	require.ErrorIs(t, err, ErrCorrupt)

	snap, err := l.Snapshot(ctx, "acme", "2026-08")
	require.NoError(t, err)
	require.True(t, snap.Halted)

	require.ErrorIs(t, l.Reserve(ctx, "acme", "2026-08", 10), ErrLedgerHalted)
	_, err = l.Remaining(ctx, "acme", "2026-08")
	require.ErrorIs(t, err, ErrLedgerHalted)

	// Other orgs keep spending.
	require.NoError(t, l.Ensure(ctx, "globex", "2026-08", 1000))
	require.NoError(t, l.Reserve(ctx, "globex", "2026-08", 10))
}

func TestReconcileLiftsHalt(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Ensure(ctx, "acme", "2026-08", 1000))
	require.ErrorIs(t, l.Commit(ctx, "acme", "2026-08", 200, 150), ErrCorrupt)

	snap, err := l.Reconcile(ctx, "acme", "2026-08", 420)
	require.NoError(t, err)
	assert.False(t, snap.Halted)
	assert.Equal(t, int64(420), snap.Spent)
	assert.Equal(t, int64(0), snap.Reserved)

	require.NoError(t, l.Reserve(ctx, "acme", "2026-08", 10))
}

func TestSnapshotMissingRow(t *testing.T) {
	l := openTestLedger(t)
	_, err := l.Snapshot(context.Background(), "nobody", "2026-08")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentReservesNeverOverspend(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Ensure(ctx, "acme", "2026-08", 1000))

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- l.Reserve(ctx, "acme", "2026-08", 100)
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			require.ErrorIs(t, err, ErrExhausted)
		}
	}
	assert.Equal(t, 10, succeeded)

	snap, err := l.Snapshot(ctx, "acme", "2026-08")
	require.NoError(t, err)
	assert.LessOrEqual(t, snap.Spent+snap.Reserved, snap.Allocated)
	assert.Equal(t, int64(1000), snap.Reserved)
}

func TestPeriodOf(t *testing.T) {
	ts := time.Date(2026, 8, 25, 23, 59, 0, 0, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, "2026-08", PeriodOf(ts))
}
