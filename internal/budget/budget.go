package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trait_engine/internal/config"
	"trait_engine/internal/events"
)

// ErrExhausted marks a reservation or commit that does not fit the
// org's allocation. Not an internal failure; callers degrade gracefully.
var ErrExhausted = errors.New("token budget exhausted")

// ErrLedgerHalted rejects all spending for an org whose ledger was
// frozen by a corruption until an operator reconciles it.
var ErrLedgerHalted = errors.New("budget ledger halted pending reconciliation")

// ErrCorrupt marks an impossible ledger transition, such as committing
// more than was reserved. Raising it halts the org's ledger.
var ErrCorrupt = errors.New("budget ledger corrupt")

// ErrNotFound marks a missing (org, period) row.
var ErrNotFound = errors.New("budget row not found")

// Ledger enforces spent + reserved <= allocated at write time. Every
// mutation is a single conditional UPDATE, so concurrent escalations
// cannot jointly overspend.
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
	bus    *events.Bus
}

// Snapshot is the reporting view of one (org, period) budget row.
type Snapshot struct {
	OrgID     string `json:"org_id"`
	Period    string `json:"period"`
	Allocated int64  `json:"allocated"`
	Reserved  int64  `json:"reserved"`
	Spent     int64  `json:"spent"`
	Halted    bool   `json:"halted"`
}

// Remaining is the spendable balance.
func (s Snapshot) Remaining() int64 {
	return s.Allocated - s.Spent - s.Reserved
}

func New(db *sql.DB, bus *events.Bus, logger *zap.Logger) (*Ledger, error) {
	l := &Ledger{db: db, logger: logger, bus: bus}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	stmt := `CREATE TABLE IF NOT EXISTS budgets (
		org_id TEXT NOT NULL,
		period TEXT NOT NULL,
		allocated INTEGER NOT NULL,
		reserved INTEGER NOT NULL DEFAULT 0,
		spent INTEGER NOT NULL DEFAULT 0,
		halted INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP,
		updated_at TIMESTAMP,
		PRIMARY KEY (org_id, period)
	);`
	_, err := l.db.Exec(stmt)
	return err
}

// PeriodOf maps a timestamp to its budget period (calendar month, UTC).
func PeriodOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// Ensure creates the (org, period) row with the given allocation if it
// does not exist yet. Existing rows keep their allocation.
func (l *Ledger) Ensure(ctx context.Context, orgID, period string, allocated int64) error {
	now := config.Now()
	_, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO budgets(org_id, period, allocated, reserved, spent, halted, created_at, updated_at)
		 VALUES(?, ?, ?, 0, 0, 0, ?, ?)`,
		orgID, period, allocated, now, now)
	return err
}

// Remaining returns the spendable balance, or ErrLedgerHalted while the
// org is frozen.
func (l *Ledger) Remaining(ctx context.Context, orgID, period string) (int64, error) {
	snap, err := l.Snapshot(ctx, orgID, period)
	if err != nil {
		return 0, err
	}
	if snap.Halted {
		return 0, ErrLedgerHalted
	}
	return snap.Remaining(), nil
}

// Reserve sets amount aside before a validator call. Refused with
// ErrExhausted when it does not fit, ErrLedgerHalted when frozen.
func (l *Ledger) Reserve(ctx context.Context, orgID, period string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %d", amount)
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE budgets SET reserved = reserved + ?, updated_at = ?
		 WHERE org_id = ? AND period = ? AND halted = 0 AND spent + reserved + ? <= allocated`,
		amount, config.Now(), orgID, period, amount)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	snap, err := l.Snapshot(ctx, orgID, period)
	if err != nil {
		return err
	}
	if snap.Halted {
		return ErrLedgerHalted
	}
	return ErrExhausted
}

// Commit converts a reservation into recorded spend using the actual
// token usage. Finding less reserved than promised is a corruption and
// halts the org. An actual usage that no longer fits the allocation
// releases the reservation and returns ErrExhausted; the caller must
// discard the model output.
func (l *Ledger) Commit(ctx context.Context, orgID, period string, reserved, actual int64) error {
	if actual < 0 {
		return fmt.Errorf("commit actual must be non-negative, got %d", actual)
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE budgets SET reserved = reserved - ?, spent = spent + ?, updated_at = ?
		 WHERE org_id = ? AND period = ? AND halted = 0
		   AND reserved >= ? AND spent + reserved - ? + ? <= allocated`,
		reserved, actual, config.Now(), orgID, period, reserved, reserved, actual)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	snap, err := l.Snapshot(ctx, orgID, period)
	if err != nil {
		return err
	}
	switch {
	case snap.Halted:
		return ErrLedgerHalted
	case snap.Reserved < reserved:
		l.halt(ctx, orgID, period, fmt.Sprintf("commit of %d exceeds reservation %d", reserved, snap.Reserved))
		return ErrCorrupt
	default:
		// Usage outgrew the allocation mid-call. Free the reservation;
		// the result is discarded.
		if relErr := l.Release(ctx, orgID, period, reserved); relErr != nil {
			return relErr
		}
		return ErrExhausted
	}
}

// Release returns a reservation after a failed or cancelled call, so a
// cancellation never leaves a partial debit behind.
func (l *Ledger) Release(ctx context.Context, orgID, period string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("release amount must be positive, got %d", amount)
	}
	res, err := l.db.ExecContext(ctx,
		`UPDATE budgets SET reserved = reserved - ?, updated_at = ?
		 WHERE org_id = ? AND period = ? AND reserved >= ?`,
		amount, config.Now(), orgID, period, amount)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		l.halt(ctx, orgID, period, fmt.Sprintf("release of %d exceeds outstanding reservation", amount))
		return ErrCorrupt
	}
	return nil
}

// Snapshot reads one budget row.
func (l *Ledger) Snapshot(ctx context.Context, orgID, period string) (Snapshot, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT allocated, reserved, spent, halted FROM budgets WHERE org_id = ? AND period = ?`,
		orgID, period)
	snap := Snapshot{OrgID: orgID, Period: period}
	var halted int
	switch err := row.Scan(&snap.Allocated, &snap.Reserved, &snap.Spent, &halted); err {
	case nil:
		snap.Halted = halted != 0
		return snap, nil
	case sql.ErrNoRows:
		return snap, ErrNotFound
	default:
		return snap, err
	}
}

// Reconcile overwrites spent with an audited total, zeroes reservations,
// and lifts the halt. The audited total comes from the escalation trail.
func (l *Ledger) Reconcile(ctx context.Context, orgID, period string, auditedSpend int64) (Snapshot, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE budgets SET spent = ?, reserved = 0, halted = 0, updated_at = ?
		 WHERE org_id = ? AND period = ?`,
		auditedSpend, config.Now(), orgID, period)
	if err != nil {
		return Snapshot{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Snapshot{}, err
	}
	if n == 0 {
		return Snapshot{}, ErrNotFound
	}
	l.logger.Info("budget ledger reconciled",
		zap.String("org", orgID), zap.String("period", period), zap.Int64("spent", auditedSpend))
	return l.Snapshot(ctx, orgID, period)
}

func (l *Ledger) halt(ctx context.Context, orgID, period, detail string) {
	if _, err := l.db.ExecContext(ctx,
		`UPDATE budgets SET halted = 1, updated_at = ? WHERE org_id = ? AND period = ?`,
		config.Now(), orgID, period); err != nil {
		l.logger.Error("budget halt write failed", zap.String("org", orgID), zap.Error(err))
	}
	l.logger.Error("budget ledger halted",
		zap.String("org", orgID), zap.String("period", period), zap.String("detail", detail))
	l.bus.Publish(events.BudgetHalted{OrgID: orgID, Period: period, Detail: detail})
}
