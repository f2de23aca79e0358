package ingest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"trait_engine/internal/config"
	"trait_engine/internal/events"
	"trait_engine/internal/identity"
	"trait_engine/internal/metrics"
)

// Aggregator folds communication events into rolling windows. Map access
// takes a short global lock; accumulation takes only the window's own
// lock, so subjects never contend with each other.
type Aggregator struct {
	cfg     config.WindowConfig
	dir     identity.Directory
	logger  *zap.Logger
	metrics *metrics.Metrics
	bus     *events.Bus

	mu    sync.RWMutex
	slots map[Key]*windowSlot
}

type windowSlot struct {
	mu  sync.Mutex
	win *Window
}

// SealedGroup carries the sealed channel windows of one subject and
// period, ready for a fusion run.
type SealedGroup struct {
	SubjectID   string
	OrgID       string
	PeriodStart time.Time
	PeriodEnd   time.Time
	Windows     []*Window
}

func NewAggregator(cfg config.WindowConfig, dir identity.Directory, m *metrics.Metrics, bus *events.Bus, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		dir:     dir,
		logger:  logger,
		metrics: m,
		bus:     bus,
		slots:   map[Key]*windowSlot{},
	}
}

// Ingest validates the event, checks consent, and folds the text into
// the subject's window. The text is gone once Ingest returns.
func (a *Aggregator) Ingest(ctx context.Context, e CommEvent) error {
	if err := e.validate(); err != nil {
		a.metrics.RecordMalformed()
		return err
	}
	ok, err := a.dir.Consent(ctx, e.SubjectID)
	if err != nil {
		return fmt.Errorf("consent check for %s: %w", e.SubjectID, err)
	}
	if !ok {
		a.metrics.RecordDropped()
		if n := a.DiscardSubject(e.SubjectID); n > 0 {
			a.logger.Info("consent revoked, open windows discarded",
				zap.String("subject", e.SubjectID), zap.Int("windows", n))
		}
		return ErrConsentDenied
	}

	key := Key{
		SubjectID:   e.SubjectID,
		Channel:     strings.ToLower(strings.TrimSpace(e.Channel)),
		PeriodStart: PeriodStart(e.Timestamp, a.cfg.PeriodDays),
	}
	for {
		slot := a.slot(key, e)
		slot.mu.Lock()
		if slot.win == nil {
			// Sealed out from under us; retry against a fresh slot.
			slot.mu.Unlock()
			continue
		}
		slot.win.observe(e.Timestamp.UTC(), e.TransientText)
		slot.mu.Unlock()
		break
	}
	a.metrics.RecordIngest()
	return nil
}

func (a *Aggregator) slot(key Key, e CommEvent) *windowSlot {
	a.mu.RLock()
	s, ok := a.slots[key]
	a.mu.RUnlock()
	if ok {
		return s
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.slots[key]; ok {
		return s
	}
	s = &windowSlot{win: newWindow(e, a.cfg.PeriodDays)}
	a.slots[key] = s
	return s
}

// Seal closes one window and removes it from the live set. Sealing an
// absent window is a no-op; a window below the message floor is
// discarded and produces no run.
func (a *Aggregator) Seal(key Key) *Window {
	a.mu.Lock()
	slot, ok := a.slots[key]
	if ok {
		delete(a.slots, key)
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	slot.mu.Lock()
	win := slot.win
	slot.win = nil
	slot.mu.Unlock()
	if win == nil || win.Messages < int64(a.cfg.MinMessages) {
		return nil
	}
	a.metrics.RecordWindowSealed()
	a.bus.Publish(events.WindowSealed{
		SubjectID:   win.SubjectID,
		Channel:     win.Channel,
		PeriodStart: win.PeriodStart,
		Messages:    win.Messages,
	})
	return win
}

// SealDue seals every window whose period has ended and groups the
// results by subject and period, sorted for deterministic batch order.
func (a *Aggregator) SealDue(now time.Time) []SealedGroup {
	a.mu.RLock()
	due := make([]Key, 0)
	for k := range a.slots {
		if !PeriodEnd(k.PeriodStart, a.cfg.PeriodDays).After(now) {
			due = append(due, k)
		}
	}
	a.mu.RUnlock()

	type groupKey struct {
		subject string
		start   time.Time
	}
	groups := map[groupKey]*SealedGroup{}
	for _, k := range due {
		win := a.Seal(k)
		if win == nil {
			continue
		}
		gk := groupKey{subject: win.SubjectID, start: win.PeriodStart}
		g, ok := groups[gk]
		if !ok {
			g = &SealedGroup{
				SubjectID:   win.SubjectID,
				OrgID:       win.OrgID,
				PeriodStart: win.PeriodStart,
				PeriodEnd:   win.PeriodEnd,
			}
			groups[gk] = g
		}
		g.Windows = append(g.Windows, win)
	}

	out := make([]SealedGroup, 0, len(groups))
	for _, g := range groups {
		sort.Slice(g.Windows, func(i, j int) bool { return g.Windows[i].Channel < g.Windows[j].Channel })
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubjectID != out[j].SubjectID {
			return out[i].SubjectID < out[j].SubjectID
		}
		return out[i].PeriodStart.Before(out[j].PeriodStart)
	})
	return out
}

// DiscardSubject drops every open window for the subject. Returns the
// number discarded.
func (a *Aggregator) DiscardSubject(subjectID string) int {
	a.mu.Lock()
	victims := make([]*windowSlot, 0)
	for k, s := range a.slots {
		if k.SubjectID == subjectID {
			victims = append(victims, s)
			delete(a.slots, k)
		}
	}
	a.mu.Unlock()
	for _, s := range victims {
		s.mu.Lock()
		s.win = nil
		s.mu.Unlock()
	}
	return len(victims)
}

// OpenWindows reports the live window count for the status endpoint.
func (a *Aggregator) OpenWindows() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.slots)
}

// Consent re-checks the subject's consent flag, used before a run is
// created so a revocation between ingest and fusion still discards the
// subject's windows.
func (a *Aggregator) Consent(ctx context.Context, subjectID string) (bool, error) {
	return a.dir.Consent(ctx, subjectID)
}
