package events

import (
	"sync"
	"time"
)

// WindowSealed is published when an aggregation window closes.
type WindowSealed struct {
	SubjectID   string
	Channel     string
	PeriodStart time.Time
	Messages    int64
}

// RunCompleted is published when a fusion run reaches a terminal state.
type RunCompleted struct {
	RunID     string
	SubjectID string
	Status    string
	Degraded  bool
	Tokens    int64
}

// BudgetHalted is published when a ledger corruption freezes an org.
type BudgetHalted struct {
	OrgID  string
	Period string
	Detail string
}

// Bus provides simple in-process pub/sub for observability.
type Bus struct {
	mu   sync.RWMutex
	subs []chan any
}

func NewBus() *Bus { return &Bus{} }

func (b *Bus) Subscribe() <-chan any {
	ch := make(chan any, 16)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers ev to every subscriber without blocking; slow
// subscribers lose events rather than stalling the pipeline.
func (b *Bus) Publish(ev any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
