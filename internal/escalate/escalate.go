package escalate

import (
	"trait_engine/internal/config"
	"trait_engine/internal/runners"
	"trait_engine/internal/trait"
)

// Trigger names why a run became eligible for validation.
type Trigger string

const (
	TriggerNone          Trigger = ""
	TriggerLowConfidence Trigger = "low_confidence"
	TriggerHighSpread    Trigger = "high_spread"
	TriggerColdStart     Trigger = "cold_start"
)

// ReasonBudgetExhausted marks an eligible escalation refused for lack of
// tokens. A recorded degradation, not an error.
const ReasonBudgetExhausted = "budget_exhausted"

// SubjectHistory is the slice of ledger state the decision depends on.
type SubjectHistory struct {
	HasCompletedRun bool
	EverEscalated   bool
}

// Decision is the escalation verdict for one run.
type Decision struct {
	Eligible       bool
	Escalate       bool
	Trigger        Trigger
	RefusalReason  string
	MeanConfidence float64
	MaxSpread      float64
}

// Evaluate is a pure function: same inputs, same decision. Eligibility
// comes from low mean confidence, high per-trait spread, or subject
// cold start (at most once per subject, ever). An eligible run with no
// remaining budget is refused outright, never partially attempted.
func Evaluate(tier1 []runners.Output, budgetRemaining int64, hist SubjectHistory, cfg config.EscalationConfig) Decision {
	d := Decision{
		MeanConfidence: meanConfidence(tier1),
		MaxSpread:      maxSpread(tier1),
	}

	switch {
	case d.MeanConfidence < cfg.MinConfidence:
		d.Eligible = true
		d.Trigger = TriggerLowConfidence
	case d.MaxSpread > cfg.SpreadThreshold:
		d.Eligible = true
		d.Trigger = TriggerHighSpread
	case !hist.HasCompletedRun && !hist.EverEscalated:
		d.Eligible = true
		d.Trigger = TriggerColdStart
	}

	if !d.Eligible {
		return d
	}
	if budgetRemaining <= 0 {
		d.RefusalReason = ReasonBudgetExhausted
		return d
	}
	d.Escalate = true
	return d
}

func meanConfidence(outputs []runners.Output) float64 {
	if len(outputs) == 0 {
		return 0
	}
	sum := 0.0
	for _, o := range outputs {
		sum += o.Confidence
	}
	return sum / float64(len(outputs))
}

// maxSpread is the widest min-to-max range any single trait shows
// across the outputs that scored it.
func maxSpread(outputs []runners.Output) float64 {
	spread := 0.0
	for _, tr := range trait.All() {
		lo, hi, seen := 0.0, 0.0, 0
		for _, o := range outputs {
			score, ok := o.Traits[tr]
			if !ok {
				continue
			}
			if seen == 0 || score < lo {
				lo = score
			}
			if seen == 0 || score > hi {
				hi = score
			}
			seen++
		}
		if seen >= 2 && hi-lo > spread {
			spread = hi - lo
		}
	}
	return spread
}
