package fusion

import (
	"errors"
	"time"

	"trait_engine/internal/config"
	"trait_engine/internal/runners"
	"trait_engine/internal/trait"
)

// ErrNoContributors means a fusion was attempted with zero model
// outputs. The run fails; other subjects are unaffected.
var ErrNoContributors = errors.New("no model outputs to fuse")

// Degradation reasons recorded on a consensus whose validator was
// eligible but absent.
const (
	ReasonBudgetExhausted  = "budget_exhausted"
	ReasonValidatorTimeout = "validator_timeout"
	ReasonValidatorError   = "validator_error"
	ReasonValidatorInvalid = "validator_invalid"
)

// Options carries the fusion weights and the escalation verdict needed
// to classify degradation.
type Options struct {
	Weights           config.FusionConfig
	ValidatorEligible bool
	DegradationReason string
}

// Consensus is the fused trait estimate with full provenance.
type Consensus struct {
	RunID               string       `json:"run_id"`
	SubjectID           string       `json:"subject_id"`
	Traits              trait.Vector `json:"traits"`
	AggregateConfidence float64      `json:"aggregate_confidence"`
	ContributingModels  []string     `json:"contributing_models"`
	Degraded            bool         `json:"degraded"`
	DegradationReason   string       `json:"degradation_reason,omitempty"`
	CreatedAt           time.Time    `json:"created_at"`
}

// Fuse combines model outputs into one consensus. Per trait, the score
// is the weight-normalized mean over the models that scored it, with
// weight(model) = baseWeight(kind) * confidence/100. Aggregate
// confidence is the share of the full ensemble's weight mass that
// actually contributed. Deterministic: same outputs, same result.
func Fuse(runID, subjectID string, outputs []runners.Output, opts Options) (Consensus, error) {
	if len(outputs) == 0 {
		return Consensus{}, ErrNoContributors
	}

	base := baseWeights(opts.Weights)
	byKind := map[runners.Kind]runners.Output{}
	for _, out := range outputs {
		if _, dup := byKind[out.Kind]; dup {
			continue // one contribution per kind
		}
		byKind[out.Kind] = out
	}

	weights := map[runners.Kind]float64{}
	fullMass, presentMass := 0.0, 0.0
	for _, kind := range runners.Kinds() {
		fullMass += base[kind]
		out, ok := byKind[kind]
		if !ok {
			continue
		}
		w := base[kind] * out.Confidence / 100
		weights[kind] = w
		presentMass += w
	}

	traits := trait.Vector{}
	for _, tr := range trait.All() {
		num, den := 0.0, 0.0
		for _, kind := range runners.Kinds() {
			out, ok := byKind[kind]
			if !ok {
				continue
			}
			score, scored := out.Traits[tr]
			if !scored {
				continue
			}
			num += score * weights[kind]
			den += weights[kind]
		}
		if den > 0 {
			traits[tr] = num / den
		}
	}

	contributing := make([]string, 0, len(byKind))
	for _, kind := range runners.Kinds() {
		if _, ok := byKind[kind]; ok {
			contributing = append(contributing, string(kind))
		}
	}

	_, hasValidator := byKind[runners.KindValidator]
	degraded := opts.ValidatorEligible && !hasValidator
	reason := ""
	if degraded {
		reason = opts.DegradationReason
		if reason == "" {
			reason = ReasonValidatorError
		}
	}

	return Consensus{
		RunID:               runID,
		SubjectID:           subjectID,
		Traits:              traits,
		AggregateConfidence: 100 * presentMass / fullMass,
		ContributingModels:  contributing,
		Degraded:            degraded,
		DegradationReason:   reason,
	}, nil
}

func baseWeights(w config.FusionConfig) map[runners.Kind]float64 {
	if w.LexicalWeight <= 0 && w.SentimentWeight <= 0 && w.BehavioralWeight <= 0 && w.ValidatorWeight <= 0 {
		w = config.FusionConfig{LexicalWeight: 0.25, SentimentWeight: 0.25, BehavioralWeight: 0.30, ValidatorWeight: 0.20}
	}
	return map[runners.Kind]float64{
		runners.KindLexical:    w.LexicalWeight,
		runners.KindSentiment:  w.SentimentWeight,
		runners.KindBehavioral: w.BehavioralWeight,
		runners.KindValidator:  w.ValidatorWeight,
	}
}
