package runners

import (
	"trait_engine/internal/ingest"
	"trait_engine/internal/trait"
)

// Behavioral scores traits from timing and message structure: reply
// gaps, message length and its spread, question and exclamation rates.
type Behavioral struct{}

func (Behavioral) Kind() Kind { return KindBehavioral }

func (b Behavioral) Analyze(w *ingest.Window) (Output, error) {
	traits := trait.Vector{
		trait.Thoroughness:  0.7*scaled(w.Length.Mean, 30) + 0.3*inverseScaled(w.Length.StdDev(), 35),
		trait.Curiosity:     scaled(w.Rate(w.Questions), 0.35),
		trait.Assertiveness: 0.5*scaled(w.Rate(w.Exclamations), 0.4) + 0.5*scaled(w.Length.Mean, 25),
	}

	confidence := sampleConfidence(w.Messages, 25)
	if w.Gap.Count > 0 {
		gapMinutes := w.Gap.Mean / 60
		traits[trait.Responsiveness] = inverseScaled(gapMinutes, 60)
	} else {
		// No reply gaps observed; responsiveness is unscored and the
		// remaining traits carry less evidence.
		confidence *= 0.8
	}

	out := Output{
		SubjectID:  w.SubjectID,
		Kind:       KindBehavioral,
		Traits:     traits,
		Confidence: confidence,
	}
	out.Finalize()
	return out, nil
}
