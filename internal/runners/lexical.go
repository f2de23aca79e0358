package runners

import (
	"trait_engine/internal/ingest"
	"trait_engine/internal/trait"
)

// Lexical scores traits from keyword-category rates and vocabulary
// diversity. It has no timing signal, so responsiveness is left to the
// behavioral runner.
type Lexical struct{}

func (Lexical) Kind() Kind { return KindLexical }

func (l Lexical) Analyze(w *ingest.Window) (Output, error) {
	collab := w.Rate(w.Keywords[ingest.CatCollaborative])
	assertive := w.Rate(w.Keywords[ingest.CatAssertive])
	hedging := w.Rate(w.Keywords[ingest.CatHedging])
	gratitude := w.Rate(w.Keywords[ingest.CatGratitude])
	planning := w.Rate(w.Keywords[ingest.CatPlanning])

	// Assertive vs hedging balance around the 50 midpoint.
	assertScore := 50.0
	if assertive+hedging > 0 {
		assertScore = clamp100(50 + 50*(assertive-hedging)/(assertive+hedging))
	}

	diversity := 0.0
	if w.Messages > 0 {
		diversity = w.Vocabulary.Estimate() / float64(w.Messages)
	}

	out := Output{
		SubjectID: w.SubjectID,
		Kind:      KindLexical,
		Traits: trait.Vector{
			trait.Collaboration: scaled(collab, 0.6),
			trait.Assertiveness: assertScore,
			trait.Positivity:    scaled(gratitude, 0.3),
			trait.Thoroughness:  0.6*scaled(w.Length.Mean, 40) + 0.4*scaled(planning, 0.4),
			trait.Curiosity:     0.7*scaled(diversity, 8) + 0.3*scaled(w.Rate(w.Questions), 0.4),
		},
		Confidence: sampleConfidence(w.Messages, 20),
	}
	out.Finalize()
	return out, nil
}
