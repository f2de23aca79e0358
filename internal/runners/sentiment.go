package runners

import (
	"trait_engine/internal/ingest"
	"trait_engine/internal/trait"
)

// Sentiment scores tone from the per-message sentiment histogram. Its
// confidence drops when most messages carried no sentiment signal.
type Sentiment struct{}

func (Sentiment) Kind() Kind { return KindSentiment }

func (s Sentiment) Analyze(w *ingest.Window) (Output, error) {
	total := w.Sentiment.Positive + w.Sentiment.Negative + w.Sentiment.Neutral
	var posShare, negShare, signalShare float64
	if total > 0 {
		posShare = float64(w.Sentiment.Positive) / float64(total)
		negShare = float64(w.Sentiment.Negative) / float64(total)
		signalShare = float64(w.Sentiment.Positive+w.Sentiment.Negative) / float64(total)
	}

	out := Output{
		SubjectID: w.SubjectID,
		Kind:      KindSentiment,
		Traits: trait.Vector{
			trait.Positivity:    clamp100(100 * (posShare + 0.5*(1-posShare-negShare))),
			trait.Collaboration: clamp100(100 - 70*negShare + 10*posShare),
		},
		Confidence: sampleConfidence(w.Messages, 15) * (0.5 + 0.5*signalShare),
	}
	out.Finalize()
	return out, nil
}
