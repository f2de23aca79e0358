package runners

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"trait_engine/internal/ingest"
	"trait_engine/internal/trait"
)

// Kind names a model in the ensemble.
type Kind string

const (
	KindLexical    Kind = "lexical"
	KindSentiment  Kind = "sentiment"
	KindBehavioral Kind = "behavioral"
	KindValidator  Kind = "validator"
)

// Kinds returns every model kind in canonical fusion order.
func Kinds() []Kind {
	return []Kind{KindLexical, KindSentiment, KindBehavioral, KindValidator}
}

// Output is one model's scored contribution to a run. Immutable once
// persisted; the checksum covers kind, subject, traits, and confidence.
type Output struct {
	RunID          string       `json:"run_id"`
	SubjectID      string       `json:"subject_id"`
	Kind           Kind         `json:"kind"`
	Traits         trait.Vector `json:"traits"`
	Confidence     float64      `json:"confidence"`
	TokensConsumed int64        `json:"tokens_consumed"`
	Checksum       string       `json:"checksum"`
}

// Finalize clamps scores into range and stamps the checksum.
func (o *Output) Finalize() {
	o.Traits = o.Traits.Clamped()
	if o.Confidence < 0 {
		o.Confidence = 0
	}
	if o.Confidence > 100 {
		o.Confidence = 100
	}
	o.Checksum = o.computeChecksum()
}

func (o *Output) computeChecksum() string {
	payload := fmt.Sprintf("%s|%s|%s|%.4f", o.Kind, o.SubjectID, o.Traits.Canonical(), o.Confidence)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// VerifyChecksum reports whether the stored checksum still matches the
// payload, for audit reads.
func (o *Output) VerifyChecksum() bool {
	return o.Checksum == o.computeChecksum()
}

// Runner scores one composite window. Implementations are deterministic
// pure functions: no I/O, bounded time, same window in, same output out.
type Runner interface {
	Kind() Kind
	Analyze(w *ingest.Window) (Output, error)
}

// Tier1 returns the built-in zero-cost runners in canonical order.
func Tier1() []Runner {
	return []Runner{&Lexical{}, &Sentiment{}, &Behavioral{}}
}

// scaled maps a non-negative signal onto 0..100 with half-point h.
func scaled(x, h float64) float64 {
	if x <= 0 {
		return 0
	}
	return 100 * x / (x + h)
}

// inverseScaled maps a non-negative signal onto 100..0 with half-point
// h: small values score high.
func inverseScaled(x, h float64) float64 {
	if x <= 0 {
		return 100
	}
	return 100 * h / (h + x)
}

// sampleConfidence saturates with sample count: n == k scores 50.
func sampleConfidence(n int64, k float64) float64 {
	if n <= 0 {
		return 0
	}
	return 100 * float64(n) / (float64(n) + k)
}

func clamp100(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 100 {
		return 100
	}
	return x
}
