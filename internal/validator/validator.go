package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"trait_engine/internal/config"
	"trait_engine/internal/fusion"
	"trait_engine/internal/ingest"
	"trait_engine/internal/runners"
	"trait_engine/internal/trait"
)

// ErrTimeout means the validator call did not finish inside its window.
var ErrTimeout = errors.New("validator timed out")

// ErrInvalid means the validator answered but the payload failed strict
// validation. Its tokens are still spent.
var ErrInvalid = errors.New("validator returned invalid output")

// CompletionClient produces one structured completion and reports the
// tokens it consumed.
type CompletionClient interface {
	Complete(ctx context.Context, instructions, input string) (raw string, tokens int64, err error)
}

// Validator escalates a window to the LLM tier. The prompt carries only
// derived statistics and tier-1 scores; message text never reaches it.
type Validator struct {
	client CompletionClient
	cfg    config.ValidatorConfig
	logger *zap.Logger
}

func New(client CompletionClient, cfg config.ValidatorConfig, logger *zap.Logger) *Validator {
	return &Validator{client: client, cfg: cfg, logger: logger}
}

// Assess scores the window with the validator model. The token count is
// returned even when the output is rejected, because rejected calls
// still bill against the org budget.
func (v *Validator) Assess(ctx context.Context, runID string, w *ingest.Window, tier1 []runners.Output) (runners.Output, int64, error) {
	timeout := time.Duration(v.cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, tokens, err := v.client.Complete(ctx, buildSystemPrompt(v.cfg.PromptVersion), buildWindowPrompt(w, tier1))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return runners.Output{}, tokens, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return runners.Output{}, tokens, fmt.Errorf("validator call: %w", err)
	}

	parsed, err := parseAssessment(raw)
	if err != nil {
		return runners.Output{}, tokens, err
	}
	v.logger.Debug("validator assessment",
		zap.String("run_id", runID),
		zap.String("subject_id", w.SubjectID),
		zap.Float64("confidence", parsed.Confidence),
		zap.String("rationale", parsed.Rationale))

	out := runners.Output{
		RunID:     runID,
		SubjectID: w.SubjectID,
		Kind:      runners.KindValidator,
		Traits: trait.Vector{
			trait.Collaboration:  parsed.Collaboration,
			trait.Responsiveness: parsed.Responsiveness,
			trait.Assertiveness:  parsed.Assertiveness,
			trait.Positivity:     parsed.Positivity,
			trait.Thoroughness:   parsed.Thoroughness,
			trait.Curiosity:      parsed.Curiosity,
		},
		Confidence:     parsed.Confidence,
		TokensConsumed: tokens,
	}
	out.Finalize()
	return out, tokens, nil
}

// Reason maps a validator failure onto the degradation reason recorded
// with the consensus.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return fusion.ReasonValidatorTimeout
	case errors.Is(err, ErrInvalid):
		return fusion.ReasonValidatorInvalid
	default:
		return fusion.ReasonValidatorError
	}
}

type assessmentResponse struct {
	Collaboration  float64 `json:"collaboration"`
	Responsiveness float64 `json:"responsiveness"`
	Assertiveness  float64 `json:"assertiveness"`
	Positivity     float64 `json:"positivity"`
	Thoroughness   float64 `json:"thoroughness"`
	Curiosity      float64 `json:"curiosity"`
	Confidence     float64 `json:"confidence"`
	Rationale      string  `json:"rationale"`
}

func buildSystemPrompt(version string) string {
	return strings.TrimSpace(fmt.Sprintf(`You are a workplace communication style assessor.
You receive aggregate statistics derived from one person's messages over a period, plus scores from three deterministic models. No message text is available to you.
Return STRICT JSON ONLY with keys: collaboration, responsiveness, assertiveness, positivity, thoroughness, curiosity, confidence, rationale.
Rules:
- every trait score is a number from 0 to 100
- confidence is a number from 0 to 100 reflecting how well the statistics support the scores
- rationale max 280 chars and may reference ONLY the provided statistics
- disagree with the tier-1 scores where the statistics warrant it
Prompt version: %s`, version))
}

func buildWindowPrompt(w *ingest.Window, tier1 []runners.Output) string {
	var b strings.Builder
	b.WriteString("window profile:\n")
	fmt.Fprintf(&b, "- channel: %s\n", w.Channel)
	fmt.Fprintf(&b, "- period: %s .. %s\n", w.PeriodStart.Format(time.RFC3339), w.PeriodEnd.Format(time.RFC3339))
	fmt.Fprintf(&b, "- messages: %d\n", w.Messages)
	fmt.Fprintf(&b, "- tokens_per_message: mean=%.1f sd=%.1f min=%.0f max=%.0f\n", w.Length.Mean, w.Length.StdDev(), w.Length.Min, w.Length.Max)
	if w.Gap.Count > 0 {
		fmt.Fprintf(&b, "- reply_gap_seconds: mean=%.0f sd=%.0f\n", w.Gap.Mean, w.Gap.StdDev())
	}
	fmt.Fprintf(&b, "- sentiment_messages: positive=%d negative=%d neutral=%d\n", w.Sentiment.Positive, w.Sentiment.Negative, w.Sentiment.Neutral)
	fmt.Fprintf(&b, "- question_rate: %.3f\n", w.Rate(w.Questions))
	fmt.Fprintf(&b, "- exclamation_rate: %.3f\n", w.Rate(w.Exclamations))
	fmt.Fprintf(&b, "- emoji_rate: %.3f\n", w.Rate(w.Emoji))
	b.WriteString("- keyword_rates:")
	for _, cat := range ingest.Categories() {
		fmt.Fprintf(&b, " %s=%.3f", cat, w.Rate(w.Keywords[cat]))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "- distinct_tokens: %.0f\n", w.Vocabulary.Estimate())

	b.WriteString("tier-1 model scores:\n")
	for _, out := range tier1 {
		fmt.Fprintf(&b, "- %s (confidence %.1f):", out.Kind, out.Confidence)
		for _, tr := range trait.All() {
			if score, ok := out.Traits[tr]; ok {
				fmt.Fprintf(&b, " %s=%.1f", tr, score)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

var assessmentKeys = []string{"collaboration", "responsiveness", "assertiveness", "positivity", "thoroughness", "curiosity", "confidence", "rationale"}

func parseAssessment(content string) (assessmentResponse, error) {
	obj := extractJSONObject(content)
	if obj == "" {
		return assessmentResponse{}, fmt.Errorf("%w: no json object found", ErrInvalid)
	}
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return assessmentResponse{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	allowed := map[string]struct{}{}
	for _, key := range assessmentKeys {
		allowed[key] = struct{}{}
	}
	for key := range raw {
		if _, ok := allowed[key]; !ok {
			return assessmentResponse{}, fmt.Errorf("%w: unexpected key %q", ErrInvalid, key)
		}
	}
	for _, key := range assessmentKeys {
		if _, ok := raw[key]; !ok {
			return assessmentResponse{}, fmt.Errorf("%w: missing key %q", ErrInvalid, key)
		}
	}
	var out assessmentResponse
	if err := json.Unmarshal([]byte(obj), &out); err != nil {
		return assessmentResponse{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for name, score := range map[string]float64{
		"collaboration":  out.Collaboration,
		"responsiveness": out.Responsiveness,
		"assertiveness":  out.Assertiveness,
		"positivity":     out.Positivity,
		"thoroughness":   out.Thoroughness,
		"curiosity":      out.Curiosity,
		"confidence":     out.Confidence,
	} {
		if score < 0 || score > 100 {
			return assessmentResponse{}, fmt.Errorf("%w: %s out of range: %v", ErrInvalid, name, score)
		}
	}
	out.Rationale = strings.TrimSpace(out.Rationale)
	if len(out.Rationale) > 280 {
		return assessmentResponse{}, fmt.Errorf("%w: rationale too long", ErrInvalid)
	}
	return out, nil
}

func extractJSONObject(input string) string {
	start := strings.Index(input, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(input); i++ {
		ch := input[i]
		if inString {
			if escaped {
				escaped = false
				continue
			}
			if ch == '\\' {
				escaped = true
				continue
			}
			if ch == '"' {
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return input[start : i+1]
			}
		}
	}
	return ""
}
