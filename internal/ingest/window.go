package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// SentimentCounts is the per-message sentiment histogram.
type SentimentCounts struct {
	Positive int64 `json:"positive"`
	Negative int64 `json:"negative"`
	Neutral  int64 `json:"neutral"`
}

// Key identifies one open window.
type Key struct {
	SubjectID   string
	Channel     string
	PeriodStart time.Time
}

// Window holds the derived statistics for one subject, channel, and
// period. It never contains message text: every field is a count,
// moment, histogram, or hash sketch computed at ingest time.
type Window struct {
	SubjectID   string    `json:"subject_id"`
	OrgID       string    `json:"org_id"`
	Channel     string    `json:"channel"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`

	Messages     int64            `json:"messages"`
	Length       Moments          `json:"length_tokens"`
	Gap          Moments          `json:"gap_seconds"`
	Sentiment    SentimentCounts  `json:"sentiment"`
	Questions    int64            `json:"questions"`
	Exclamations int64            `json:"exclamations"`
	Emoji        int64            `json:"emoji"`
	Keywords     map[string]int64 `json:"keywords"`
	Vocabulary   DistinctSketch   `json:"vocabulary"`

	lastAt time.Time
}

func newWindow(e CommEvent, periodDays int) *Window {
	start := PeriodStart(e.Timestamp, periodDays)
	return &Window{
		SubjectID:   e.SubjectID,
		OrgID:       e.OrgID,
		Channel:     e.Channel,
		PeriodStart: start,
		PeriodEnd:   PeriodEnd(start, periodDays),
		Keywords:    map[string]int64{},
	}
}

// observe folds one event into the window. The text is reduced to
// statistics here and referenced nowhere afterwards.
func (w *Window) observe(ts time.Time, text string) {
	tokens := Tokenize(text)
	w.Messages++
	w.Length.Observe(float64(len(tokens)))
	// Out-of-order arrivals contribute no gap sample.
	if !w.lastAt.IsZero() && ts.After(w.lastAt) {
		w.Gap.Observe(ts.Sub(w.lastAt).Seconds())
	}
	if ts.After(w.lastAt) {
		w.lastAt = ts
	}

	pos, neg := sentimentOf(tokens)
	switch {
	case pos > neg:
		w.Sentiment.Positive++
	case neg > pos:
		w.Sentiment.Negative++
	default:
		w.Sentiment.Neutral++
	}

	if strings.Contains(text, "?") {
		w.Questions++
	}
	if strings.Contains(text, "!") {
		w.Exclamations++
	}
	w.Emoji += countEmoji(text)

	for cat, n := range categoryHits(tokens) {
		w.Keywords[cat] += n
	}
	for _, tok := range tokens {
		w.Vocabulary.Add(tok)
	}
}

// Rate returns count normalized by message count.
func (w *Window) Rate(count int64) float64 {
	if w.Messages == 0 {
		return 0
	}
	return float64(count) / float64(w.Messages)
}

// Serialize renders the window statistics as JSON for audit storage.
func (w *Window) Serialize() ([]byte, error) {
	return json.Marshal(w)
}

// Merge combines the channel windows of one subject and period into the
// composite a run consumes. Moments merge exactly; sketches take the
// register union.
func Merge(windows []*Window) (*Window, error) {
	if len(windows) == 0 {
		return nil, errors.New("no windows to merge")
	}
	sorted := make([]*Window, len(windows))
	copy(sorted, windows)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Channel < sorted[j].Channel })

	out := &Window{
		SubjectID:   sorted[0].SubjectID,
		OrgID:       sorted[0].OrgID,
		Channel:     "composite",
		PeriodStart: sorted[0].PeriodStart,
		PeriodEnd:   sorted[0].PeriodEnd,
		Keywords:    map[string]int64{},
	}
	for _, w := range sorted {
		if w.SubjectID != out.SubjectID {
			return nil, fmt.Errorf("merge subject mismatch: %s vs %s", w.SubjectID, out.SubjectID)
		}
		if w.PeriodStart.Before(out.PeriodStart) {
			out.PeriodStart = w.PeriodStart
		}
		if w.PeriodEnd.After(out.PeriodEnd) {
			out.PeriodEnd = w.PeriodEnd
		}
		out.Messages += w.Messages
		out.Length.Merge(w.Length)
		out.Gap.Merge(w.Gap)
		out.Sentiment.Positive += w.Sentiment.Positive
		out.Sentiment.Negative += w.Sentiment.Negative
		out.Sentiment.Neutral += w.Sentiment.Neutral
		out.Questions += w.Questions
		out.Exclamations += w.Exclamations
		out.Emoji += w.Emoji
		for cat, n := range w.Keywords {
			out.Keywords[cat] += n
		}
		out.Vocabulary.Merge(w.Vocabulary)
	}
	return out, nil
}
