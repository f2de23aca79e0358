package ingest

import (
	"strings"
	"unicode"
)

// Keyword categories tallied per window. Counts only; the matched text
// is discarded with the rest of the message.
const (
	CatCollaborative = "collaborative"
	CatAssertive     = "assertive"
	CatHedging       = "hedging"
	CatGratitude     = "gratitude"
	CatPlanning      = "planning"
)

// Categories returns the keyword categories in canonical order.
func Categories() []string {
	return []string{CatCollaborative, CatAssertive, CatHedging, CatGratitude, CatPlanning}
}

var categoryLexicons = map[string]map[string]struct{}{
	CatCollaborative: toSet([]string{
		"we", "us", "our", "together", "team", "share", "help", "pair",
		"sync", "review", "collaborate", "thoughts",
	}),
	CatAssertive: toSet([]string{
		"must", "need", "should", "will", "definitely", "decide",
		"decided", "now", "immediately", "blocker", "require", "critical",
	}),
	CatHedging: toSet([]string{
		"maybe", "perhaps", "possibly", "might", "guess", "think",
		"unsure", "probably", "somewhat", "roughly",
	}),
	CatGratitude: toSet([]string{
		"thanks", "thank", "appreciate", "grateful", "kudos",
	}),
	CatPlanning: toSet([]string{
		"plan", "schedule", "deadline", "milestone", "roadmap", "next",
		"tomorrow", "agenda", "estimate", "sprint", "followup",
	}),
}

var positiveLexicon = toSet([]string{
	"good", "great", "awesome", "excellent", "nice", "love", "happy",
	"glad", "perfect", "thanks", "thank", "appreciate", "well", "yes",
	"works", "fixed", "solved", "clean", "fast", "win",
})

var negativeLexicon = toSet([]string{
	"bad", "broken", "wrong", "hate", "angry", "sad", "terrible",
	"awful", "fail", "failed", "bug", "slow", "blocked", "no",
	"never", "problem", "issue", "worse", "ugly", "mess",
})

func toSet(words []string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// Tokenize lowercases and splits on non-alphanumeric runes.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func sentimentOf(tokens []string) (pos, neg int) {
	for _, tok := range tokens {
		if _, ok := positiveLexicon[tok]; ok {
			pos++
		}
		if _, ok := negativeLexicon[tok]; ok {
			neg++
		}
	}
	return pos, neg
}

func categoryHits(tokens []string) map[string]int64 {
	hits := map[string]int64{}
	for _, tok := range tokens {
		for cat, lex := range categoryLexicons {
			if _, ok := lex[tok]; ok {
				hits[cat]++
			}
		}
	}
	return hits
}

var asciiEmoticons = []string{":)", ":-)", ":(", ":-(", ":d", ";)", ":p", "<3", ":/"}

func countEmoji(text string) int64 {
	var n int64
	for _, r := range text {
		if (r >= 0x1F300 && r <= 0x1FAFF) || (r >= 0x2600 && r <= 0x27BF) {
			n++
		}
	}
	lower := strings.ToLower(text)
	for _, emo := range asciiEmoticons {
		n += int64(strings.Count(lower, emo))
	}
	return n
}
