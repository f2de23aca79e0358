package trait

import (
	"fmt"
	"sort"
	"strings"
)

// Trait identifies one behavioral dimension on the shared taxonomy.
// Every model scores the same closed set; anything else is rejected.
type Trait string

const (
	Collaboration  Trait = "collaboration"
	Responsiveness Trait = "responsiveness"
	Assertiveness  Trait = "assertiveness"
	Positivity     Trait = "positivity"
	Thoroughness   Trait = "thoroughness"
	Curiosity      Trait = "curiosity"
)

// All returns the taxonomy in canonical order.
func All() []Trait {
	return []Trait{Collaboration, Responsiveness, Assertiveness, Positivity, Thoroughness, Curiosity}
}

// Valid reports whether t belongs to the taxonomy.
func Valid(t Trait) bool {
	switch t {
	case Collaboration, Responsiveness, Assertiveness, Positivity, Thoroughness, Curiosity:
		return true
	default:
		return false
	}
}

// Vector maps traits to scores on the 0-100 scale.
type Vector map[Trait]float64

// Validate rejects unknown traits and out-of-range scores.
func (v Vector) Validate() error {
	for t, score := range v {
		if !Valid(t) {
			return fmt.Errorf("unknown trait %q", t)
		}
		if score < 0 || score > 100 {
			return fmt.Errorf("trait %s score %.2f out of range", t, score)
		}
	}
	return nil
}

// Clamped returns a copy with every score forced into [0, 100].
func (v Vector) Clamped() Vector {
	out := make(Vector, len(v))
	for t, score := range v {
		if score < 0 {
			score = 0
		}
		if score > 100 {
			score = 100
		}
		out[t] = score
	}
	return out
}

// Clone returns an independent copy of the vector.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for t, score := range v {
		out[t] = score
	}
	return out
}

// Canonical renders the vector as "trait:score;..." with traits sorted,
// scores fixed to four decimals. Used for checksums and audit rows.
func (v Vector) Canonical() string {
	keys := make([]string, 0, len(v))
	for t := range v {
		keys = append(keys, string(t))
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(';')
		}
		fmt.Fprintf(&b, "%s:%.4f", k, v[Trait(k)])
	}
	return b.String()
}
