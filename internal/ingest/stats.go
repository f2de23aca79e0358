package ingest

import (
	"hash/fnv"
	"math"
	"math/bits"
)

// Moments tracks count, mean, and variance of a sample stream without
// retaining the samples (Welford accumulation).
type Moments struct {
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	M2    float64 `json:"m2"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
}

// Observe folds one sample into the moments.
func (m *Moments) Observe(x float64) {
	if m.Count == 0 {
		m.Min = x
		m.Max = x
	} else {
		if x < m.Min {
			m.Min = x
		}
		if x > m.Max {
			m.Max = x
		}
	}
	m.Count++
	delta := x - m.Mean
	m.Mean += delta / float64(m.Count)
	m.M2 += delta * (x - m.Mean)
}

// Variance returns the population variance of the observed samples.
func (m *Moments) Variance() float64 {
	if m.Count < 2 {
		return 0
	}
	return m.M2 / float64(m.Count)
}

// StdDev returns the population standard deviation.
func (m *Moments) StdDev() float64 {
	return math.Sqrt(m.Variance())
}

// Merge folds another set of moments into m. The result is identical to
// observing both sample streams in one accumulator.
func (m *Moments) Merge(o Moments) {
	if o.Count == 0 {
		return
	}
	if m.Count == 0 {
		*m = o
		return
	}
	n1, n2 := float64(m.Count), float64(o.Count)
	delta := o.Mean - m.Mean
	total := n1 + n2
	m.Mean += delta * n2 / total
	m.M2 += o.M2 + delta*delta*n1*n2/total
	m.Count += o.Count
	if o.Min < m.Min {
		m.Min = o.Min
	}
	if o.Max > m.Max {
		m.Max = o.Max
	}
}

const sketchRegisters = 64

// DistinctSketch estimates the number of distinct tokens seen without
// keeping any token. Tokens are hashed; only per-register rank maxima
// survive, so the sketch is not reversible to text.
type DistinctSketch struct {
	Registers [sketchRegisters]uint8 `json:"registers"`
}

// Add folds one token into the sketch. The top six hash bits pick the
// register; the rank comes from the remaining bits.
func (s *DistinctSketch) Add(token string) {
	h := fnv.New64a()
	h.Write([]byte(token))
	sum := h.Sum64()
	idx := sum >> 58
	rank := uint8(bits.LeadingZeros64(sum<<6)) + 1
	if rank > s.Registers[idx] {
		s.Registers[idx] = rank
	}
}

// Merge takes the per-register maximum, the union of both token sets.
func (s *DistinctSketch) Merge(o DistinctSketch) {
	for i := range s.Registers {
		if o.Registers[i] > s.Registers[i] {
			s.Registers[i] = o.Registers[i]
		}
	}
}

// Estimate returns the approximate distinct-token count.
func (s *DistinctSketch) Estimate() float64 {
	const alpha = 0.709 // bias constant for 64 registers
	sum := 0.0
	zeros := 0
	for _, r := range s.Registers {
		sum += math.Pow(2, -float64(r))
		if r == 0 {
			zeros++
		}
	}
	est := alpha * sketchRegisters * sketchRegisters / sum
	if est <= 2.5*sketchRegisters && zeros > 0 {
		// small-range correction
		est = sketchRegisters * math.Log(float64(sketchRegisters)/float64(zeros))
	}
	return est
}
