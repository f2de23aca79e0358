package ingest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMomentsKnownVariance(t *testing.T) {
	var m Moments
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		m.Observe(x)
	}
	assert.Equal(t, int64(8), m.Count)
	assert.InDelta(t, 5.0, m.Mean, 1e-9)
	assert.InDelta(t, 4.0, m.Variance(), 1e-9)
	assert.Equal(t, 2.0, m.Min)
	assert.Equal(t, 9.0, m.Max)
}

func TestMomentsMergeMatchesSequential(t *testing.T) {
	samples := []float64{1, 3, 3.5, 7, 12, 0.25, 8, 8, 9, 100}

	var whole Moments
	for _, x := range samples {
		whole.Observe(x)
	}

	var left, right Moments
	for _, x := range samples[:4] {
		left.Observe(x)
	}
	for _, x := range samples[4:] {
		right.Observe(x)
	}
	left.Merge(right)

	assert.Equal(t, whole.Count, left.Count)
	assert.InDelta(t, whole.Mean, left.Mean, 1e-9)
	assert.InDelta(t, whole.Variance(), left.Variance(), 1e-9)
	assert.Equal(t, whole.Min, left.Min)
	assert.Equal(t, whole.Max, left.Max)
}

func TestMomentsMergeEmptySides(t *testing.T) {
	var a, b Moments
	b.Observe(4)
	b.Observe(6)
	a.Merge(b)
	assert.Equal(t, int64(2), a.Count)
	assert.InDelta(t, 5.0, a.Mean, 1e-9)

	var empty Moments
	a.Merge(empty)
	assert.Equal(t, int64(2), a.Count)
}

func TestSketchEstimateWithinBounds(t *testing.T) {
	var s DistinctSketch
	const n = 500
	for i := 0; i < n; i++ {
		s.Add(fmt.Sprintf("token-%d", i))
	}
	est := s.Estimate()
	// 64 registers give roughly 13% standard error; allow a wide band.
	require.Greater(t, est, float64(n)*0.6)
	require.Less(t, est, float64(n)*1.4)
}

func TestSketchAddIsIdempotent(t *testing.T) {
	var a, b DistinctSketch
	for i := 0; i < 50; i++ {
		a.Add("word")
		b.Add("word")
		b.Add("word")
	}
	assert.Equal(t, a, b)
}

func TestSketchMergeIsUnion(t *testing.T) {
	var left, right, both DistinctSketch
	for i := 0; i < 200; i++ {
		tok := fmt.Sprintf("w-%d", i)
		both.Add(tok)
		if i%2 == 0 {
			left.Add(tok)
		} else {
			right.Add(tok)
		}
	}
	left.Merge(right)
	assert.Equal(t, both, left)
}
