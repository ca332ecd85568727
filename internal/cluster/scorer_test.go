package cluster

import (
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scenarioConfig() Config {
	return Config{Alpha: 0.7, Beta: 0.3, Lambda: 1.0, TBase: 0.5, TopK: 10}
}

func TestCosineSimilarity(t *testing.T) {
	sim, err := CosineSimilarity([]float32{1, 0, 0}, []float32{1, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	sim, err = CosineSimilarity([]float32{1, 0, 0}, []float32{0, 1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, sim, 1e-9)

	// Zero-norm vector guards to sim = 0, not NaN.
	sim, err = CosineSimilarity([]float32{0, 0, 0}, []float32{1, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, 0.0, sim)

	_, err = CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0})
	assert.Equal(t, KindInvariantViolation, KindOf(err))
}

func TestDynamicThreshold(t *testing.T) {
	// T_dynamic(0) == T_base.
	assert.InDelta(t, 0.5, DynamicThreshold(0.5, TimeWeight(1.0, 0)), 1e-9)

	// Monotonically non-decreasing in Δt, approaching 1.
	prev := 0.0
	for _, dt := range []float64{0, 1, 5, 10, 100} {
		w := TimeWeight(1.0, dt)
		td := DynamicThreshold(0.5, w)
		assert.GreaterOrEqual(t, td, prev)
		assert.LessOrEqual(t, td, 1.0)
		prev = td
	}
	assert.InDelta(t, 1.0, DynamicThreshold(0.5, TimeWeight(1.0, 1000)), 1e-6)
}

func TestSeparabilityNoNeighbor(t *testing.T) {
	assert.Equal(t, 1.0, Separability(0.9, 0, false))
}

func TestSeparabilityDegenerate(t *testing.T) {
	assert.Equal(t, 0.0, Separability(1.0, 1.0, true))
}

// S1 — Fresh merge.
func TestScenarioS1FreshMerge(t *testing.T) {
	now := time.Now().UTC()
	cfg := scenarioConfig()
	issueID := uuid.New()
	candidates := []Candidate{{
		IssueID:      issueID,
		Centroid:     []float32{1, 0, 0},
		ArticleCount: 5,
		UpdatedAt:    now,
	}}

	ranked, err := Score([]float32{1, 0, 0}, now, candidates, cfg)
	require.NoError(t, err)
	require.Len(t, ranked, 1)
	assert.InDelta(t, 1.0, ranked[0].Similarity, 1e-9)
	assert.InDelta(t, 1.0, ranked[0].Score, 1e-9)
	assert.InDelta(t, 0.5, ranked[0].Threshold, 1e-9)

	dec, err := Decide([]float32{1, 0, 0}, now, ranked)
	require.NoError(t, err)
	assert.True(t, dec.Merge)
	assert.Equal(t, issueID, dec.IssueID)
	assert.Equal(t, 6, dec.NewArticleCount)
	assert.InDeltaSlice(t, []float64{1, 0, 0}, float32sToFloat64s(dec.NewCentroid), 1e-9)
}

// S2 — Aged rejection.
func TestScenarioS2AgedRejection(t *testing.T) {
	now := time.Now().UTC()
	cfg := scenarioConfig()
	candidates := []Candidate{{
		IssueID:      uuid.New(),
		Centroid:     []float32{1, 0, 0},
		ArticleCount: 5,
		UpdatedAt:    now.Add(-10 * time.Hour),
	}}

	ranked, err := Score([]float32{1, 0, 0}, now, candidates, cfg)
	require.NoError(t, err)

	wTime := math.Exp(-10)
	assert.InDelta(t, wTime, ranked[0].TimeWeight, 1e-9)
	assert.InDelta(t, 0.7+0.3*wTime, ranked[0].Score, 1e-6)
	assert.Greater(t, ranked[0].Threshold, ranked[0].Score)

	dec, err := Decide([]float32{1, 0, 0}, now, ranked)
	require.NoError(t, err)
	assert.False(t, dec.Merge)
	assert.Equal(t, 1, dec.NewArticleCount)
}

// S3 — Separability veto, both the merge and the vetoed case.
func TestScenarioS3Separability(t *testing.T) {
	now := time.Now().UTC()
	cfg := scenarioConfig()

	best := uuid.New()
	neighbor := uuid.New()
	candidates := []Candidate{
		{IssueID: neighbor, Centroid: []float32{1, 0, 0}, ArticleCount: 1, UpdatedAt: now},
		{IssueID: best, Centroid: []float32{0.99, 0.14, 0}, ArticleCount: 1, UpdatedAt: now},
	}

	ranked, err := Score([]float32{0.995, 0.1, 0}, now, candidates, cfg)
	require.NoError(t, err)
	dec, err := Decide([]float32{0.995, 0.1, 0}, now, ranked)
	require.NoError(t, err)
	assert.True(t, dec.Merge)
	assert.Equal(t, best, dec.IssueID)
	assert.Greater(t, dec.Separability, 0.0)

	// On the bisector, sim_best == sim_neighbor -> separability == 0 -> create.
	bisector := []float32{1, 0.07, 0}
	rankedBisector, err := Score(bisector, now, candidates, cfg)
	require.NoError(t, err)
	decBisector, err := Decide(bisector, now, rankedBisector)
	require.NoError(t, err)
	if rankedBisector[0].Similarity == rankedBisector[1].Similarity {
		assert.False(t, decBisector.Merge)
		assert.Equal(t, 0.0, decBisector.Separability)
	}
}

// S4 — Cold start.
func TestScenarioS4ColdStart(t *testing.T) {
	now := time.Now().UTC()
	ranked, err := Score([]float32{1, 0, 0}, now, nil, scenarioConfig())
	require.NoError(t, err)
	assert.Empty(t, ranked)

	dec, err := Decide([]float32{1, 0, 0}, now, ranked)
	require.NoError(t, err)
	assert.False(t, dec.Merge)
	assert.Equal(t, 1, dec.NewArticleCount)
	assert.Equal(t, 1.0, dec.Separability)
	assert.Equal(t, []float32{1, 0, 0}, dec.NewCentroid)
}

// S5 — Moving average correctness.
func TestScenarioS5MovingAverage(t *testing.T) {
	centroid := []float32{1, 0, 0}
	n := 1

	for _, a := range [][]float32{{0, 1, 0}, {0, 0, 1}} {
		next, err := UpdateCentroid(centroid, n, a)
		require.NoError(t, err)
		centroid = next
		n++
	}

	assert.InDelta(t, 1.0/3.0, float64(centroid[0]), 1e-6)
	assert.InDelta(t, 1.0/3.0, float64(centroid[1]), 1e-6)
	assert.InDelta(t, 1.0/3.0, float64(centroid[2]), 1e-6)
	assert.Equal(t, 3, n)
}

// S6 — Concurrent merge, commit order independence.
func TestScenarioS6ConcurrentMergeOrderIndependence(t *testing.T) {
	base := []float32{1, 0, 0}
	n := 10
	a1 := []float32{0, 1, 0}
	a2 := []float32{0, 0, 1}

	// Order 1: a1 then a2.
	c1, err := UpdateCentroid(base, n, a1)
	require.NoError(t, err)
	c1, err = UpdateCentroid(c1, n+1, a2)
	require.NoError(t, err)

	// Order 2: a2 then a1.
	c2, err := UpdateCentroid(base, n, a2)
	require.NoError(t, err)
	c2, err = UpdateCentroid(c2, n+1, a1)
	require.NoError(t, err)

	for i := range c1 {
		assert.InDelta(t, float64(c1[i]), float64(c2[i]), 1e-6)
	}

	expected := make([]float64, 3)
	for i := range base {
		expected[i] = (float64(base[i])*float64(n) + float64(a1[i]) + float64(a2[i])) / float64(n+2)
	}
	for i := range c1 {
		assert.InDelta(t, expected[i], float64(c1[i]), 1e-6)
	}
}

func TestRankingTieBreak(t *testing.T) {
	now := time.Now().UTC()
	cfg := scenarioConfig()
	cfg.Lambda = 0 // No time decay, so both candidates score exactly the same.

	older := Candidate{IssueID: mustUUID("00000000-0000-0000-0000-000000000002"), Centroid: []float32{1, 0, 0}, ArticleCount: 1, UpdatedAt: now.Add(-time.Minute)}
	newer := Candidate{IssueID: mustUUID("00000000-0000-0000-0000-000000000001"), Centroid: []float32{1, 0, 0}, ArticleCount: 1, UpdatedAt: now}

	ranked, err := Score([]float32{1, 0, 0}, now, []Candidate{older, newer}, cfg)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, newer.IssueID, ranked[0].IssueID, "more recently updated candidate should rank first on tied score")
}

func mustUUID(s string) uuid.UUID {
	u, err := uuid.Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

func float32sToFloat64s(in []float32) []float64 {
	out := make([]float64, len(in))
	for i, v := range in {
		out[i] = float64(v)
	}
	return out
}
