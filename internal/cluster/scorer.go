// Package cluster implements the streaming decision core: given an
// incoming article's embedding and a set of candidate issues, decide
// whether to merge the article into the best candidate or start a new
// issue, and produce the resulting centroid update.
//
// The core is a pure function of its inputs. It holds no state of its own;
// callers (internal/service/assign) own the embedder, the candidate
// retrieval, and the persistence transaction.
package cluster

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Config holds the tunable parameters of the decision core.
type Config struct {
	Alpha  float64 // Weight on semantic similarity in the composite score.
	Beta   float64 // Weight on time-decay weight in the composite score.
	Lambda float64 // Decay rate, in 1/hours, of the time-decay weight.
	TBase  float64 // Base merge threshold before time-decay adjustment.
	TopK   int     // Maximum number of candidates considered per decision.
}

// DefaultConfig returns the configuration defaults named in the
// configuration surface: alpha=0.7, beta=0.3, lambda=1/24 per hour,
// t_base=0.5, top_k=10.
func DefaultConfig() Config {
	return Config{
		Alpha:  0.7,
		Beta:   0.3,
		Lambda: 1.0 / 24.0,
		TBase:  0.5,
		TopK:   10,
	}
}

// Candidate is a single issue offered to the decision core for scoring.
type Candidate struct {
	IssueID      uuid.UUID
	Centroid     []float32
	ArticleCount int
	UpdatedAt    time.Time
}

// Scored is a Candidate annotated with the decision core's computed values.
type Scored struct {
	Candidate
	Similarity float64
	TimeWeight float64
	Score      float64
	Threshold  float64
}

// Decision is the outcome of running the core against one article.
type Decision struct {
	Merge        bool
	IssueID      uuid.UUID // Target issue when Merge is true; zero otherwise.
	Score        float64
	Threshold    float64
	Separability float64

	// NewCentroid, NewArticleCount, NewUpdatedAt, NewStartedAt describe the
	// issue row the caller must persist: the updated centroid of the merge
	// target, or the seed state of a freshly created issue.
	NewCentroid     []float32
	NewArticleCount int
	NewUpdatedAt    time.Time
	NewStartedAt    time.Time
}

// CosineSimilarity computes (a·c)/(‖a‖·‖c‖). Vectors of mismatched length
// are an invariant violation, not a similarity of zero — callers should
// never hand the core embeddings of the wrong dimensionality. A genuine
// zero-norm vector (all-zero embedding) yields similarity 0, not NaN.
func CosineSimilarity(a, c []float32) (float64, error) {
	if len(a) != len(c) {
		return 0, newInvariantViolation("embedding dimension mismatch: %d vs %d", len(a), len(c))
	}

	var dot, normA, normC float64
	for i := range a {
		av, cv := float64(a[i]), float64(c[i])
		dot += av * cv
		normA += av * av
		normC += cv * cv
	}

	denom := math.Sqrt(normA) * math.Sqrt(normC)
	if denom == 0 {
		return 0, nil
	}
	return dot / denom, nil
}

// TimeWeight computes exp(-λ·|Δt|) where Δt is in hours. The caller always
// passes the absolute elapsed time; TimeWeight does not re-derive sign.
func TimeWeight(lambda float64, deltaHours float64) float64 {
	return math.Exp(-lambda * math.Abs(deltaHours))
}

// DynamicThreshold computes T_base + (1 - T_base) * (1 - W_time). As an
// issue ages (W_time falls toward 0), the threshold rises toward 1,
// making stale issues progressively harder to merge into.
func DynamicThreshold(tBase, timeWeight float64) float64 {
	return tBase + (1-tBase)*(1-timeWeight)
}

// CompositeScore computes alpha*similarity + beta*timeWeight.
func CompositeScore(alpha, beta, similarity, timeWeight float64) float64 {
	return alpha*similarity + beta*timeWeight
}

// Separability compares the best candidate's similarity against its closest
// rival. It returns 1.0 when there is no rival to separate from (fewer than
// two candidates), 0 when both candidates are equally far from the article,
// and otherwise (b-a)/max(a,b) where a/b are each candidate's dissimilarity
// (1 - similarity). Values above 0 favor the best candidate; values at or
// below 0 mean the decision is too close to call and should not merge.
func Separability(bestSim, neighborSim float64, hasNeighbor bool) float64 {
	if !hasNeighbor {
		return 1.0
	}
	a := 1 - bestSim
	b := 1 - neighborSim
	denom := math.Max(a, b)
	if denom == 0 {
		return 0
	}
	return (b - a) / denom
}

// Score evaluates every candidate against the article embedding and now,
// returning them ranked best-first. Ranking ties break on more recent
// UpdatedAt, then larger ArticleCount, then smaller IssueID — all three
// comparisons are deterministic so repeated runs over the same input never
// reorder candidates.
func Score(embedding []float32, now time.Time, candidates []Candidate, cfg Config) ([]Scored, error) {
	out := make([]Scored, 0, len(candidates))
	for _, c := range candidates {
		sim, err := CosineSimilarity(embedding, c.Centroid)
		if err != nil {
			return nil, err
		}
		deltaHours := now.Sub(c.UpdatedAt).Hours()
		w := TimeWeight(cfg.Lambda, deltaHours)
		score := CompositeScore(cfg.Alpha, cfg.Beta, sim, w)
		out = append(out, Scored{
			Candidate:  c,
			Similarity: sim,
			TimeWeight: w,
			Score:      score,
			Threshold:  DynamicThreshold(cfg.TBase, w),
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		if out[i].ArticleCount != out[j].ArticleCount {
			return out[i].ArticleCount > out[j].ArticleCount
		}
		return out[i].IssueID.String() < out[j].IssueID.String()
	})

	return out, nil
}

// Decide runs the full per-article pipeline over an already-scored and
// ranked candidate list: separability check, threshold comparison, and
// production of the resulting centroid update or new-issue seed. Candidates
// must already be ranked best-first by Score; Decide does not re-rank.
func Decide(embedding []float32, now time.Time, ranked []Scored) (Decision, error) {
	if len(ranked) == 0 {
		return createDecision(embedding, now), nil
	}

	best := ranked[0]
	hasNeighbor := len(ranked) > 1
	var neighborSim float64
	if hasNeighbor {
		neighborSim = ranked[1].Similarity
	}
	sep := Separability(best.Similarity, neighborSim, hasNeighbor)

	if best.Score >= best.Threshold && sep > 0 {
		newCentroid, err := UpdateCentroid(best.Centroid, best.ArticleCount, embedding)
		if err != nil {
			return Decision{}, err
		}
		return Decision{
			Merge:           true,
			IssueID:         best.IssueID,
			Score:           best.Score,
			Threshold:       best.Threshold,
			Separability:    sep,
			NewCentroid:     newCentroid,
			NewArticleCount: best.ArticleCount + 1,
			NewUpdatedAt:    now,
		}, nil
	}

	d := createDecision(embedding, now)
	d.Score = best.Score
	d.Threshold = best.Threshold
	d.Separability = sep
	return d, nil
}

func createDecision(embedding []float32, now time.Time) Decision {
	centroid := make([]float32, len(embedding))
	copy(centroid, embedding)
	return Decision{
		Merge:           false,
		Separability:    1.0,
		NewCentroid:     centroid,
		NewArticleCount: 1,
		NewUpdatedAt:    now,
		NewStartedAt:    now,
	}
}

// UpdateCentroid computes the incremental moving average
// (old*n + embedding) / (n+1). The result is never re-normalized.
func UpdateCentroid(old []float32, n int, embedding []float32) ([]float32, error) {
	if len(old) != len(embedding) {
		return nil, newInvariantViolation("centroid dimension mismatch: %d vs %d", len(old), len(embedding))
	}
	out := make([]float32, len(old))
	nf := float32(n)
	for i := range old {
		out[i] = (old[i]*nf + embedding[i]) / (nf + 1)
	}
	return out, nil
}
