package search

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/issuestream/issuestream/internal/cluster"
)

type memPoint struct {
	centroid  []float32
	updatedAt int64
}

// MemoryIndex is a brute-force, exact-cosine candidate index held entirely
// in memory. It implements both Searcher and CandidateFinder and is the
// implementation the test suite uses in place of Qdrant — the decision
// core must behave identically against either.
type MemoryIndex struct {
	mu     sync.RWMutex
	points map[uuid.UUID]memPoint
}

// NewMemoryIndex creates an empty in-memory index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[uuid.UUID]memPoint)}
}

// Upsert stores or replaces an issue's centroid.
func (m *MemoryIndex) Upsert(_ context.Context, issueID uuid.UUID, centroid []float32, updatedAt int64) error {
	cp := make([]float32, len(centroid))
	copy(cp, centroid)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.points[issueID] = memPoint{centroid: cp, updatedAt: updatedAt}
	return nil
}

// Delete removes an issue from the index. Not part of the Searcher
// interface (the core never deletes issues) but useful for test setup.
func (m *MemoryIndex) Delete(issueID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.points, issueID)
}

// Len reports how many issues are currently indexed.
func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points)
}

func (m *MemoryIndex) search(embedding []float32, limit int) ([]Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Result, 0, len(m.points))
	for id, p := range m.points {
		sim, err := cluster.CosineSimilarity(embedding, p.centroid)
		if err != nil {
			return nil, err
		}
		out = append(out, Result{IssueID: id, Score: float32(sim)})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].IssueID.String() < out[j].IssueID.String()
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Search implements Searcher.
func (m *MemoryIndex) Search(_ context.Context, embedding []float32, limit int) ([]Result, error) {
	return m.search(embedding, limit)
}

// FindSimilar implements CandidateFinder.
func (m *MemoryIndex) FindSimilar(_ context.Context, embedding []float32, limit int) ([]Result, error) {
	return m.search(embedding, limit)
}

// Healthy always succeeds: there is no external dependency to fail.
func (m *MemoryIndex) Healthy(_ context.Context) error {
	return nil
}

var (
	_ Searcher        = (*MemoryIndex)(nil)
	_ CandidateFinder = (*MemoryIndex)(nil)
	_ Index           = (*MemoryIndex)(nil)
)
