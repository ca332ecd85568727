// Package search provides candidate retrieval over active issue centroids:
// an approximate index (Qdrant) for production and an exact in-memory
// index for tests, both behind the same Searcher/CandidateFinder
// interfaces so the decision core's candidate source is swappable.
package search

import (
	"context"

	"github.com/google/uuid"
)

// Result holds an issue ID and its raw similarity score from the index.
// The caller hydrates the full candidate (centroid, article count,
// updated_at) from the relational store, which remains authoritative.
type Result struct {
	IssueID uuid.UUID
	Score   float32
}

// Searcher is the externally-facing vector index used by the query surface
// to find issues near an arbitrary embedding (e.g. for the MCP lookup tool).
// Implementations must be safe for concurrent use.
type Searcher interface {
	// Search returns the top `limit` issue IDs nearest embedding.
	Search(ctx context.Context, embedding []float32, limit int) ([]Result, error)

	// Healthy returns nil if the index is reachable, or an error describing
	// the problem.
	Healthy(ctx context.Context) error

	// Upsert writes or updates an issue's centroid in the index.
	Upsert(ctx context.Context, issueID uuid.UUID, centroid []float32, updatedAt int64) error
}

// CandidateFinder is the retrieval abstraction the decision core's caller
// (internal/service/assign) uses to build the shortlist an article is
// scored against. It is a narrower, internal-only view of Searcher: no
// user-facing filters, and it never needs to exclude the querying article
// (an article being assigned has no existing centroid of its own yet).
type CandidateFinder interface {
	// FindSimilar returns the top `limit` issue IDs nearest embedding.
	FindSimilar(ctx context.Context, embedding []float32, limit int) ([]Result, error)
}

// Index is the full surface a candidate backend offers: the user-facing
// Searcher methods plus the internal CandidateFinder retrieval used for
// scoring. internal/service/assign takes a value of this type so the same
// backend serves both candidate retrieval and (when it has no outbox worker
// bridging it to storage) direct centroid writes. Both MemoryIndex and
// QdrantIndex satisfy it, and any Index value also satisfies Searcher on its
// own, so cmd/issuestream/main.go can wire one concrete backend everywhere a
// Searcher, a CandidateFinder, or an Index is expected.
type Index interface {
	Searcher
	CandidateFinder
}
