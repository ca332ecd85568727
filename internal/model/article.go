// Package model holds the data records shared across issuestream's storage,
// search, and service layers: articles, issues, and the small set of API
// envelope types the HTTP surface returns.
package model

import (
	"time"

	"github.com/google/uuid"
)

// EmbeddingDimensions is the fixed dimensionality of article and issue
// embeddings. The core never operates on vectors of any other size.
const EmbeddingDimensions = 768

// Article is a single ingested news item, before and after cluster assignment.
type Article struct {
	ID        uuid.UUID
	Title     string
	Content   string
	Source    string
	URL       string
	TitleHash string // SHA-256 of a normalized title, used for ingest idempotence.

	PublishedAt *time.Time // Optional; absent when the source doesn't report it.
	CreatedAt   time.Time

	// IssueID is set once the decision core has assigned this article to an
	// issue. It is uuid.Nil for an article that has not completed assignment.
	IssueID uuid.UUID

	// Embedding is the title+content vector produced by the embedding
	// provider. Nil until the embed stage of the pipeline has run.
	Embedding []float32
}

// HasEmbedding reports whether the article carries a computed embedding.
func (a Article) HasEmbedding() bool {
	return len(a.Embedding) == EmbeddingDimensions
}

// Assigned reports whether this article has been committed to an issue.
func (a Article) Assigned() bool {
	return a.IssueID != uuid.Nil
}
