// Package assign orchestrates the per-article decision pipeline: embed the
// incoming article, retrieve a candidate shortlist, run it through the
// decision core, and persist whichever outcome the core produced.
//
// The service owns no decision logic of its own — internal/cluster is the
// single source of truth for scoring and merge/create decisions. This
// package's job is wiring: storage, the embedding provider, and candidate
// retrieval, plus the retry loop around the optimistic-concurrency race
// that storage.UpdateIssueCentroid guards against.
package assign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/issuestream/issuestream/internal/cluster"
	"github.com/issuestream/issuestream/internal/model"
	"github.com/issuestream/issuestream/internal/search"
	"github.com/issuestream/issuestream/internal/service/embedding"
	"github.com/issuestream/issuestream/internal/storage"
)

// maxConcurrencyRetries bounds how many times Assign will recompute a
// decision after losing an optimistic-concurrency race on the same issue.
// Each retry re-scores against freshly reloaded candidates rather than
// reapplying the stale decision.
const maxConcurrencyRetries = 5

// Result is the outcome of assigning one article, returned to the HTTP
// ingest handler.
type Result struct {
	Article model.Article
	IssueID uuid.UUID
	Merged  bool // true if the article joined an existing issue.
}

// Service wires the decision core to storage, the embedding provider, and
// candidate retrieval. It holds no per-article state and is safe for
// concurrent use.
type Service struct {
	db          *storage.DB
	embedder    embedding.Provider
	index       search.Index
	directWrite bool
	logger      *slog.Logger
	cfg         cluster.Config
}

// New creates an assign service using cfg as the decision core's tunables.
// index is both the candidate shortlist source (FindSimilar) and, when
// directWrite is true, the write target for a persisted decision's centroid.
//
// directWrite must be true for any index backend with no outbox worker
// bridging storage to the index — MemoryIndex, chiefly. Set it false for a
// QdrantIndex: storage.CreateIssue/UpdateIssueCentroid already queue a
// search_outbox row in the same transaction as the write, and
// internal/search.OutboxWorker drains that queue asynchronously. Writing to
// Qdrant again here would duplicate that sync and couple every ingest
// request's latency to Qdrant's availability, which the outbox exists to
// avoid.
func New(db *storage.DB, embedder embedding.Provider, index search.Index, directWrite bool, logger *slog.Logger, cfg cluster.Config) *Service {
	return &Service{db: db, embedder: embedder, index: index, directWrite: directWrite, logger: logger, cfg: cfg}
}

// Assign runs the full pipeline for one article: idempotent create, embed,
// candidate retrieval, score, decide, persist. Re-delivery of an
// already-assigned article (same title hash) is a no-op that returns the
// article's existing issue ID with Merged set to true; whether the first
// delivery created or joined that issue is not recorded.
func (s *Service) Assign(ctx context.Context, a model.Article) (Result, error) {
	created, err := s.db.CreateArticle(ctx, a)
	if err != nil {
		return Result{}, fmt.Errorf("assign: create article: %w", err)
	}
	if created.Assigned() {
		return Result{Article: created, IssueID: created.IssueID, Merged: true}, nil
	}

	emb := created.Embedding
	if !created.HasEmbedding() {
		emb, err = s.embed(ctx, created)
		if err != nil {
			return Result{}, err
		}
		if err := s.db.SetArticleEmbedding(ctx, created.ID, emb); err != nil {
			return Result{}, fmt.Errorf("assign: set article embedding: %w", err)
		}
		created.Embedding = emb
	}

	var issueID uuid.UUID
	var merged bool
	for attempt := 0; ; attempt++ {
		dec, matchedAt, decErr := s.decide(ctx, emb)
		if decErr != nil {
			return Result{}, decErr
		}

		id, persistErr := s.persist(ctx, created, dec, matchedAt)
		if persistErr == nil {
			issueID, merged = id, dec.Merge
			break
		}
		if !errors.Is(persistErr, storage.ErrConcurrentUpdate) {
			return Result{}, fmt.Errorf("assign: persist: %w", persistErr)
		}
		if attempt >= maxConcurrencyRetries {
			return Result{}, cluster.NewPersistenceConflict(persistErr)
		}
		// Lost the race on dec.IssueID to another writer; loop to re-score
		// against the issue's now-current centroid and article count.
	}

	if err := s.db.AssignArticleToIssue(ctx, created.ID, issueID); err != nil {
		return Result{}, fmt.Errorf("assign: assign article to issue: %w", err)
	}
	created.IssueID = issueID

	return Result{Article: created, IssueID: issueID, Merged: merged}, nil
}

// embed computes the article's embedding from its title and content.
func (s *Service) embed(ctx context.Context, a model.Article) ([]float32, error) {
	vec, err := s.embedder.Embed(ctx, a.Title+"\n\n"+a.Content)
	if err != nil {
		if errors.Is(err, embedding.ErrNoProvider) {
			return nil, cluster.NewEmbedderError(err)
		}
		return nil, cluster.NewEmbedderError(err)
	}
	return vec.Slice(), nil
}

// decide retrieves the current candidate shortlist and runs the decision
// core against it. It is called once per attempt so a retry after a lost
// race always scores against fresh state. matchedAt is the best
// candidate's UpdatedAt at the moment of scoring — persist uses it as the
// optimistic-concurrency precondition, so a merge target that changed
// between decide and persist is detected rather than blindly overwritten.
func (s *Service) decide(ctx context.Context, embedding []float32) (dec cluster.Decision, matchedAt time.Time, err error) {
	topK := s.cfg.TopK
	if topK <= 0 {
		topK = cluster.DefaultConfig().TopK
	}

	hits, err := s.index.FindSimilar(ctx, embedding, topK)
	if err != nil {
		return cluster.Decision{}, time.Time{}, cluster.NewRetrievalError(err)
	}

	ids := make([]uuid.UUID, len(hits))
	for i, h := range hits {
		ids[i] = h.IssueID
	}

	candidates, err := s.db.GetIssuesByIDs(ctx, ids)
	if err != nil {
		return cluster.Decision{}, time.Time{}, cluster.NewRetrievalError(err)
	}

	now := time.Now().UTC()
	ranked, err := cluster.Score(embedding, now, candidates, s.cfg)
	if err != nil {
		return cluster.Decision{}, time.Time{}, err
	}
	if len(ranked) > 0 {
		matchedAt = ranked[0].UpdatedAt
	}

	dec, err = cluster.Decide(embedding, now, ranked)
	return dec, matchedAt, err
}

// persist writes the decision's outcome (a new issue, or an updated
// centroid on an existing one) and returns the resulting issue ID.
// On storage.ErrConcurrentUpdate the caller retries with a fresh decision.
func (s *Service) persist(ctx context.Context, a model.Article, dec cluster.Decision, matchedAt time.Time) (uuid.UUID, error) {
	if !dec.Merge {
		iss, err := s.db.CreateIssue(ctx, model.Issue{
			Title:     a.Title,
			Content:   a.Content,
			Centroid:  dec.NewCentroid,
			StartedAt: dec.NewStartedAt,
			UpdatedAt: dec.NewUpdatedAt,
		})
		if err != nil {
			return uuid.Nil, fmt.Errorf("assign: create issue: %w", err)
		}
		s.syncIndex(ctx, iss.ID, dec.NewCentroid, dec.NewUpdatedAt)
		return iss.ID, nil
	}

	if err := s.db.UpdateIssueCentroid(ctx, dec.IssueID, matchedAt, dec.NewCentroid, dec.NewArticleCount, dec.NewUpdatedAt); err != nil {
		return uuid.Nil, err
	}
	s.syncIndex(ctx, dec.IssueID, dec.NewCentroid, dec.NewUpdatedAt)
	return dec.IssueID, nil
}

// syncIndex writes the just-persisted centroid directly to the index when
// directWrite is enabled. It runs after storage has already committed, so a
// failure here only leaves a backend with no outbox stale until the next
// successful write to the same issue — log and move on rather than fail the
// whole Assign call over it.
func (s *Service) syncIndex(ctx context.Context, issueID uuid.UUID, centroid []float32, updatedAt time.Time) {
	if !s.directWrite {
		return
	}
	if err := s.index.Upsert(ctx, issueID, centroid, updatedAt.Unix()); err != nil && s.logger != nil {
		s.logger.Warn("assign: direct index upsert failed", "issue_id", issueID, "error", err)
	}
}
