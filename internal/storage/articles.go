package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/issuestream/issuestream/internal/model"
)

// CreateArticle inserts a newly ingested article. If an article with the
// same TitleHash already exists, CreateArticle returns that existing row
// instead of inserting a duplicate — this is the ingest idempotence gate:
// the same feed item re-delivered by a source never produces two rows.
func (db *DB) CreateArticle(ctx context.Context, a model.Article) (model.Article, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Article{}, fmt.Errorf("storage: begin create article tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existingID uuid.UUID
	err = tx.QueryRow(ctx,
		`INSERT INTO article (id, title, content, source, url, title_hash, published_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (title_hash) DO NOTHING
		 RETURNING id`,
		a.ID, a.Title, a.Content, a.Source, a.URL, a.TitleHash, a.PublishedAt, a.CreatedAt,
	).Scan(&existingID)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// Conflict: an article with this title_hash already exists. Fetch it.
		existing, getErr := db.getArticleByTitleHashTx(ctx, tx, a.TitleHash)
		if getErr != nil {
			return model.Article{}, getErr
		}
		if err := tx.Commit(ctx); err != nil {
			return model.Article{}, fmt.Errorf("storage: commit create article (idempotent read): %w", err)
		}
		return existing, nil
	case err != nil:
		return model.Article{}, fmt.Errorf("storage: create article: %w", err)
	}

	if len(a.Embedding) > 0 {
		if err := db.putArticleEmbeddingTx(ctx, tx, a.ID, a.Embedding); err != nil {
			return model.Article{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Article{}, fmt.Errorf("storage: commit create article: %w", err)
	}
	return a, nil
}

func (db *DB) getArticleByTitleHashTx(ctx context.Context, tx pgx.Tx, titleHash string) (model.Article, error) {
	var a model.Article
	err := tx.QueryRow(ctx,
		`SELECT id, title, content, source, url, title_hash, published_at, created_at, issue_id
		 FROM article WHERE title_hash = $1`,
		titleHash,
	).Scan(&a.ID, &a.Title, &a.Content, &a.Source, &a.URL, &a.TitleHash, &a.PublishedAt, &a.CreatedAt, &a.IssueID)
	if err != nil {
		return model.Article{}, fmt.Errorf("storage: get article by title hash: %w", err)
	}
	return a, nil
}

// GetArticle retrieves an article by ID, including its embedding if present.
func (db *DB) GetArticle(ctx context.Context, id uuid.UUID) (model.Article, error) {
	var a model.Article
	var emb *pgvector.Vector
	err := db.pool.QueryRow(ctx,
		`SELECT a.id, a.title, a.content, a.source, a.url, a.title_hash, a.published_at, a.created_at, a.issue_id, e.vector
		 FROM article a
		 LEFT JOIN article_embedding e ON e.article_id = a.id
		 WHERE a.id = $1`,
		id,
	).Scan(&a.ID, &a.Title, &a.Content, &a.Source, &a.URL, &a.TitleHash, &a.PublishedAt, &a.CreatedAt, &a.IssueID, &emb)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Article{}, fmt.Errorf("storage: article %s: %w", id, ErrNotFound)
		}
		return model.Article{}, fmt.Errorf("storage: get article: %w", err)
	}
	if emb != nil {
		a.Embedding = emb.Slice()
	}
	return a, nil
}

// SetArticleEmbedding stores the computed embedding for an article that was
// ingested before the embed stage ran.
func (db *DB) SetArticleEmbedding(ctx context.Context, articleID uuid.UUID, embedding []float32) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin set article embedding tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := db.putArticleEmbeddingTx(ctx, tx, articleID, embedding); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit set article embedding: %w", err)
	}
	return nil
}

func (db *DB) putArticleEmbeddingTx(ctx context.Context, tx pgx.Tx, articleID uuid.UUID, embedding []float32) error {
	emb := pgvector.NewVector(embedding)
	_, err := tx.Exec(ctx,
		`INSERT INTO article_embedding (article_id, vector) VALUES ($1, $2)
		 ON CONFLICT (article_id) DO UPDATE SET vector = EXCLUDED.vector`,
		articleID, emb,
	)
	if err != nil {
		return fmt.Errorf("storage: put article embedding: %w", err)
	}
	return nil
}

// AssignArticleToIssue records the decision core's outcome for an article:
// which issue it was merged into (or the new issue it seeded). This is the
// final write of the assignment pipeline. It runs as its own statement on the
// pool, separate from the issue's centroid update, so the two writes do not
// commit atomically.
func (db *DB) AssignArticleToIssue(ctx context.Context, articleID, issueID uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE article SET issue_id = $1 WHERE id = $2`,
		issueID, articleID,
	)
	if err != nil {
		return fmt.Errorf("storage: assign article to issue: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: article %s: %w", articleID, ErrNotFound)
	}
	return nil
}

// UnembeddedArticle holds the minimal fields needed to backfill an embedding.
type UnembeddedArticle struct {
	ID      uuid.UUID
	Title   string
	Content string
}

// FindUnembeddedArticles returns articles that have no embedding row yet,
// ordered oldest-first so a backfill processes them chronologically.
func (db *DB) FindUnembeddedArticles(ctx context.Context, limit int) ([]UnembeddedArticle, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT a.id, a.title, a.content
		 FROM article a
		 LEFT JOIN article_embedding e ON e.article_id = a.id
		 WHERE e.article_id IS NULL
		 ORDER BY a.created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find unembedded articles: %w", err)
	}
	defer rows.Close()

	var results []UnembeddedArticle
	for rows.Next() {
		var u UnembeddedArticle
		if err := rows.Scan(&u.ID, &u.Title, &u.Content); err != nil {
			return nil, fmt.Errorf("storage: scan unembedded article: %w", err)
		}
		results = append(results, u)
	}
	return results, rows.Err()
}

// UnassignedArticle holds the fields a backfill rescan needs to reprocess an
// article that was ingested but never completed cluster assignment.
type UnassignedArticle struct {
	ID        uuid.UUID
	Embedding []float32
}

// FindUnassignedArticles returns embedded articles that have not yet been
// assigned to an issue, ordered oldest-first.
func (db *DB) FindUnassignedArticles(ctx context.Context, limit int) ([]UnassignedArticle, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT a.id, e.vector
		 FROM article a
		 JOIN article_embedding e ON e.article_id = a.id
		 WHERE a.issue_id IS NULL
		 ORDER BY a.created_at ASC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: find unassigned articles: %w", err)
	}
	defer rows.Close()

	var results []UnassignedArticle
	for rows.Next() {
		var u UnassignedArticle
		var emb pgvector.Vector
		if err := rows.Scan(&u.ID, &emb); err != nil {
			return nil, fmt.Errorf("storage: scan unassigned article: %w", err)
		}
		u.Embedding = emb.Slice()
		results = append(results, u)
	}
	return results, rows.Err()
}
