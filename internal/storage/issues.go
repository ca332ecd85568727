package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/issuestream/issuestream/internal/cluster"
	"github.com/issuestream/issuestream/internal/model"
)

// contentHash returns the SHA-256 digest of title+content, stored in the
// issue row's indexed content_hash column. No code reads it back.
func contentHash(title, content string) string {
	sum := sha256.Sum256([]byte(title + "\x00" + content))
	return hex.EncodeToString(sum[:])
}

// retryMaxAttempts and retryBaseDelay bound the WithRetry backoff applied to
// issue-table writes, which can collide under concurrent ingestion of
// unrelated articles that happen to touch overlapping index pages.
const (
	retryMaxAttempts = 3
	retryBaseDelay   = 20 * time.Millisecond
)

// CreateIssue inserts a brand-new issue seeded from a single article and
// queues a search outbox upsert so its centroid reaches the vector index.
// Both writes happen atomically in a single transaction, retried with
// WithRetry on a transient serialization failure or deadlock.
func (db *DB) CreateIssue(ctx context.Context, iss model.Issue) (model.Issue, error) {
	if iss.ID == uuid.Nil {
		iss.ID = uuid.New()
	}
	if iss.StartedAt.IsZero() {
		iss.StartedAt = time.Now().UTC()
	}
	if iss.UpdatedAt.IsZero() {
		iss.UpdatedAt = iss.StartedAt
	}
	if iss.ArticleCount == 0 {
		iss.ArticleCount = 1
	}
	iss.ContentHash = contentHash(iss.Title, iss.Content)

	err := WithRetry(ctx, retryMaxAttempts, retryBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin create issue tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`INSERT INTO issue (id, title, content, content_hash, article_count, started_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			iss.ID, iss.Title, iss.Content, iss.ContentHash, iss.ArticleCount, iss.StartedAt, iss.UpdatedAt,
		); err != nil {
			return fmt.Errorf("storage: create issue: %w", err)
		}

		if err := db.putIssueEmbeddingTx(ctx, tx, iss.ID, iss.Centroid); err != nil {
			return err
		}

		if err := db.queueOutboxTx(ctx, tx, iss.ID, "upsert"); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit create issue: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Issue{}, err
	}
	db.notifyIssueUpdated(ctx, iss.ID)
	return iss, nil
}

// notifyIssueUpdated sends a best-effort pg_notify on ChannelIssueUpdates so
// a listener (internal/search.OutboxWorker's wake-up, in production) can
// react immediately instead of waiting for its next poll tick. The search
// outbox row already queued in the same transaction is the durable record of
// the change; this notification is only a latency optimization, so a failure
// here is logged and not propagated.
func (db *DB) notifyIssueUpdated(ctx context.Context, issueID uuid.UUID) {
	if !db.HasNotifyConn() {
		return
	}
	if err := db.Notify(ctx, ChannelIssueUpdates, issueID.String()); err != nil {
		db.logger.Warn("storage: notify issue update failed", "issue_id", issueID, "error", err)
	}
}

// GetIssue retrieves an issue and its centroid by ID.
func (db *DB) GetIssue(ctx context.Context, id uuid.UUID) (model.Issue, error) {
	var iss model.Issue
	var emb pgvector.Vector
	err := db.pool.QueryRow(ctx,
		`SELECT i.id, i.title, i.content, i.article_count, i.started_at, i.updated_at, e.vector
		 FROM issue i
		 JOIN issue_embedding e ON e.issue_id = i.id
		 WHERE i.id = $1`,
		id,
	).Scan(&iss.ID, &iss.Title, &iss.Content, &iss.ArticleCount, &iss.StartedAt, &iss.UpdatedAt, &emb)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Issue{}, fmt.Errorf("storage: issue %s: %w", id, ErrNotFound)
		}
		return model.Issue{}, fmt.Errorf("storage: get issue: %w", err)
	}
	iss.Centroid = emb.Slice()
	return iss, nil
}

// GetIssuesByIDs hydrates a set of issues (as decision-core candidates) from
// storage. Missing IDs are silently absent from the result — callers that
// need all candidates present should check len(result) against len(ids).
func (db *DB) GetIssuesByIDs(ctx context.Context, ids []uuid.UUID) ([]cluster.Candidate, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := db.pool.Query(ctx,
		`SELECT i.id, i.article_count, i.updated_at, e.vector
		 FROM issue i
		 JOIN issue_embedding e ON e.issue_id = i.id
		 WHERE i.id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get issues by IDs: %w", err)
	}
	defer rows.Close()

	var candidates []cluster.Candidate
	for rows.Next() {
		var c cluster.Candidate
		var emb pgvector.Vector
		if err := rows.Scan(&c.IssueID, &c.ArticleCount, &c.UpdatedAt, &emb); err != nil {
			return nil, fmt.Errorf("storage: scan issue candidate: %w", err)
		}
		c.Centroid = emb.Slice()
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// UpdateIssueCentroid applies the decision core's merge outcome: it writes
// the new centroid, article count, and updated_at, and queues a search
// outbox upsert, all atomically. It is optimistically concurrent: the
// UPDATE is conditioned on the issue's updated_at matching expectedUpdatedAt,
// so a concurrent merge into the same issue causes RowsAffected()==0 and
// ErrConcurrentUpdate, which the caller (internal/service/assign) handles by
// recomputing the decision from scratch against fresh candidates — it is
// never retried here, since retrying the same stale write would just fail
// the same way. WithRetry instead guards the transaction itself against a
// transient Postgres serialization failure or deadlock, a different failure
// mode than a conflicting application-level write.
func (db *DB) UpdateIssueCentroid(ctx context.Context, issueID uuid.UUID, expectedUpdatedAt time.Time, newCentroid []float32, newArticleCount int, newUpdatedAt time.Time) error {
	err := WithRetry(ctx, retryMaxAttempts, retryBaseDelay, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin update centroid tx: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		tag, err := tx.Exec(ctx,
			`UPDATE issue SET article_count = $1, updated_at = $2 WHERE id = $3 AND updated_at = $4`,
			newArticleCount, newUpdatedAt, issueID, expectedUpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: update issue: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("storage: issue %s changed concurrently: %w", issueID, ErrConcurrentUpdate)
		}

		if err := db.putIssueEmbeddingTx(ctx, tx, issueID, newCentroid); err != nil {
			return err
		}

		if err := db.queueOutboxTx(ctx, tx, issueID, "upsert"); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("storage: commit update centroid: %w", err)
		}
		return nil
	})
	if err == nil {
		db.notifyIssueUpdated(ctx, issueID)
	}
	return err
}

// putIssueEmbeddingTx upserts an issue's centroid embedding row within tx.
func (db *DB) putIssueEmbeddingTx(ctx context.Context, tx pgx.Tx, issueID uuid.UUID, centroid []float32) error {
	emb := pgvector.NewVector(centroid)
	_, err := tx.Exec(ctx,
		`INSERT INTO issue_embedding (issue_id, vector) VALUES ($1, $2)
		 ON CONFLICT (issue_id) DO UPDATE SET vector = EXCLUDED.vector`,
		issueID, emb,
	)
	if err != nil {
		return fmt.Errorf("storage: put issue embedding: %w", err)
	}
	return nil
}

// queueOutboxTx inserts or refreshes a search outbox entry within tx.
func (db *DB) queueOutboxTx(ctx context.Context, tx pgx.Tx, issueID uuid.UUID, operation string) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO search_outbox (issue_id, operation)
		 VALUES ($1, $2)
		 ON CONFLICT (issue_id, operation) DO UPDATE SET created_at = now(), attempts = 0, locked_until = NULL`,
		issueID, operation,
	)
	if err != nil {
		return fmt.Errorf("storage: queue search outbox: %w", err)
	}
	return nil
}

// RecentIssues returns up to limit issues, most recently updated first. Used
// by the MCP recent-issues tool and GET /v1/issues.
func (db *DB) RecentIssues(ctx context.Context, limit int) ([]model.Issue, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT i.id, i.title, i.content, i.article_count, i.started_at, i.updated_at, e.vector
		 FROM issue i
		 JOIN issue_embedding e ON e.issue_id = i.id
		 ORDER BY i.updated_at DESC
		 LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: recent issues: %w", err)
	}
	defer rows.Close()

	var issues []model.Issue
	for rows.Next() {
		var iss model.Issue
		var emb pgvector.Vector
		if err := rows.Scan(&iss.ID, &iss.Title, &iss.Content, &iss.ArticleCount, &iss.StartedAt, &iss.UpdatedAt, &emb); err != nil {
			return nil, fmt.Errorf("storage: scan issue: %w", err)
		}
		iss.Centroid = emb.Slice()
		issues = append(issues, iss)
	}
	return issues, rows.Err()
}
