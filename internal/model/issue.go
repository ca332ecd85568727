package model

import (
	"time"

	"github.com/google/uuid"
)

// Issue is a cluster of articles believed to describe the same news event.
// Its Centroid is the running moving average of every member article's
// embedding; it is never re-normalized after the seeding article.
type Issue struct {
	ID uuid.UUID

	// Centroid is the incremental moving-average embedding of all member
	// articles. Updated in place on every merge; never recomputed from
	// scratch.
	Centroid []float32

	// ArticleCount is the number of articles merged into this issue,
	// including the one that created it (N starts at 1).
	ArticleCount int

	StartedAt time.Time // When the issue was created (first article's decision time).
	UpdatedAt time.Time // When the centroid was last updated.

	// Title and Content hold the representative text of the issue: by
	// convention, the title/content of the article that created it. They are
	// not recomputed on merge.
	Title   string
	Content string

	// ContentHash is a SHA-256 digest over Title+Content, stored and indexed
	// with the issue row. Nothing in this repository reads it back, the
	// backfill rescan included. It is not a tamper-evidence mechanism.
	ContentHash string
}

// Age returns the elapsed absolute duration between the issue's last update
// and the given reference time. Callers always pass the absolute value on
// to the time-decay weight; Age itself just measures the gap.
func (i Issue) Age(at time.Time) time.Duration {
	d := at.Sub(i.UpdatedAt)
	if d < 0 {
		d = -d
	}
	return d
}
