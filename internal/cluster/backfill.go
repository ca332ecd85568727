package cluster

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/issuestream/issuestream/internal/model"
)

// AssignFunc re-runs the full decision pipeline for one article. It is
// supplied by internal/service/assign so the core package stays free of
// storage and embedding dependencies.
type AssignFunc func(ctx context.Context, article model.Article) error

// BackfillRescan re-assigns every article in articles with bounded
// concurrency, grounded on the teacher's conflict-scoring backfill sweep.
// It is an operational aid for articles left unassigned after a transient
// failure (spec names the caller-side retry as the primary mechanism; this
// gives operators an at-least-once batch sweep). It never aborts early: a
// failure on one article does not stop the others, and every failure is
// returned for the caller to log or dead-letter.
func BackfillRescan(ctx context.Context, articles []model.Article, concurrency int, assign AssignFunc) (succeeded int, errs []error) {
	if concurrency < 1 {
		concurrency = 1
	}

	g := new(errgroup.Group)
	g.SetLimit(concurrency)

	var (
		mu      sync.Mutex
		okCount atomic.Int64
	)

	for _, a := range articles {
		g.Go(func() error {
			if err := assign(ctx, a); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("cluster: backfill rescan article %s: %w", a.ID, err))
				mu.Unlock()
				return nil
			}
			okCount.Add(1)
			return nil
		})
	}

	_ = g.Wait()
	return int(okCount.Load()), errs
}
