package cluster

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/issuestream/issuestream/internal/model"
)

func TestBackfillRescanIsolatesFailuresAndBoundsConcurrency(t *testing.T) {
	articles := make([]model.Article, 20)
	for i := range articles {
		articles[i] = model.Article{ID: uuid.New(), Title: fmt.Sprintf("a%d", i), CreatedAt: time.Now()}
	}

	var inFlight, maxInFlight atomic.Int64
	var processed atomic.Int64

	assign := func(ctx context.Context, a model.Article) error {
		n := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			cur := maxInFlight.Load()
			if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
				break
			}
		}
		processed.Add(1)
		if processed.Load()%5 == 0 {
			return fmt.Errorf("simulated failure")
		}
		return nil
	}

	succeeded, errs := BackfillRescan(context.Background(), articles, 4, assign)

	assert.LessOrEqual(t, maxInFlight.Load(), int64(4))
	assert.Equal(t, len(articles), int(processed.Load()))
	assert.Equal(t, len(articles)-len(errs), succeeded)
	assert.NotEmpty(t, errs, "every 5th article is seeded to fail")
}

func TestBackfillRescanEmptyInput(t *testing.T) {
	succeeded, errs := BackfillRescan(context.Background(), nil, 4, func(ctx context.Context, a model.Article) error {
		t.Fatal("assign should never be called for an empty article list")
		return nil
	})
	assert.Equal(t, 0, succeeded)
	assert.Empty(t, errs)
}
