package assign_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/issuestream/issuestream/internal/cluster"
	"github.com/issuestream/issuestream/internal/model"
	"github.com/issuestream/issuestream/internal/search"
	"github.com/issuestream/issuestream/internal/service/assign"
	"github.com/issuestream/issuestream/internal/storage"
	"github.com/issuestream/issuestream/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	var code int
	func() {
		ctx := context.Background()
		var err error
		testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
		if err != nil {
			fmt.Fprintf(os.Stderr, "assign tests: %v\n", err)
			code = 1
			return
		}
		defer testDB.Close(ctx)
		code = m.Run()
	}()
	tc.Terminate()
	os.Exit(code)
}

// fakeEmbedder returns a fixed vector per call, keyed by the input text so
// tests can steer similarity without a real embedding model.
type fakeEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	dims    int
}

func newFakeEmbedder(dims int) *fakeEmbedder {
	return &fakeEmbedder{vectors: make(map[string][]float32), dims: dims}
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }

func (f *fakeEmbedder) set(text string, vec []float32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[text] = vec
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) (pgvector.Vector, error) {
	f.mu.Lock()
	v, ok := f.vectors[text]
	f.mu.Unlock()
	if ok {
		return pgvector.NewVector(v), nil
	}
	return pgvector.NewVector(make([]float32, f.dims)), nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i, t := range texts {
		v, _ := f.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func fixedVec(seed float32, dims int) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = seed
	}
	return v
}

func testConfig() cluster.Config {
	return cluster.Config{Alpha: 0.7, Beta: 0.3, Lambda: 1.0 / 24.0, TBase: 0.5, TopK: 10}
}

func articleKey(title, content string) string { return title + "\n\n" + content }

func TestAssignColdStartCreatesIssue(t *testing.T) {
	ctx := context.Background()
	dims := model.EmbeddingDimensions
	embedder := newFakeEmbedder(dims)
	index := search.NewMemoryIndex()

	a := model.Article{Title: "first story", Content: "body text", Source: "wire", TitleHash: uniqueHash(t)}
	embedder.set(articleKey(a.Title, a.Content), fixedVec(0.5, dims))

	svc := assign.New(testDB, embedder, index, true, nil, testConfig())
	res, err := svc.Assign(ctx, a)
	require.NoError(t, err)
	assert.False(t, res.Merged)
	assert.NotEqual(t, res.IssueID.String(), "00000000-0000-0000-0000-000000000000")

	// directWrite=true: the service upserts the new issue's centroid into
	// index itself, with no outbox worker or manual test setup needed.
	assert.Equal(t, 1, index.Len())
}

func TestAssignMergesIntoSimilarIssue(t *testing.T) {
	ctx := context.Background()
	dims := model.EmbeddingDimensions
	embedder := newFakeEmbedder(dims)
	index := search.NewMemoryIndex()
	svc := assign.New(testDB, embedder, index, true, nil, testConfig())

	seed := model.Article{Title: "fire spreads", Content: "a fire spreads across the hills", Source: "wire", TitleHash: uniqueHash(t)}
	embedder.set(articleKey(seed.Title, seed.Content), fixedVec(0.9, dims))
	seedRes, err := svc.Assign(ctx, seed)
	require.NoError(t, err)
	require.False(t, seedRes.Merged)

	follow := model.Article{Title: "fire update", Content: "containment update on the hills fire", Source: "wire", TitleHash: uniqueHash(t)}
	embedder.set(articleKey(follow.Title, follow.Content), fixedVec(0.9, dims))
	followRes, err := svc.Assign(ctx, follow)
	require.NoError(t, err)
	assert.True(t, followRes.Merged)
	assert.Equal(t, seedRes.IssueID, followRes.IssueID)

	iss, err := testDB.GetIssue(ctx, seedRes.IssueID)
	require.NoError(t, err)
	assert.Equal(t, 2, iss.ArticleCount)
}

func TestAssignIsIdempotentOnReDelivery(t *testing.T) {
	ctx := context.Background()
	dims := model.EmbeddingDimensions
	embedder := newFakeEmbedder(dims)
	index := search.NewMemoryIndex()
	svc := assign.New(testDB, embedder, index, true, nil, testConfig())

	hash := uniqueHash(t)
	a := model.Article{Title: "redelivered story", Content: "body", Source: "wire", TitleHash: hash}
	embedder.set(articleKey(a.Title, a.Content), fixedVec(0.3, dims))

	first, err := svc.Assign(ctx, a)
	require.NoError(t, err)

	second, err := svc.Assign(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, first.IssueID, second.IssueID)
	assert.Equal(t, first.Article.ID, second.Article.ID)

	iss, err := testDB.GetIssue(ctx, first.IssueID)
	require.NoError(t, err)
	assert.Equal(t, 1, iss.ArticleCount, "re-delivery of the same article must not double-count")
}

func TestAssignConcurrentMergeIntoSameIssueConverges(t *testing.T) {
	ctx := context.Background()
	dims := model.EmbeddingDimensions
	embedder := newFakeEmbedder(dims)
	index := search.NewMemoryIndex()
	svc := assign.New(testDB, embedder, index, true, nil, testConfig())

	seed := model.Article{Title: "storm warning", Content: "a storm is approaching the coast", Source: "wire", TitleHash: uniqueHash(t)}
	embedder.set(articleKey(seed.Title, seed.Content), fixedVec(0.8, dims))
	seedRes, err := svc.Assign(ctx, seed)
	require.NoError(t, err)

	const n = 5
	var wg sync.WaitGroup
	results := make([]assign.Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a := model.Article{
				Title:     fmt.Sprintf("storm follow-up %d", i),
				Content:   "more coverage of the approaching storm",
				Source:    "wire",
				TitleHash: uniqueHash(t),
			}
			embedder.set(articleKey(a.Title, a.Content), fixedVec(0.8, dims))
			results[i], errs[i] = svc.Assign(ctx, a)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "concurrent assign %d", i)
		assert.Equal(t, seedRes.IssueID, results[i].IssueID)
	}

	iss, err := testDB.GetIssue(ctx, seedRes.IssueID)
	require.NoError(t, err)
	assert.Equal(t, 1+n, iss.ArticleCount, "every concurrent merge must be counted exactly once")
}

func uniqueHash(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("%s-%d", t.Name(), uniqueCounter())
}

var counterMu sync.Mutex
var counter int

func uniqueCounter() int {
	counterMu.Lock()
	defer counterMu.Unlock()
	counter++
	return counter
}
