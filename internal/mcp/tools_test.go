package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/issuestream/issuestream/internal/model"
	"github.com/issuestream/issuestream/internal/search"
	"github.com/issuestream/issuestream/internal/service/embedding"
	"github.com/issuestream/issuestream/internal/storage"
	"github.com/issuestream/issuestream/internal/testutil"
)

var (
	testDB     *storage.DB
	testIndex  *search.MemoryIndex
	testServer *Server
)

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	code := setupAndRun(m, tc)
	tc.Terminate()
	os.Exit(code)
}

// newFakeEmbeddingServer returns an httptest server mimicking Ollama's
// /api/embed endpoint, always returning the same 768-dim vector regardless
// of input so test assertions only need to check identity, not similarity.
func newFakeEmbeddingServer(vec []float32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"embeddings": [][]float32{vec},
		})
	}))
}

func setupAndRun(m *testing.M, tc *testutil.TestContainer) int {
	ctx := context.Background()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		return 1
	}
	defer testDB.Close(ctx)

	testIndex = search.NewMemoryIndex()

	fakeVec := make([]float32, model.EmbeddingDimensions)
	for i := range fakeVec {
		fakeVec[i] = 0.01
	}
	embedServer := newFakeEmbeddingServer(fakeVec)
	defer embedServer.Close()

	embedder := embedding.NewOllamaProvider(embedServer.URL, "mxbai-embed-large", model.EmbeddingDimensions)

	testServer = New(testDB, testIndex, embedder, logger, "test")

	return m.Run()
}

func testEmbedding(seed float32) []float32 {
	emb := make([]float32, model.EmbeddingDimensions)
	for i := range emb {
		emb[i] = seed + float32(i)*0.0001
	}
	return emb
}

func TestHandleRecentIssues(t *testing.T) {
	ctx := context.Background()

	iss, err := testDB.CreateIssue(ctx, model.Issue{
		Title:    "city council approves new budget",
		Content:  "the city council approved next year's budget in a close vote",
		Centroid: testEmbedding(0.1),
	})
	require.NoError(t, err)

	req := mcplib.CallToolRequest{}
	req.Params.Arguments = map[string]any{"limit": float64(50)}

	result, err := testServer.handleRecentIssues(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := result.Content[0].(mcplib.TextContent).Text
	var payload struct {
		Issues []map[string]any `json:"issues"`
		Total  int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &payload))

	found := false
	for _, item := range payload.Issues {
		if item["id"] == iss.ID.String() {
			found = true
			assert.Equal(t, iss.Title, item["title"])
		}
	}
	assert.True(t, found, "newly created issue should appear in recent issues")
}

func TestHandleSearchIssues_RequiresQuery(t *testing.T) {
	ctx := context.Background()
	req := mcplib.CallToolRequest{}
	req.Params.Arguments = map[string]any{}

	result, err := testServer.handleSearchIssues(ctx, req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleSearchIssues_ReturnsIndexedMatch(t *testing.T) {
	ctx := context.Background()

	vec := make([]float32, model.EmbeddingDimensions)
	for i := range vec {
		vec[i] = 0.01
	}

	iss, err := testDB.CreateIssue(ctx, model.Issue{
		Title:    "wildfire containment update",
		Content:  "firefighters report 40 percent containment on the ridge fire",
		Centroid: vec,
	})
	require.NoError(t, err)
	require.NoError(t, testIndex.Upsert(ctx, iss.ID, vec, iss.UpdatedAt.Unix()))

	req := mcplib.CallToolRequest{}
	req.Params.Arguments = map[string]any{"query": "updates on the wildfire", "limit": float64(5)}

	result, err := testServer.handleSearchIssues(ctx, req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := result.Content[0].(mcplib.TextContent).Text
	var payload struct {
		Issues []map[string]any `json:"issues"`
		Total  int              `json:"total"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &payload))
	require.GreaterOrEqual(t, payload.Total, 1)
	assert.Equal(t, iss.ID.String(), payload.Issues[0]["id"])
}
