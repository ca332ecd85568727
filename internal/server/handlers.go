package server

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/issuestream/issuestream/internal/auth"
	"github.com/issuestream/issuestream/internal/cluster"
	"github.com/issuestream/issuestream/internal/model"
	"github.com/issuestream/issuestream/internal/search"
	"github.com/issuestream/issuestream/internal/service/assign"
	"github.com/issuestream/issuestream/internal/service/embedding"
	"github.com/issuestream/issuestream/internal/storage"
)

// Handlers holds the dependencies every HTTP handler needs.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	assignSvc           *assign.Service
	embedder            embedding.Provider
	searcher            search.Searcher
	logger              *slog.Logger
	version             string
	maxRequestBodyBytes int64
	startedAt           time.Time
}

// HandlersDeps are the dependencies passed to NewHandlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	AssignSvc           *assign.Service
	Embedder            embedding.Provider
	Searcher            search.Searcher
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps HandlersDeps) *Handlers {
	maxBytes := deps.MaxRequestBodyBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20 // 1 MiB default.
	}
	return &Handlers{
		db:                  deps.DB,
		jwtMgr:              deps.JWTMgr,
		assignSvc:           deps.AssignSvc,
		embedder:            deps.Embedder,
		searcher:            deps.Searcher,
		logger:              deps.Logger,
		version:             deps.Version,
		maxRequestBodyBytes: maxBytes,
		startedAt:           time.Now().UTC(),
	}
}

// HandleAuthToken handles POST /auth/token: verifies a credential's API key
// and mints a JWT for it.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Name == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name and api_key are required")
		return
	}

	cred, err := h.db.GetCredentialByName(r.Context(), req.Name)
	if err != nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, cred.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(cred)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleIngestArticle handles POST /v1/articles: runs one article through
// the decision core and reports whether it merged into an existing issue or
// seeded a new one.
func (h *Handlers) HandleIngestArticle(w http.ResponseWriter, r *http.Request) {
	var req model.IngestArticleRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" || strings.TrimSpace(req.Content) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "title and content are required")
		return
	}

	article := model.Article{
		Title:       req.Title,
		Content:     req.Content,
		Source:      req.Source,
		URL:         req.URL,
		PublishedAt: req.PublishedAt,
		TitleHash:   titleHash(req.Title),
	}

	res, err := h.assignSvc.Assign(r.Context(), article)
	if err != nil {
		h.writeAssignError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.IngestArticleResponse{
		ArticleID: res.Article.ID.String(),
		IssueID:   res.IssueID.String(),
		Merged:    res.Merged,
	})
}

// writeAssignError maps a cluster.Error's Kind to the appropriate HTTP status,
// logging the underlying cause either way.
func (h *Handlers) writeAssignError(w http.ResponseWriter, r *http.Request, err error) {
	var clusterErr *cluster.Error
	if errors.As(err, &clusterErr) {
		switch clusterErr.Kind {
		case cluster.KindPersistenceConflict:
			h.writeInternalError(w, r, "exhausted retries on a concurrent issue update", err)
			return
		case cluster.KindEmbedder, cluster.KindRetrieval:
			h.logger.Warn("assign: upstream dependency failed", "error", err, "kind", clusterErr.Kind)
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "a dependency is temporarily unavailable")
			return
		case cluster.KindDeadlineExceeded:
			writeError(w, r, http.StatusGatewayTimeout, model.ErrCodeInternalError, "request deadline exceeded")
			return
		case cluster.KindInvariantViolation:
			h.writeInternalError(w, r, "decision core invariant violated", err)
			return
		}
	}
	h.writeInternalError(w, r, "failed to assign article", err)
}

// HandleGetArticle handles GET /v1/articles/{id}.
func (h *Handlers) HandleGetArticle(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid article id")
		return
	}
	a, err := h.db.GetArticle(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "article not found")
			return
		}
		h.writeInternalError(w, r, "failed to get article", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.NewArticleSummary(a))
}

// HandleRecentIssues handles GET /v1/issues.
func (h *Handlers) HandleRecentIssues(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := parsePositiveInt(q); err == nil {
			limit = n
		}
	}

	issues, err := h.db.RecentIssues(r.Context(), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list recent issues", err)
		return
	}

	summaries := make([]model.IssueSummary, len(issues))
	for i, iss := range issues {
		summaries[i] = model.NewIssueSummary(iss)
	}
	writeJSON(w, r, http.StatusOK, summaries)
}

// HandleGetIssue handles GET /v1/issues/{id}.
func (h *Handlers) HandleGetIssue(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid issue id")
		return
	}
	iss, err := h.db.GetIssue(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "issue not found")
			return
		}
		h.writeInternalError(w, r, "failed to get issue", err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.NewIssueSummary(iss))
}

// HandleSearchIssues handles POST /v1/search: embeds the query and returns
// the nearest issues by centroid similarity.
func (h *Handlers) HandleSearchIssues(w http.ResponseWriter, r *http.Request) {
	var req model.SearchIssuesRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "query is required")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	vec, err := h.embedder.Embed(r.Context(), req.Query)
	if err != nil {
		h.logger.Warn("search: embed query failed", "error", err)
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "embedding provider unavailable")
		return
	}

	hits, err := h.searcher.Search(r.Context(), vec.Slice(), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to search issues", err)
		return
	}

	results := make([]model.SearchIssueResult, 0, len(hits))
	for _, hit := range hits {
		iss, err := h.db.GetIssue(r.Context(), hit.IssueID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue // Index and store raced; drop the stale hit rather than fail the whole query.
			}
			h.writeInternalError(w, r, "failed to hydrate search result", err)
			return
		}
		results = append(results, model.SearchIssueResult{Issue: model.NewIssueSummary(iss), Score: hit.Score})
	}

	writeJSON(w, r, http.StatusOK, model.SearchIssuesResponse{Issues: results})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := map[string]string{"database": "ok"}

	if err := h.db.Ping(r.Context()); err != nil {
		checks["database"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if h.searcher != nil {
		if err := h.searcher.Healthy(r.Context()); err != nil {
			checks["search_index"] = "unavailable"
			status = http.StatusServiceUnavailable
		} else {
			checks["search_index"] = "ok"
		}
	}

	writeJSON(w, r, status, map[string]any{
		"status":     checks,
		"version":    h.version,
		"uptime_sec": int(time.Since(h.startedAt).Seconds()),
	})
}

// HandleConfig handles GET /config: a safe, unauthenticated subset of
// runtime configuration a client may need (e.g. to decide API version).
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]any{
		"version": h.version,
	})
}

// titleHash normalizes a title (trim + lowercase) and returns its SHA-256
// hex digest, used as the idempotence key for article ingestion: the same
// story re-delivered under the same title must not be double-counted.
func titleHash(title string) string {
	normalized := strings.ToLower(strings.TrimSpace(title))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// parsePositiveInt parses s as a positive integer, rejecting zero/negative
// and non-numeric input.
func parsePositiveInt(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errors.New("invalid integer")
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return 0, errors.New("must be positive")
	}
	return n, nil
}
