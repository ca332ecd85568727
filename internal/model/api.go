package model

import "time"

// APIResponse is the standard success envelope returned by every endpoint.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope returned by every endpoint.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail describes a single error condition.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta carries request-scoped bookkeeping echoed on every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Error codes used in APIError.Error.Code.
const (
	ErrCodeInvalidInput  = "invalid_input"
	ErrCodeUnauthorized  = "unauthorized"
	ErrCodeForbidden     = "forbidden"
	ErrCodeNotFound      = "not_found"
	ErrCodeConflict      = "conflict"
	ErrCodeInternalError = "internal_error"
	ErrCodeRateLimited   = "rate_limited"
)

// AuthTokenRequest is the body of POST /auth/token: a credential name and
// the raw API key minted for it at registration time.
type AuthTokenRequest struct {
	Name   string `json:"name"`
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is returned on successful credential verification.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IngestArticleRequest is the body of POST /v1/articles.
type IngestArticleRequest struct {
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Source      string     `json:"source"`
	URL         string     `json:"url"`
	PublishedAt *time.Time `json:"published_at"`
}

// IngestArticleResponse reports the decision core's outcome for one article.
type IngestArticleResponse struct {
	ArticleID string `json:"article_id"`
	IssueID   string `json:"issue_id"`
	Merged    bool   `json:"merged"`
}

// SearchIssuesRequest is the body of POST /v1/search.
type SearchIssuesRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

// SearchIssuesResponse holds ranked issue matches for a query.
type SearchIssuesResponse struct {
	Issues []SearchIssueResult `json:"issues"`
}

// SearchIssueResult is a single ranked match.
type SearchIssueResult struct {
	Issue IssueSummary `json:"issue"`
	Score float32      `json:"score"`
}

// IssueSummary is an issue's user-facing fields, omitting the centroid
// vector: meaningless to an HTTP or MCP client reading the response.
type IssueSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Content      string    `json:"content"`
	ArticleCount int       `json:"article_count"`
	StartedAt    time.Time `json:"started_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewIssueSummary projects an Issue down to its HTTP/MCP-facing fields.
func NewIssueSummary(iss Issue) IssueSummary {
	return IssueSummary{
		ID:           iss.ID.String(),
		Title:        iss.Title,
		Content:      iss.Content,
		ArticleCount: iss.ArticleCount,
		StartedAt:    iss.StartedAt,
		UpdatedAt:    iss.UpdatedAt,
	}
}

// ArticleSummary is an article's user-facing fields, omitting the embedding
// vector.
type ArticleSummary struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Content     string     `json:"content"`
	Source      string     `json:"source"`
	URL         string     `json:"url"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	IssueID     string     `json:"issue_id,omitempty"`
}

// NewArticleSummary projects an Article down to its HTTP-facing fields.
func NewArticleSummary(a Article) ArticleSummary {
	s := ArticleSummary{
		ID:          a.ID.String(),
		Title:       a.Title,
		Content:     a.Content,
		Source:      a.Source,
		URL:         a.URL,
		PublishedAt: a.PublishedAt,
		CreatedAt:   a.CreatedAt,
	}
	if a.Assigned() {
		s.IssueID = a.IssueID.String()
	}
	return s
}
