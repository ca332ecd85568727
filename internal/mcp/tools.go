package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/issuestream/issuestream/internal/model"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("issuestream_recent_issues",
			mcplib.WithDescription(`List the most recently updated issues (clusters of related articles).

WHEN TO USE: To get a quick overview of what the clustering engine currently
considers distinct ongoing stories, ordered by most recently updated.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum number of issues to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(10),
			),
		),
		s.handleRecentIssues,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("issuestream_search_issues",
			mcplib.WithDescription(`Find issues whose centroid is semantically closest to a natural
language query.

WHEN TO USE: When you have a description of a story and want to know whether
the clustering engine already tracks it as an issue, and how closely.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query",
				mcplib.Description("Natural language description of the story to look up"),
				mcplib.Required(),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(50),
				mcplib.DefaultNumber(5),
			),
		),
		s.handleSearchIssues,
	)
}

func (s *Server) handleRecentIssues(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	limit := request.GetInt("limit", 10)

	issues, err := s.db.RecentIssues(ctx, limit)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to list recent issues: %v", err)), nil
	}

	compact := make([]map[string]any, len(issues))
	for i, iss := range issues {
		compact[i] = compactIssue(iss)
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"issues": compact,
		"total":  len(compact),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleSearchIssues(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	query := request.GetString("query", "")
	if query == "" {
		return errorResult("query is required"), nil
	}
	limit := request.GetInt("limit", 5)

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return errorResult(fmt.Sprintf("failed to embed query: %v", err)), nil
	}

	results, err := s.searcher.Search(ctx, vec.Slice(), limit)
	if err != nil {
		return errorResult(fmt.Sprintf("search failed: %v", err)), nil
	}

	matches := make([]map[string]any, 0, len(results))
	for _, r := range results {
		iss, getErr := s.db.GetIssue(ctx, r.IssueID)
		if getErr != nil {
			s.logger.Warn("issuestream_search_issues: issue from index missing in storage", "issue_id", r.IssueID, "error", getErr)
			continue
		}
		entry := compactIssue(iss)
		entry["score"] = r.Score
		matches = append(matches, entry)
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"issues": matches,
		"total":  len(matches),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

// compactIssue renders an issue's user-facing fields, omitting the centroid
// vector, which is meaningless to a human or an MCP client reading the result.
func compactIssue(iss model.Issue) map[string]any {
	return map[string]any{
		"id":            iss.ID,
		"title":         iss.Title,
		"article_count": iss.ArticleCount,
		"started_at":    iss.StartedAt,
		"updated_at":    iss.UpdatedAt,
	}
}
