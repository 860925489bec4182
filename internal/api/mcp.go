package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/remedy/internal/ingest"
	"github.com/kalambet/remedy/internal/retrieval"
	"github.com/kalambet/remedy/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Diagnoser Diagnoser
	Store     *storage.Store
	Index     *retrieval.Index // nil disables recall_errors results
}

// NewMCPServer creates an MCP server with the diagnosis tools and the recent
// errors resource registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"remedy",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("remedy runs Python snippets, classifies their failures and proposes fixes informed by past errors."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("diagnose",
			mcp.WithDescription("Validate, run and diagnose a Python snippet. Returns the full diagnosis as JSON."),
			mcp.WithString("text", mcp.Description("Source text of the submission"), mcp.Required()),
			mcp.WithString("name", mcp.Description("File name, used to detect the submission type")),
			mcp.WithString("type", mcp.Description("Submission type: python, html, javascript, css or json")),
		),
		mcpDiagnose(deps),
	)

	s.AddTool(
		mcp.NewTool("suggest_fix",
			mcp.WithDescription("Classify captured stderr against the source and propose mechanical fixes with diffs."),
			mcp.WithString("text", mcp.Description("Source text that failed"), mcp.Required()),
			mcp.WithString("stderr", mcp.Description("Captured error output"), mcp.Required()),
		),
		mcpSuggestFix(),
	)

	s.AddTool(
		mcp.NewTool("error_stats",
			mcp.WithDescription("Summarize the error history: totals, counts per kind and the most frequent patterns."),
		),
		mcpErrorStats(deps),
	)

	s.AddTool(
		mcp.NewTool("recall_errors",
			mcp.WithDescription("Search past failures similar to a free-text description."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
		),
		mcpRecallErrors(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"errors://recent",
			"Recent Errors",
			mcp.WithResourceDescription("Last 10 diagnosed failures"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpDiagnose(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text is required"), nil
		}
		name := req.GetString("name", "")
		typ := req.GetString("type", "")
		if typ == "" && name != "" {
			typ = ingest.DetectType(name)
		}

		res := deps.Diagnoser.Diagnose(ctx, ingest.Submission{Name: name, Text: text, Type: typ})
		return mcpJSON(res), nil
	}
}

func mcpSuggestFix() server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError("text is required"), nil
		}
		stderr, err := req.RequireString("stderr")
		if err != nil {
			return mcp.NewToolResultError("stderr is required"), nil
		}

		res, err := suggestFix(text, stderr)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcpJSON(res), nil
	}
}

func mcpErrorStats(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := collectStats(ctx, deps.Store, deps.Index)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to load statistics: %v", err)), nil
		}
		return mcpJSON(st), nil
	}
}

const (
	defaultRecall = 5
	maxRecall     = 50
)

func mcpRecallErrors(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError("query is required"), nil
		}
		if deps.Index == nil {
			return mcp.NewToolResultError("recall not available: similarity index disabled"), nil
		}

		limit := req.GetInt("limit", defaultRecall)
		if limit <= 0 {
			limit = defaultRecall
		}
		limit = min(limit, maxRecall)

		cases := deps.Index.SearchText(ctx, query, limit)
		if len(cases) == 0 {
			return mcp.NewToolResultText("[]"), nil
		}
		return mcpJSON(cases), nil
	}
}

// recentSummary is one entry of the errors://recent resource.
type recentSummary struct {
	ID        string `json:"id"`
	CreatedAt string `json:"created_at"`
	Kind      string `json:"error_kind"`
	Message   string `json:"message"`
	Remedies  int    `json:"remedies"`
}

const (
	recentLimit      = 10
	recentMessageLen = 200
)

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		errs, err := deps.Store.RecentErrors(recentLimit)
		if err != nil {
			return nil, fmt.Errorf("loading recent errors: %w", err)
		}
		summaries := make([]recentSummary, 0, len(errs))
		for _, e := range errs {
			summaries = append(summaries, recentSummary{
				ID:        e.ID,
				CreatedAt: e.CreatedAt.Format(time.RFC3339),
				Kind:      e.Kind,
				Message:   ellipsize(e.Message, recentMessageLen),
				Remedies:  len(e.Remedies),
			})
		}
		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{mcp.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(b),
		}}, nil
	}
}

// ellipsize cuts s to n runes, marking the cut with "...".
func ellipsize(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}

func mcpJSON(v any) *mcp.CallToolResult {
	b, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err))
	}
	return mcp.NewToolResultText(string(b))
}
