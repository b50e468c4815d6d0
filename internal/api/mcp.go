package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/briefai/internal/brief"
	"github.com/kalambet/briefai/internal/credits"
	"github.com/kalambet/briefai/internal/fanout"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Briefs        *brief.Service
	Expander      *fanout.Expander
	Ledger        *credits.Ledger
	FanOutDefault bool
}

// NewMCPServer creates an MCP server with all briefai tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"briefai",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("briefai generates SEO content briefs from live search results."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("generate_brief",
			mcp.WithDescription("Generate an SEO content brief for a topic. Costs credits unless the result is degraded."),
			mcp.WithString("user_id", mcp.Description("Account to charge"), mcp.Required()),
			mcp.WithString("topic", mcp.Description("Topic or primary keyword"), mcp.Required()),
			mcp.WithBoolean("fanout", mcp.Description("Run the query fan-out for extra insights")),
			mcp.WithArray("hints", mcp.Description("Extra competitor domains"), mcp.WithStringItems()),
		),
		mcpGenerateBrief(deps),
	)

	s.AddTool(
		mcp.NewTool("expand_queries",
			mcp.WithDescription("Expand a topic into the related search queries the fan-out would run."),
			mcp.WithString("topic", mcp.Description("Topic to expand"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of queries (default 10)")),
		),
		mcpExpandQueries(deps),
	)

	s.AddTool(
		mcp.NewTool("credit_balance",
			mcp.WithDescription("Show a user's credit balance."),
			mcp.WithString("user_id", mcp.Description("Account id"), mcp.Required()),
		),
		mcpCreditBalance(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"briefs://recent",
			"Recent Briefs",
			mcp.WithResourceDescription("Last 10 generated briefs (summaries only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpGenerateBrief(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}
		topic, err := req.RequireString("topic")
		if err != nil {
			return mcpError("topic is required"), nil
		}

		b, err := deps.Briefs.Generate(ctx, brief.Request{
			UserID: userID,
			Topic:  topic,
			FanOut: req.GetBool("fanout", deps.FanOutDefault),
			Hints:  req.GetStringSlice("hints", nil),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("brief generation failed: %v", err)), nil
		}

		data, err := json.Marshal(b)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal brief: %v", err)), nil
		}
		return mcpText(string(data)), nil
	}
}

func mcpExpandQueries(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		topic, err := req.RequireString("topic")
		if err != nil {
			return mcpError("topic is required"), nil
		}

		limit := req.GetInt("limit", fanout.DefaultMaxQueries)
		if limit <= 0 {
			limit = fanout.DefaultMaxQueries
		}
		if limit > 50 {
			limit = 50
		}

		queries := deps.Expander.Expand(ctx, topic, nil, fanout.Limits{MaxQueries: limit})
		if len(queries) == 0 {
			return mcpError("topic is empty"), nil
		}

		b, err := json.Marshal(queries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal queries: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCreditBalance(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		userID, err := req.RequireString("user_id")
		if err != nil {
			return mcpError("user_id is required"), nil
		}

		balance, err := deps.Ledger.Balance(userID)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to read balance: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("%s has %d credits (a brief costs %d)", userID, balance, deps.Ledger.BriefCost())), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		briefs, err := deps.Briefs.List("", 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list briefs: %w", err)
		}

		type briefSummary struct {
			ID        string `json:"id"`
			ShareID   string `json:"share_id"`
			Topic     string `json:"topic"`
			Title     string `json:"title"`
			Degraded  bool   `json:"degraded"`
			CreatedAt string `json:"created_at"`
		}

		summaries := make([]briefSummary, len(briefs))
		for i, b := range briefs {
			summaries[i] = briefSummary{
				ID:        b.ID,
				ShareID:   b.ShareID,
				Topic:     b.Topic,
				Title:     b.Strategy.Title,
				Degraded:  b.Degraded,
				CreatedAt: b.CreatedAt.Format(time.RFC3339),
			}
		}

		data, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal briefs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
