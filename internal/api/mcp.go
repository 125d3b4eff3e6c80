package api

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/gentable/internal/search"
	"github.com/kalambet/gentable/internal/table"
)

// MCPSearcher abstracts hybrid search for the MCP layer.
type MCPSearcher interface {
	Search(ctx context.Context, req search.Request) (search.Result, error)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    ChunkLister
	Searcher MCPSearcher
}

// ChunkLister exposes the read-side storage the MCP resources need.
type ChunkLister interface {
	ListTables(kind table.Kind) ([]table.Table, error)
	ListChunks(tableID string) ([]table.Chunk, error)
}

// NewMCPServer creates an MCP server exposing hybrid knowledge search to
// external agents.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"gentable",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("gentable — hybrid lexical and semantic search over knowledge tables."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("knowledge_search",
			mcp.WithDescription("Search knowledge tables with combined full-text and semantic retrieval. Returns ranked text chunks with provenance."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithArray("table_ids", mcp.Description("Knowledge table IDs to search"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
			mcp.WithString("reranking_model", mcp.Description("Optional reranking model to reorder results")),
		),
		mcpKnowledgeSearch(deps),
	)

	s.AddTool(
		mcp.NewTool("list_chunks",
			mcp.WithDescription("List the stored text chunks of one knowledge table, with title and page provenance."),
			mcp.WithString("table_id", mcp.Description("Knowledge table ID"), mcp.Required()),
		),
		mcpListChunks(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"gentable://knowledge-tables",
			"Knowledge Tables",
			mcp.WithResourceDescription("Searchable knowledge tables as JSON"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceKnowledgeTables(deps),
	)

	return s
}

func mcpKnowledgeSearch(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		tableIDs := req.GetStringSlice("table_ids", nil)
		if len(tableIDs) == 0 {
			return mcpError("table_ids is required"), nil
		}

		limit := req.GetInt("limit", 0)
		if limit < 0 {
			limit = 0
		}
		if limit > 100 {
			limit = 100
		}

		res, err := deps.Searcher.Search(ctx, search.Request{
			TableIDs:       tableIDs,
			Query:          query,
			K:              limit,
			RerankingModel: req.GetString("reranking_model", ""),
		})
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}

		if len(res.References) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(res.References)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}

		return mcpText(string(b)), nil
	}
}

func mcpListChunks(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		tableID, err := req.RequireString("table_id")
		if err != nil {
			return mcpError("table_id is required"), nil
		}

		chunks, err := deps.Store.ListChunks(tableID)
		if err != nil {
			return mcpError(fmt.Sprintf("listing chunks failed: %v", err)), nil
		}
		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		type chunkSummary struct {
			ID     string `json:"id"`
			Text   string `json:"text"`
			Title  string `json:"title,omitempty"`
			Page   int    `json:"page,omitempty"`
			FileID string `json:"file_id,omitempty"`
		}

		summaries := make([]chunkSummary, len(chunks))
		for i, c := range chunks {
			summaries[i] = chunkSummary{
				ID:     c.ID,
				Text:   c.Text,
				Title:  c.Title,
				Page:   c.Page,
				FileID: c.FileID,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal chunks: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceKnowledgeTables(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		tables, err := deps.Store.ListTables(table.KindKnowledge)
		if err != nil {
			return nil, fmt.Errorf("failed to list knowledge tables: %w", err)
		}

		type tableSummary struct {
			ID     string `json:"id"`
			Chunks int    `json:"chunks"`
		}

		summaries := make([]tableSummary, len(tables))
		for i, t := range tables {
			chunks, err := deps.Store.ListChunks(t.ID)
			if err != nil {
				return nil, fmt.Errorf("failed to list chunks for %s: %w", t.ID, err)
			}
			summaries[i] = tableSummary{ID: t.ID, Chunks: len(chunks)}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tables: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
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
