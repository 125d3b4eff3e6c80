package api

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kalambet/gentable/internal/search"
	"github.com/kalambet/gentable/internal/table"
)

// --- mocks ---

type mockSearcher struct {
	result search.Result
	err    error
	lastQ  string
}

func (m *mockSearcher) Search(_ context.Context, req search.Request) (search.Result, error) {
	m.lastQ = req.Query
	return m.result, m.err
}

type mockChunkLister struct {
	tables []table.Table
	chunks map[string][]table.Chunk
}

func (m *mockChunkLister) ListTables(kind table.Kind) ([]table.Table, error) {
	return m.tables, nil
}

func (m *mockChunkLister) ListChunks(tableID string) ([]table.Chunk, error) {
	return m.chunks[tableID], nil
}

func toolText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if len(result.Content) == 0 {
		t.Fatal("no content in result")
	}
	tc, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", result.Content[0])
	}
	return tc.Text
}

func makeCallToolRequest(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// --- tests ---

func TestMCPTool_KnowledgeSearch(t *testing.T) {
	searcher := &mockSearcher{result: search.Result{
		Object:      "gen_table.references",
		SearchQuery: "go concurrency",
		References: []search.Reference{
			{ChunkID: "c1", TableID: "kb", Text: "goroutines are cheap", Score: 0.9},
		},
	}}
	handler := mcpKnowledgeSearch(MCPDeps{Searcher: searcher})

	req := makeCallToolRequest("knowledge_search", map[string]interface{}{
		"query":     "go concurrency",
		"table_ids": []string{"kb"},
	})

	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var refs []search.Reference
	if err := json.Unmarshal([]byte(toolText(t, result)), &refs); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if len(refs) != 1 || refs[0].ChunkID != "c1" {
		t.Errorf("refs = %+v", refs)
	}
	if searcher.lastQ != "go concurrency" {
		t.Errorf("query forwarded as %q", searcher.lastQ)
	}
}

func TestMCPTool_KnowledgeSearch_RequiresArgs(t *testing.T) {
	handler := mcpKnowledgeSearch(MCPDeps{Searcher: &mockSearcher{}})

	result, err := handler(context.Background(), makeCallToolRequest("knowledge_search", map[string]interface{}{
		"table_ids": []string{"kb"},
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected error for missing query")
	}

	result, err = handler(context.Background(), makeCallToolRequest("knowledge_search", map[string]interface{}{
		"query": "anything",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Error("expected error for missing table_ids")
	}
}

func TestMCPTool_KnowledgeSearch_SearchFailure(t *testing.T) {
	searcher := &mockSearcher{err: fmt.Errorf("index unavailable")}
	handler := mcpKnowledgeSearch(MCPDeps{Searcher: searcher})

	result, err := handler(context.Background(), makeCallToolRequest("knowledge_search", map[string]interface{}{
		"query":     "q",
		"table_ids": []string{"kb"},
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected IsError result")
	}
	if !strings.Contains(toolText(t, result), "index unavailable") {
		t.Errorf("error text = %q", toolText(t, result))
	}
}

func TestMCPTool_ListChunks(t *testing.T) {
	store := &mockChunkLister{chunks: map[string][]table.Chunk{
		"kb": {
			{ID: "c1", TableID: "kb", Text: "first", Title: "doc", Page: 1},
			{ID: "c2", TableID: "kb", Text: "second", Title: "doc", Page: 2},
		},
	}}
	handler := mcpListChunks(MCPDeps{Store: store})

	result, err := handler(context.Background(), makeCallToolRequest("list_chunks", map[string]interface{}{
		"table_id": "kb",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("tool error: %s", toolText(t, result))
	}

	var chunks []map[string]any
	if err := json.Unmarshal([]byte(toolText(t, result)), &chunks); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks", len(chunks))
	}
	if chunks[0]["id"] != "c1" || chunks[1]["page"] != float64(2) {
		t.Errorf("chunks = %+v", chunks)
	}

	// Unknown table yields an empty list, not an error.
	result, err = handler(context.Background(), makeCallToolRequest("list_chunks", map[string]interface{}{
		"table_id": "missing",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if toolText(t, result) != "[]" {
		t.Errorf("empty table result = %q", toolText(t, result))
	}
}
