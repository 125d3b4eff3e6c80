package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kalambet/gentable/internal/provider"
	"github.com/kalambet/gentable/internal/search"
	"github.com/kalambet/gentable/internal/table"
)

// executeLLM runs the full chat-completion path: render the prompt, build
// RAG context when configured, reconstruct multi-turn history, then invoke
// the provider either whole or streaming.
func (e *Executor) executeLLM(ctx context.Context, t table.Table, row table.Row, col table.Column, cfg *table.LLMGenConfig, emit Emitter) (table.Cell, error) {
	prompt := Render(cfg.Prompt, row.Cells)
	if prompt == "" && cfg.MultiTurn {
		prompt = userMessage(t, row)
	}

	var refs *search.Result
	if cfg.RAGParams != nil {
		res, err := e.buildContext(ctx, row, cfg)
		if err != nil {
			emitError(emit, row.ID, col.ID, err)
			return errorCell(), err
		}
		refs = &res
		if block := renderReferences(res); block != "" {
			prompt = block + "\n\n" + prompt
		}
	}

	var messages []provider.Message
	if cfg.SystemPrompt != "" {
		messages = append(messages, provider.Message{Role: "system", Content: Render(cfg.SystemPrompt, row.Cells)})
	}
	if cfg.MultiTurn {
		history, err := e.chatHistory(t, row, col, cfg)
		if err != nil {
			emitError(emit, row.ID, col.ID, err)
			return errorCell(), err
		}
		messages = append(messages, history...)
	}
	messages = append(messages, provider.Message{Role: "user", Content: prompt})

	req := provider.ChatRequest{
		Model:       cfg.Model,
		Messages:    messages,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		MaxTokens:   cfg.MaxTokens,
	}

	if emit == nil {
		resp, err := e.api.Chat(ctx, req)
		if err != nil {
			return errorCell(), err
		}
		return table.Cell{Value: resp.Content, State: table.CellDone}, nil
	}
	return e.streamLLM(ctx, row, col, req, refs, emit)
}

// streamLLM forwards provider deltas as chunk events while staging the full
// cell value. A mid-stream provider failure emits one final error-tagged
// chunk and resets the cell to empty; the partial text is never persisted
// and usage is left unavailable.
func (e *Executor) streamLLM(ctx context.Context, row table.Row, col table.Column, req provider.ChatRequest, refs *search.Result, emit Emitter) (table.Cell, error) {
	stream, err := e.api.ChatStream(ctx, req)
	if err != nil {
		emitError(emit, row.ID, col.ID, err)
		return errorCell(), err
	}
	defer stream.Close()

	// The cell is observable in streaming state while the stream is open;
	// the terminal state lands with the caller's final cell update.
	if e.store != nil {
		err := e.store.UpdateCells(row.TableID, row.ID, map[string]table.Cell{
			col.ID: {State: table.CellStreaming},
		})
		if err != nil {
			slog.Warn("marking cell streaming", "row", row.ID, "column", col.ID, "error", err)
		}
	}

	var staged strings.Builder
	var usage *provider.Usage
	finish := ""
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			emitError(emit, row.ID, col.ID, err)
			return errorCell(), table.Generationf(err, "column %q: stream interrupted", col.ID)
		}

		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		if chunk.Content == "" {
			continue
		}
		staged.WriteString(chunk.Content)
		emit(ChunkEvent{
			Object:           objectChunk,
			RowID:            row.ID,
			OutputColumnName: col.ID,
			Choices:          []Choice{{Message: ChoiceMessage{Content: chunk.Content}}},
		})
	}

	if finish == "" {
		finish = "stop"
	}
	emit(ChunkEvent{
		Object:           objectChunk,
		RowID:            row.ID,
		OutputColumnName: col.ID,
		Choices:          []Choice{{Message: ChoiceMessage{Content: ""}, FinishReason: finish}},
		Usage:            usage,
		References:       refs,
	})
	return table.Cell{Value: staged.String(), State: table.CellDone}, nil
}

// buildContext resolves the search query, optionally rewrites it with a
// budget-bounded LLM call, and runs the hybrid search.
func (e *Executor) buildContext(ctx context.Context, row table.Row, cfg *table.LLMGenConfig) (search.Result, error) {
	rp := cfg.RAGParams

	query := Render(cfg.Prompt, row.Cells)
	if rp.SearchQuery != "" {
		query = Render(rp.SearchQuery, row.Cells)
	}
	if rp.RewriteQuery {
		query = e.rewriteQuery(ctx, cfg.Model, query)
	}

	return e.search.Search(ctx, search.Request{
		TableIDs:       rp.TableIDs,
		Query:          query,
		K:              rp.K,
		RerankingModel: rp.RerankingModel,
	})
}

// rewriteQuery asks the model for a compact retrieval query. A rewrite
// failure falls back to the original query rather than failing the row.
func (e *Executor) rewriteQuery(ctx context.Context, model, query string) string {
	resp, err := e.api.Chat(ctx, provider.ChatRequest{
		Model: model,
		Messages: []provider.Message{
			{Role: "system", Content: "Rewrite the user's request into a short search query. Reply with the query only."},
			{Role: "user", Content: query},
		},
		MaxTokens: rewriteTokenBudget,
	})
	if err != nil {
		slog.Warn("query rewrite failed, using original query", "error", err)
		return query
	}
	rewritten := strings.TrimSpace(resp.Content)
	if rewritten == "" {
		return query
	}
	return rewritten
}

// chatHistory reconstructs the conversation from rows strictly before the
// current one. Rows after it are excluded even when present in storage, so
// a regenerated turn never sees its own future.
func (e *Executor) chatHistory(t table.Table, row table.Row, col table.Column, cfg *table.LLMGenConfig) ([]provider.Message, error) {
	earlier, err := e.store.ListRowsBefore(t.ID, row.Seq, historyWindow)
	if err != nil {
		return nil, table.Retrievalf(err, "loading chat history for row %s", row.ID)
	}

	var messages []provider.Message
	for _, prev := range earlier {
		user := Render(cfg.Prompt, prev.Cells)
		if user == "" {
			user = userMessage(t, prev)
		}
		assistant, _ := prev.Value(col.ID)
		if user == "" && assistant == "" {
			continue
		}
		messages = append(messages,
			provider.Message{Role: "user", Content: user},
			provider.Message{Role: "assistant", Content: assistant},
		)
	}
	return messages, nil
}

// userMessage returns the row's first input-column value, the conventional
// user turn of a chat table when no prompt template is configured.
func userMessage(t table.Table, row table.Row) string {
	for _, c := range t.Columns {
		if c.GenConfig == nil {
			if v, ok := row.Value(c.ID); ok {
				return v
			}
		}
	}
	return ""
}

// renderReferences formats retrieved chunks into the prompt's context block
// with their structured fields alongside the text.
func renderReferences(res search.Result) string {
	if len(res.References) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Use the following context to answer.\n")
	for i, ref := range res.References {
		fmt.Fprintf(&b, "\n[%d]", i+1)
		if ref.Title != "" {
			fmt.Fprintf(&b, " %s", ref.Title)
		}
		if ref.Page > 0 {
			fmt.Fprintf(&b, " (page %d)", ref.Page)
		}
		b.WriteString("\n")
		b.WriteString(ref.Text)
		b.WriteString("\n")
	}
	return b.String()
}
