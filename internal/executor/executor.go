// Package executor produces cell values for output columns: it builds the
// prompt or payload for a (row, column) pair, invokes the model provider,
// and delivers results either whole or as an ordered chunk stream.
package executor

import (
	"context"
	"encoding/base64"
	"strings"

	"github.com/kalambet/gentable/internal/provider"
	"github.com/kalambet/gentable/internal/search"
	"github.com/kalambet/gentable/internal/storage"
	"github.com/kalambet/gentable/internal/table"
)

const (
	// historyWindow caps how many earlier rows a multi-turn column replays.
	historyWindow = 8

	// rewriteTokenBudget bounds the query-rewrite call separately from the
	// main completion budget.
	rewriteTokenBudget = 128

	objectChunk = "gen_table.completion.chunk"

	finishError = "error"
)

// Provider is the model API surface the executor invokes.
type Provider interface {
	Chat(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error)
	ChatStream(ctx context.Context, req provider.ChatRequest) (provider.ChunkStream, error)
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
	GenerateImage(ctx context.Context, model, prompt string) (string, error)
}

// ChoiceMessage carries chunk content in the completion wire shape.
type ChoiceMessage struct {
	Content string `json:"content"`
}

// Choice is one completion alternative inside a chunk event.
type Choice struct {
	Message      ChoiceMessage `json:"message"`
	FinishReason string        `json:"finish_reason,omitempty"`
}

// ChunkEvent is one streamed completion chunk, tagged with the row and
// column it belongs to. References ride on the final chunk of a RAG
// generation as provenance.
type ChunkEvent struct {
	Object           string          `json:"object"`
	RowID            string          `json:"row_id"`
	OutputColumnName string          `json:"output_column_name"`
	Choices          []Choice        `json:"choices"`
	Usage            *provider.Usage `json:"usage,omitempty"`
	References       *search.Result  `json:"references,omitempty"`
}

// Emitter receives chunk events in production order. A nil Emitter selects
// non-streaming execution.
type Emitter func(ChunkEvent)

// Executor drives generation for output columns.
type Executor struct {
	store  *storage.Store
	search *search.Engine
	api    Provider
}

// New creates an Executor over the given store, search engine and provider.
func New(store *storage.Store, engine *search.Engine, api Provider) *Executor {
	return &Executor{store: store, search: engine, api: api}
}

// ExecuteColumn produces the cell value for one (row, column) pair. The
// returned cell is what the caller should persist; on error the cell is in
// error state with an empty value. Errors are per-cell and must not abort
// sibling rows or columns.
func (e *Executor) ExecuteColumn(ctx context.Context, t table.Table, row table.Row, col table.Column, emit Emitter) (table.Cell, error) {
	switch cfg := col.GenConfig.(type) {
	case *table.LLMGenConfig:
		return e.executeLLM(ctx, t, row, col, cfg, emit)
	case *table.CodeGenConfig:
		return e.executeCode(t, row, col, cfg.SourceColumn, "")
	case *table.PythonGenConfig:
		return e.executeCode(t, row, col, cfg.SourceColumn, "python")
	case *table.EmbedGenConfig:
		return e.executeEmbed(ctx, t, row, cfg)
	case *table.ImageGenConfig:
		return e.executeImage(ctx, row, col, cfg, emit)
	case nil:
		return table.Cell{}, table.Validationf("column %q is not an output column", col.ID)
	default:
		return table.Cell{}, table.Validationf("column %q has unsupported gen_config %q", col.ID, cfg.Object())
	}
}

// executeCode resolves the designated source column's value and extracts the
// code it carries. A source column missing from the table's schema is a
// per-row error, reported immediately.
func (e *Executor) executeCode(t table.Table, row table.Row, col table.Column, sourceColumn, lang string) (table.Cell, error) {
	if _, ok := t.ColumnByID(sourceColumn); !ok {
		return errorCell(), table.Generationf(nil, "column %q: source column %q does not exist", col.ID, sourceColumn)
	}
	value, _ := row.Value(sourceColumn)
	code := extractCodeBlock(value, lang)
	return table.Cell{Value: code, State: table.CellDone}, nil
}

// extractCodeBlock returns the first fenced code block, preferring fences
// tagged with lang when given. Without any fence the whole trimmed value is
// treated as code.
func extractCodeBlock(text, lang string) string {
	rest := text
	var untagged string
	for {
		start := strings.Index(rest, "```")
		if start == -1 {
			break
		}
		rest = rest[start+3:]
		nl := strings.IndexByte(rest, '\n')
		if nl == -1 {
			break
		}
		tag := strings.TrimSpace(rest[:nl])
		body := rest[nl+1:]
		end := strings.Index(body, "```")
		if end == -1 {
			break
		}
		block := strings.TrimRight(body[:end], "\n")
		if lang == "" || tag == lang {
			return block
		}
		if untagged == "" && tag == "" {
			untagged = block
		}
		rest = body[end+3:]
	}
	if untagged != "" {
		return untagged
	}
	return strings.TrimSpace(text)
}

// executeEmbed embeds the source column's value and stores the vector as a
// base64-encoded float32 blob, the same encoding the chunk store uses.
func (e *Executor) executeEmbed(ctx context.Context, t table.Table, row table.Row, cfg *table.EmbedGenConfig) (table.Cell, error) {
	if _, ok := t.ColumnByID(cfg.SourceColumn); !ok {
		return errorCell(), table.Generationf(nil, "embedding source column %q does not exist", cfg.SourceColumn)
	}
	value, _ := row.Value(cfg.SourceColumn)
	if value == "" {
		return table.Cell{Value: "", State: table.CellDone}, nil
	}

	vecs, err := e.api.Embed(ctx, cfg.Model, []string{value})
	if err != nil {
		return errorCell(), err
	}
	encoded := base64.StdEncoding.EncodeToString(storage.EncodeVector(vecs[0]))
	return table.Cell{Value: encoded, State: table.CellDone}, nil
}

// executeImage renders the prompt template and requests a single image. The
// result is delivered as one chunk event since image APIs do not stream.
func (e *Executor) executeImage(ctx context.Context, row table.Row, col table.Column, cfg *table.ImageGenConfig, emit Emitter) (table.Cell, error) {
	prompt := Render(cfg.Prompt, row.Cells)
	url, err := e.api.GenerateImage(ctx, cfg.Model, prompt)
	if err != nil {
		emitError(emit, row.ID, col.ID, err)
		return errorCell(), err
	}
	if emit != nil {
		emit(ChunkEvent{
			Object:           objectChunk,
			RowID:            row.ID,
			OutputColumnName: col.ID,
			Choices:          []Choice{{Message: ChoiceMessage{Content: url}, FinishReason: "stop"}},
		})
	}
	return table.Cell{Value: url, State: table.CellDone}, nil
}

// errorCell is the terminal cell for a failed generation: always empty so a
// truncated result cannot be mistaken for a complete one.
func errorCell() table.Cell {
	return table.Cell{Value: "", State: table.CellError}
}

// emitError delivers the in-band error chunk that terminates a stream.
func emitError(emit Emitter, rowID, columnID string, err error) {
	if emit == nil {
		return
	}
	emit(ChunkEvent{
		Object:           objectChunk,
		RowID:            rowID,
		OutputColumnName: columnID,
		Choices: []Choice{{
			Message:      ChoiceMessage{Content: err.Error()},
			FinishReason: finishError,
		}},
	})
}
