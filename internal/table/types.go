package table

import (
	"time"
)

// Kind distinguishes the three table flavours the engine manages.
type Kind string

const (
	KindAction    Kind = "action"
	KindKnowledge Kind = "knowledge"
	KindChat      Kind = "chat"
)

// DType is the declared type of a column's cells.
type DType string

const (
	DTypeStr    DType = "str"
	DTypeInt    DType = "int"
	DTypeFloat  DType = "float"
	DTypeBool   DType = "bool"
	DTypeImage  DType = "image"
	DTypeAudio  DType = "audio"
	DTypeFile   DType = "file"
	DTypeVector DType = "vector"
)

// Table is the persisted metadata for one generative table. The cell data
// itself lives in per-table row storage.
type Table struct {
	ID       string `json:"id"`
	Kind     Kind   `json:"kind"`
	ParentID string `json:"parent_id,omitempty"`

	Columns []Column `json:"cols"`

	// LockTill marks the end of an in-progress exclusive mutation window
	// as epoch seconds. It is a persisted value, not an in-memory mutex,
	// so lock state survives process restarts.
	LockTill int64 `json:"lock_till"`

	// IndexedAt* record when the corresponding index build *started*.
	// A nil timestamp means the index is missing.
	IndexedAtFTS *time.Time `json:"indexed_at_fts,omitempty"`
	IndexedAtVec *time.Time `json:"indexed_at_vec,omitempty"`
	IndexedAtSca *time.Time `json:"indexed_at_sca,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Column describes one column of a table. Output columns carry a non-nil
// GenConfig; plain input columns have GenConfig == nil.
type Column struct {
	ID        string    `json:"id"`
	DType     DType     `json:"dtype"`
	GenConfig GenConfig `json:"gen_config,omitempty"`
}

// ColumnByID returns the column with the given id, or false if absent.
func (t *Table) ColumnByID(id string) (Column, bool) {
	for _, c := range t.Columns {
		if c.ID == id {
			return c, true
		}
	}
	return Column{}, false
}

// OutputColumns returns the columns carrying a gen_config, in table order.
// Table order is the dependency order for generation.
func (t *Table) OutputColumns() []Column {
	var out []Column
	for _, c := range t.Columns {
		if c.GenConfig != nil {
			out = append(out, c)
		}
	}
	return out
}

// Locked reports whether the exclusive mutation window is open at now.
func (t *Table) Locked(now time.Time) bool {
	return t.LockTill > now.Unix()
}

// CellState tracks the generation lifecycle of one cell, distinct from its
// content.
type CellState string

const (
	CellPending   CellState = "pending"
	CellStreaming CellState = "streaming"
	CellDone      CellState = "done"
	CellError     CellState = "error"
)

// Cell is one value in a row. A cell in error state always holds the empty
// value so a truncated generation cannot be mistaken for a complete one.
type Cell struct {
	Value string    `json:"value"`
	State CellState `json:"state,omitempty"`
}

// Row maps column IDs to cells. Seq is the insertion position within the
// table and defines chronological order for chat history reconstruction.
type Row struct {
	ID        string          `json:"id"`
	TableID   string          `json:"table_id"`
	Seq       int64           `json:"seq"`
	Cells     map[string]Cell `json:"cells"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Value returns the cell value for a column and whether the cell exists.
func (r *Row) Value(columnID string) (string, bool) {
	c, ok := r.Cells[columnID]
	if !ok {
		return "", false
	}
	return c.Value, true
}

// Chunk is a knowledge-table row: one retrievable unit of document content.
// Context carries the arbitrary structured columns contributed by the
// source document.
type Chunk struct {
	ID        string            `json:"chunk_id"`
	TableID   string            `json:"table_id"`
	Text      string            `json:"text"`
	Title     string            `json:"title,omitempty"`
	Page      int               `json:"page,omitempty"`
	FileID    string            `json:"file_id,omitempty"`
	Embedding []float32         `json:"-"`
	Context   map[string]string `json:"context,omitempty"`
	Seq       int64             `json:"-"`
	CreatedAt time.Time         `json:"-"`
}
