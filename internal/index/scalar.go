package index

import (
	"context"
	"fmt"
	"strings"
)

// Scalar indexing is realized as SQLite b-tree indexes over the structured
// chunk columns. Builds are idempotent; SQLite keeps the trees current on
// write, so only the freshness timestamp needs explicit maintenance.
var scalarIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_chunks_file ON chunks(table_id, file_id)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_title ON chunks(table_id, title)`,
	`CREATE INDEX IF NOT EXISTS idx_chunks_page ON chunks(table_id, page)`,
}

func (m *Manager) buildScalar(ctx context.Context, tableID string) error {
	for _, stmt := range scalarIndexes {
		if _, err := m.store.DB().ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating scalar index: %w", err)
		}
	}
	return nil
}

// ScalarFilter is a structured predicate over chunk metadata columns.
type ScalarFilter struct {
	FileID string
	Title  string
	Page   int // 0 means any page
}

// QueryScalar returns chunk IDs matching the structured filter, in
// insertion order.
func (m *Manager) QueryScalar(ctx context.Context, tableID string, f ScalarFilter, k int) ([]Hit, error) {
	if err := m.ensureFresh(ctx, tableID, KindScalar); err != nil {
		return nil, err
	}

	conds := []string{"table_id = ?"}
	args := []any{tableID}
	if f.FileID != "" {
		conds = append(conds, "file_id = ?")
		args = append(args, f.FileID)
	}
	if f.Title != "" {
		conds = append(conds, "title = ?")
		args = append(args, f.Title)
	}
	if f.Page > 0 {
		conds = append(conds, "page = ?")
		args = append(args, f.Page)
	}
	if k <= 0 {
		k = 100
	}
	args = append(args, k)

	var hits []Hit
	err := withRetry(ctx, func() error {
		rows, err := m.store.DB().QueryContext(ctx, `
			SELECT id, seq FROM chunks WHERE `+strings.Join(conds, " AND ")+`
			ORDER BY seq ASC LIMIT ?`, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		hits = hits[:0]
		for rows.Next() {
			var h Hit
			if err := rows.Scan(&h.ChunkID, &h.Seq); err != nil {
				return fmt.Errorf("scanning scalar row: %w", err)
			}
			h.Score = 1
			hits = append(hits, h)
		}
		return rows.Err()
	})
	return hits, err
}
