package index

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kalambet/gentable/internal/table"
)

// The FTS index is a single FTS5 table rowid-aligned with the chunks table.
// Per-table lifecycle (build, staleness, incremental delta) is tracked in
// the owning table's indexed_at_fts; queries filter by table_id on the join.
// Lexical search cannot be restricted to individual text columns, so the
// engine queries once over all indexed text and derives any per-column
// relevance downstream instead of looping per column.
const ftsSchema = `CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
	text_chunk,
	tokenize='porter unicode61'
)`

// buildFTS (re)populates the FTS rows belonging to one table.
func (m *Manager) buildFTS(ctx context.Context, tableID string) error {
	db := m.store.DB()
	if _, err := db.ExecContext(ctx, ftsSchema); err != nil {
		return fmt.Errorf("creating fts table: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks_fts WHERE rowid IN (SELECT rowid FROM chunks WHERE table_id = ?)`, tableID); err != nil {
		return fmt.Errorf("clearing fts rows: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO chunks_fts(rowid, text_chunk) SELECT rowid, text_chunk FROM chunks WHERE table_id = ?`, tableID); err != nil {
		return fmt.Errorf("populating fts rows: %w", err)
	}
	return tx.Commit()
}

// QueryFTS returns up to k chunks lexically matching text, ranked by BM25.
// The query string is escaped so reserved FTS5 syntax (quotes, wildcards,
// column operators, uppercase keywords) matches as literal text. A missing
// or stale index triggers exactly one forced synchronous rebuild before the
// query is retried.
func (m *Manager) QueryFTS(ctx context.Context, tableID string, text string, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	match := EscapeQuery(text)
	if match == "" {
		return nil, nil
	}

	if err := m.ensureFresh(ctx, tableID, KindFTS); err != nil {
		return nil, err
	}

	var hits []Hit
	err := withRetry(ctx, func() error {
		var qErr error
		hits, qErr = m.ftsQuery(ctx, tableID, match, k)
		return qErr
	})
	return hits, err
}

func (m *Manager) ftsQuery(ctx context.Context, tableID, match string, k int) ([]Hit, error) {
	rows, err := m.store.DB().QueryContext(ctx, `
		SELECT c.id, c.seq, rank
		FROM chunks_fts
		JOIN chunks c ON c.rowid = chunks_fts.rowid
		WHERE chunks_fts MATCH ? AND c.table_id = ?
		ORDER BY rank
		LIMIT ?`, match, tableID, k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var rank float64
		if err := rows.Scan(&h.ChunkID, &h.Seq, &rank); err != nil {
			return nil, fmt.Errorf("scanning fts row: %w", err)
		}
		// FTS5 rank is a BM25-derived value where lower sorts better.
		// Normalize to a monotonically decreasing positive score.
		h.Score = 1.0 / (1.0 + math.Abs(rank))
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// EscapeQuery turns arbitrary user text into an FTS5 MATCH expression that
// matches the literal terms. Every token is double-quoted, which neutralizes
// operators (*, ^, :, NEAR) and keeps uppercase keywords like AND or NOT
// from being parsed as structured directives. Tokens are OR-joined so
// partial matches still rank.
func EscapeQuery(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Map(func(r rune) rune {
			// Drop characters FTS5 refuses even inside quoted strings.
			if r < 0x20 {
				return -1
			}
			return r
		}, f)
		f = strings.ReplaceAll(f, `"`, `""`)
		if f == "" {
			continue
		}
		parts = append(parts, `"`+f+`"`)
	}
	return strings.Join(parts, " OR ")
}

// UpdateForInsert applies freshly inserted chunks to every index kind that
// already exists, as an incremental delta instead of a full rebuild. The
// timestamps are re-recorded at the delta's start so the indexes read fresh
// against the table's new updated_at.
func (m *Manager) UpdateForInsert(ctx context.Context, tableID string, chunks []table.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	t, err := m.store.GetTable(tableID)
	if err != nil {
		return err
	}
	start := time.Now().UTC()

	if t.IndexedAtFTS != nil {
		ids := make([]any, 0, len(chunks)+1)
		ids = append(ids, tableID)
		placeholders := make([]string, 0, len(chunks))
		for _, c := range chunks {
			ids = append(ids, c.ID)
			placeholders = append(placeholders, "?")
		}
		in := strings.Join(placeholders, ",")
		// A forced rebuild may already have indexed these rowids; clear
		// them first so the delta stays idempotent.
		_, err := m.store.DB().ExecContext(ctx, `
			DELETE FROM chunks_fts WHERE rowid IN
			(SELECT rowid FROM chunks WHERE table_id = ? AND id IN (`+in+`))`,
			ids...)
		if err != nil {
			return fmt.Errorf("fts delta clear: %w", err)
		}
		_, err = m.store.DB().ExecContext(ctx, `
			INSERT INTO chunks_fts(rowid, text_chunk)
			SELECT rowid, text_chunk FROM chunks WHERE table_id = ? AND id IN (`+in+`)`,
			ids...)
		if err != nil {
			return fmt.Errorf("fts delta insert: %w", err)
		}
		if err := m.store.SetIndexedAt(tableID, string(KindFTS), &start); err != nil {
			return err
		}
	}

	if t.IndexedAtVec != nil {
		entries, err := m.loadEntries(ctx, tableID, chunks)
		if err != nil {
			return err
		}
		m.updateVectorForInsert(tableID, entries)
		if err := m.store.SetIndexedAt(tableID, string(KindVector), &start); err != nil {
			return err
		}
	}

	// Scalar b-tree indexes are maintained by SQLite itself; only the
	// freshness timestamp needs the bump.
	if t.IndexedAtSca != nil {
		if err := m.store.SetIndexedAt(tableID, string(KindScalar), &start); err != nil {
			return err
		}
	}
	return nil
}

// UpdateForDelete removes deleted chunks from every existing index kind.
// rowids are the chunks' SQLite rowids captured before deletion.
func (m *Manager) UpdateForDelete(ctx context.Context, tableID string, chunkIDs []string, rowids []int64) error {
	t, err := m.store.GetTable(tableID)
	if err != nil {
		return err
	}
	start := time.Now().UTC()

	if t.IndexedAtFTS != nil && len(rowids) > 0 {
		for _, rowid := range rowids {
			if _, err := m.store.DB().ExecContext(ctx, `DELETE FROM chunks_fts WHERE rowid = ?`, rowid); err != nil {
				return fmt.Errorf("fts delta delete: %w", err)
			}
		}
		if err := m.store.SetIndexedAt(tableID, string(KindFTS), &start); err != nil {
			return err
		}
	}

	if t.IndexedAtVec != nil && len(chunkIDs) > 0 {
		deleted := make(map[string]bool, len(chunkIDs))
		for _, id := range chunkIDs {
			deleted[id] = true
		}
		m.updateVectorForDelete(tableID, deleted)
		if err := m.store.SetIndexedAt(tableID, string(KindVector), &start); err != nil {
			return err
		}
	}

	if t.IndexedAtSca != nil {
		if err := m.store.SetIndexedAt(tableID, string(KindScalar), &start); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) loadEntries(ctx context.Context, tableID string, chunks []table.Chunk) ([]vectorEntry, error) {
	ids := make([]string, 0, len(chunks))
	for _, c := range chunks {
		ids = append(ids, c.ID)
	}
	stored, err := m.store.GetChunks(tableID, ids)
	if err != nil {
		return nil, err
	}
	var entries []vectorEntry
	for _, c := range stored {
		if len(c.Embedding) == 0 {
			continue
		}
		entries = append(entries, vectorEntry{chunkID: c.ID, seq: c.Seq, embedding: c.Embedding})
	}
	return entries, nil
}
