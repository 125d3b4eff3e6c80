package storage

import (
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/kalambet/gentable/internal/table"
)

// InsertChunks appends knowledge chunks to a table and bumps the table's
// updated_at so index staleness checks see the new data.
func (s *Store) InsertChunks(tableID string, chunks []table.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM chunks WHERE table_id = ?`, tableID).Scan(&maxSeq); err != nil {
		return fmt.Errorf("reading max seq: %w", err)
	}
	seq := maxSeq.Int64

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (id, table_id, seq, text_chunk, title, page, file_id, embedding, context_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		seq++
		var blob any
		if len(c.Embedding) > 0 {
			blob = EncodeVector(c.Embedding)
		}
		ctxJSON := "{}"
		if len(c.Context) > 0 {
			data, err := json.Marshal(c.Context)
			if err != nil {
				return fmt.Errorf("marshalling context for chunk %s: %w", c.ID, err)
			}
			ctxJSON = string(data)
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(c.ID, tableID, seq, c.Text, c.Title, c.Page, c.FileID, blob, ctxJSON,
			createdAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}

	if _, err := tx.Exec(`UPDATE tables SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), tableID); err != nil {
		return fmt.Errorf("touching table: %w", err)
	}
	return tx.Commit()
}

// SetChunkEmbedding stores the vector for one chunk.
func (s *Store) SetChunkEmbedding(chunkID string, vec []float32) error {
	res, err := s.db.Exec(`UPDATE chunks SET embedding = ? WHERE id = ?`, EncodeVector(vec), chunkID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// GetChunks returns chunks matching the given IDs.
func (s *Store) GetChunks(tableID string, ids []string) ([]table.Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, tableID)
	for _, id := range ids {
		args = append(args, id)
	}
	query := `SELECT id, table_id, seq, text_chunk, title, page, file_id, embedding, context_json, created_at
		FROM chunks WHERE table_id = ? AND id IN (?` + strings.Repeat(",?", len(ids)-1) + `)`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

// ListChunks returns all chunks of a table in insertion order.
func (s *Store) ListChunks(tableID string) ([]table.Chunk, error) {
	rows, err := s.db.Query(`
		SELECT id, table_id, seq, text_chunk, title, page, file_id, embedding, context_json, created_at
		FROM chunks WHERE table_id = ? ORDER BY seq ASC`, tableID)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

// DeleteChunk removes one chunk and bumps the table's updated_at.
// Returns the deleted chunk's rowid so the FTS index can be updated
// incrementally instead of rebuilt.
func (s *Store) DeleteChunk(tableID, chunkID string) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var rowid int64
	err = tx.QueryRow(`SELECT rowid FROM chunks WHERE table_id = ? AND id = ?`, tableID, chunkID).Scan(&rowid)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}

	if _, err := tx.Exec(`DELETE FROM chunks WHERE table_id = ? AND id = ?`, tableID, chunkID); err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`UPDATE tables SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), tableID); err != nil {
		return 0, err
	}
	return rowid, tx.Commit()
}

// DeleteChunksByFile removes every chunk contributed by one source document.
// Returns the deleted rowids for incremental FTS maintenance.
func (s *Store) DeleteChunksByFile(tableID, fileID string) ([]int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT rowid FROM chunks WHERE table_id = ? AND file_id = ?`, tableID, fileID)
	if err != nil {
		return nil, err
	}
	var rowids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		rowids = append(rowids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(`DELETE FROM chunks WHERE table_id = ? AND file_id = ?`, tableID, fileID); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`UPDATE tables SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), tableID); err != nil {
		return nil, err
	}
	return rowids, tx.Commit()
}

// CountChunks returns the number of chunks in a table.
func (s *Store) CountChunks(tableID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks WHERE table_id = ?`, tableID).Scan(&n)
	return n, err
}

func collectChunks(rows *sql.Rows) ([]table.Chunk, error) {
	var chunks []table.Chunk
	for rows.Next() {
		var c table.Chunk
		var blob []byte
		var ctxJSON, createdAt string
		if err := rows.Scan(&c.ID, &c.TableID, &c.Seq, &c.Text, &c.Title, &c.Page, &c.FileID, &blob, &ctxJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		if len(blob) > 0 {
			vec, err := DecodeVector(blob)
			if err != nil {
				return nil, fmt.Errorf("decoding embedding for %s: %w", c.ID, err)
			}
			c.Embedding = vec
		}
		if ctxJSON != "" && ctxJSON != "{}" {
			if err := json.Unmarshal([]byte(ctxJSON), &c.Context); err != nil {
				return nil, fmt.Errorf("parsing context for %s: %w", c.ID, err)
			}
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		c.CreatedAt = t
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// EncodeVector serializes a float32 slice to little-endian bytes.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes little-endian bytes into a new float32 slice.
// Returns an error if the byte slice length is not a multiple of 4
// (indicates data corruption).
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	v := make([]float32, n)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// DecodeVectorInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans.
func DecodeVectorInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}
