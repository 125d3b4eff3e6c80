package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/gentable/internal/table"
)

// InsertRow appends a row to a table, assigning the next sequence number.
// Returns the stored row with Seq populated.
func (s *Store) InsertRow(r table.Row) (table.Row, error) {
	cells, err := json.Marshal(r.Cells)
	if err != nil {
		return table.Row{}, fmt.Errorf("marshalling cells: %w", err)
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return table.Row{}, err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(seq) FROM rows WHERE table_id = ?`, r.TableID).Scan(&maxSeq); err != nil {
		return table.Row{}, fmt.Errorf("reading max seq: %w", err)
	}
	r.Seq = maxSeq.Int64 + 1

	_, err = tx.Exec(`
		INSERT INTO rows (id, table_id, seq, cells_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.TableID, r.Seq, string(cells),
		r.CreatedAt.Format(time.RFC3339Nano), r.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return table.Row{}, fmt.Errorf("inserting row %s: %w", r.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return table.Row{}, err
	}
	return r, nil
}

// GetRow loads one row by ID.
func (s *Store) GetRow(tableID, rowID string) (table.Row, error) {
	row := s.db.QueryRow(`
		SELECT id, table_id, seq, cells_json, created_at, updated_at
		FROM rows WHERE table_id = ? AND id = ?`, tableID, rowID)
	return scanRow(row)
}

// ListRows returns a table's rows in insertion order. limit <= 0 means all.
func (s *Store) ListRows(tableID string, limit int) ([]table.Row, error) {
	query := `SELECT id, table_id, seq, cells_json, created_at, updated_at
		FROM rows WHERE table_id = ? ORDER BY seq ASC`
	args := []any{tableID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []table.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRowsBefore returns rows with seq strictly below the given sequence,
// in ascending order, capped to the most recent `window` rows. Used for
// chat history reconstruction: rows positioned after the regenerated row
// must never appear, even though they exist in storage.
func (s *Store) ListRowsBefore(tableID string, seq int64, window int) ([]table.Row, error) {
	query := `SELECT id, table_id, seq, cells_json, created_at, updated_at
		FROM (
			SELECT id, table_id, seq, cells_json, created_at, updated_at
			FROM rows WHERE table_id = ? AND seq < ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`
	if window <= 0 {
		window = 1 << 30
	}
	rows, err := s.db.Query(query, tableID, seq, window)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []table.Row
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateCells overwrites the given cells on a row, leaving others intact.
func (s *Store) UpdateCells(tableID, rowID string, cells map[string]table.Cell) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var cellsJSON string
	err = tx.QueryRow(`SELECT cells_json FROM rows WHERE table_id = ? AND id = ?`, tableID, rowID).Scan(&cellsJSON)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	existing := make(map[string]table.Cell)
	if err := json.Unmarshal([]byte(cellsJSON), &existing); err != nil {
		return fmt.Errorf("parsing cells for row %s: %w", rowID, err)
	}
	for col, cell := range cells {
		existing[col] = cell
	}
	merged, err := json.Marshal(existing)
	if err != nil {
		return fmt.Errorf("marshalling cells: %w", err)
	}

	_, err = tx.Exec(`UPDATE rows SET cells_json = ?, updated_at = ? WHERE table_id = ? AND id = ?`,
		string(merged), time.Now().UTC().Format(time.RFC3339Nano), tableID, rowID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteRow removes one row.
func (s *Store) DeleteRow(tableID, rowID string) error {
	res, err := s.db.Exec(`DELETE FROM rows WHERE table_id = ? AND id = ?`, tableID, rowID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CountRows returns the number of rows in a table.
func (s *Store) CountRows(tableID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM rows WHERE table_id = ?`, tableID).Scan(&n)
	return n, err
}

func scanRow(r rowScanner) (table.Row, error) {
	var row table.Row
	var cellsJSON, createdAt, updatedAt string
	err := r.Scan(&row.ID, &row.TableID, &row.Seq, &cellsJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return table.Row{}, ErrNotFound
	}
	if err != nil {
		return table.Row{}, err
	}
	if err := json.Unmarshal([]byte(cellsJSON), &row.Cells); err != nil {
		return table.Row{}, fmt.Errorf("parsing cells for row %s: %w", row.ID, err)
	}
	if row.CreatedAt, err = parseTime(createdAt); err != nil {
		return table.Row{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if row.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return table.Row{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return row, nil
}
