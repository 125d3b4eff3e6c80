package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/gentable/internal/table"
)

// CreateTable persists a new table's metadata. The caller is responsible
// for validating columns first.
func (s *Store) CreateTable(t table.Table) error {
	cols, err := json.Marshal(t.Columns)
	if err != nil {
		return fmt.Errorf("marshalling columns: %w", err)
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	var parent any
	if t.ParentID != "" {
		parent = t.ParentID
	}
	_, err = s.db.Exec(`
		INSERT INTO tables (id, kind, parent_id, columns_json, lock_till, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, string(t.Kind), parent, string(cols), t.LockTill,
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// GetTable loads one table's metadata.
func (s *Store) GetTable(id string) (table.Table, error) {
	row := s.db.QueryRow(`
		SELECT id, kind, parent_id, columns_json, lock_till,
		       indexed_at_fts, indexed_at_vec, indexed_at_sca,
		       created_at, updated_at
		FROM tables WHERE id = ?`, id)
	return scanTable(row)
}

// ListTables returns all tables of the given kind, or all tables when kind
// is empty, ordered by creation time.
func (s *Store) ListTables(kind table.Kind) ([]table.Table, error) {
	query := `SELECT id, kind, parent_id, columns_json, lock_till,
		indexed_at_fts, indexed_at_vec, indexed_at_sca, created_at, updated_at
		FROM tables`
	args := []any{}
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, string(kind))
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []table.Table
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, rows.Err()
}

// UpdateColumns replaces a table's column set and bumps updated_at. The
// caller must hold the table's mutation window.
func (s *Store) UpdateColumns(id string, cols []table.Column) error {
	data, err := json.Marshal(cols)
	if err != nil {
		return fmt.Errorf("marshalling columns: %w", err)
	}
	res, err := s.db.Exec(`UPDATE tables SET columns_json = ?, updated_at = ? WHERE id = ?`,
		string(data), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// DeleteTable removes a table along with its rows and chunks.
func (s *Store) DeleteTable(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM tables WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := requireRow(res); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM rows WHERE table_id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM chunks WHERE table_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// AcquireLock opens the table's exclusive mutation window until `till`.
// The acquisition is a conditional compare-and-set against current time:
// it succeeds only when the previous window has expired. Returns ErrLockHeld
// when another window is still open.
func (s *Store) AcquireLock(id string, till time.Time) error {
	now := time.Now().Unix()
	res, err := s.db.Exec(`UPDATE tables SET lock_till = ? WHERE id = ? AND lock_till <= ?`,
		till.Unix(), id, now)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Distinguish a missing table from a held lock.
		var exists int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM tables WHERE id = ?`, id).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrLockHeld
	}
	return nil
}

// ReleaseLock closes the mutation window early. Releasing an already-closed
// window is a no-op.
func (s *Store) ReleaseLock(id string) error {
	_, err := s.db.Exec(`UPDATE tables SET lock_till = 0 WHERE id = ?`, id)
	return err
}

// SetIndexedAt records when an index build started for the given kind
// ("fts", "vec", or "sca"). Passing a nil time clears the timestamp,
// marking the index missing.
func (s *Store) SetIndexedAt(id, kind string, at *time.Time) error {
	var col string
	switch kind {
	case "fts":
		col = "indexed_at_fts"
	case "vec":
		col = "indexed_at_vec"
	case "sca":
		col = "indexed_at_sca"
	default:
		return fmt.Errorf("unknown index kind %q", kind)
	}

	var val any
	if at != nil {
		val = at.UTC().Format(time.RFC3339Nano)
	}
	res, err := s.db.Exec(`UPDATE tables SET `+col+` = ? WHERE id = ?`, val, id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// TouchTable bumps a table's updated_at, marking its source data modified.
// Index staleness is decided by comparing indexed_at_* against this value.
func (s *Store) TouchTable(id string) error {
	res, err := s.db.Exec(`UPDATE tables SET updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTable(r rowScanner) (table.Table, error) {
	var t table.Table
	var kind, colsJSON, createdAt, updatedAt string
	var parentID, idxFTS, idxVec, idxSca sql.NullString
	err := r.Scan(&t.ID, &kind, &parentID, &colsJSON, &t.LockTill,
		&idxFTS, &idxVec, &idxSca, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return table.Table{}, ErrNotFound
	}
	if err != nil {
		return table.Table{}, err
	}

	t.Kind = table.Kind(kind)
	t.ParentID = parentID.String
	if err := json.Unmarshal([]byte(colsJSON), &t.Columns); err != nil {
		return table.Table{}, fmt.Errorf("parsing columns for table %s: %w", t.ID, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return table.Table{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return table.Table{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	if t.IndexedAtFTS, err = parseNullTime(idxFTS); err != nil {
		return table.Table{}, fmt.Errorf("parsing indexed_at_fts: %w", err)
	}
	if t.IndexedAtVec, err = parseNullTime(idxVec); err != nil {
		return table.Table{}, fmt.Errorf("parsing indexed_at_vec: %w", err)
	}
	if t.IndexedAtSca, err = parseNullTime(idxSca); err != nil {
		return table.Table{}, fmt.Errorf("parsing indexed_at_sca: %w", err)
	}
	return t, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
