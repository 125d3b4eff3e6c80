// Package controller serializes conflicting operations on shared tables:
// schema mutations take the table's exclusive lock window, row generation
// runs in parallel across rows but strictly serialized per row.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/gentable/internal/executor"
	"github.com/kalambet/gentable/internal/storage"
	"github.com/kalambet/gentable/internal/table"
)

const (
	// maxBatchRows caps a single add/regen request. Oversized batches are
	// rejected before any generation begins.
	maxBatchRows = 100

	// lockWindow is how long a schema mutation holds the table exclusively.
	lockWindow = 30 * time.Second

	rowConcurrency = 8
)

// Controller owns table lifecycle and row generation scheduling.
type Controller struct {
	store *storage.Store
	exec  *executor.Executor

	mu       sync.Mutex
	rowLocks map[string]*sync.Mutex
}

// New creates a Controller over the given store and executor.
func New(store *storage.Store, exec *executor.Executor) *Controller {
	return &Controller{
		store:    store,
		exec:     exec,
		rowLocks: make(map[string]*sync.Mutex),
	}
}

// rowLock returns the in-process mutex serializing writes to one row. Locks
// are never released back to the map; row counts are small relative to the
// process lifetime.
func (c *Controller) rowLock(tableID, rowID string) *sync.Mutex {
	key := tableID + "/" + rowID
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.rowLocks[key]
	if !ok {
		l = &sync.Mutex{}
		c.rowLocks[key] = l
	}
	return l
}

// knowledgeLookup builds the table.KnowledgeLookup used by gen_config
// validation against current state.
func (c *Controller) knowledgeLookup() table.KnowledgeLookup {
	return func(tableID string) bool {
		t, err := c.store.GetTable(tableID)
		return err == nil && t.Kind == table.KindKnowledge
	}
}

// CreateTable validates the schema and persists a new table.
func (c *Controller) CreateTable(t table.Table) (table.Table, error) {
	if t.ID == "" {
		return table.Table{}, table.Validationf("table id must not be empty")
	}
	if err := table.ValidateColumns(t.Columns, c.knowledgeLookup()); err != nil {
		return table.Table{}, err
	}
	if err := c.store.CreateTable(t); err != nil {
		return table.Table{}, err
	}
	return c.store.GetTable(t.ID)
}

// GetTable returns a table by ID.
func (c *Controller) GetTable(id string) (table.Table, error) {
	return c.store.GetTable(id)
}

// ListTables returns all tables of a kind, or all tables when kind is empty.
func (c *Controller) ListTables(kind table.Kind) ([]table.Table, error) {
	return c.store.ListTables(kind)
}

// DeleteTable removes the table and all its rows and chunks.
func (c *Controller) DeleteTable(id string) error {
	return c.withSchemaLock(id, func(table.Table) error {
		return c.store.DeleteTable(id)
	})
}

// UpdateColumns replaces the table's schema under the exclusive mutation
// window. A concurrent open window yields a retryable concurrency error.
func (c *Controller) UpdateColumns(id string, cols []table.Column) (table.Table, error) {
	err := c.withSchemaLock(id, func(table.Table) error {
		if err := table.ValidateColumns(cols, c.knowledgeLookup()); err != nil {
			return err
		}
		return c.store.UpdateColumns(id, cols)
	})
	if err != nil {
		return table.Table{}, err
	}
	return c.store.GetTable(id)
}

// withSchemaLock runs fn while holding the table's lock_till window. The
// window is a persisted CAS, so it also excludes mutations from other
// processes sharing the database.
func (c *Controller) withSchemaLock(id string, fn func(table.Table) error) error {
	t, err := c.store.GetTable(id)
	if err != nil {
		return mapStoreErr(err, id)
	}

	if err := c.store.AcquireLock(id, time.Now().Add(lockWindow)); err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			return table.Concurrencyf("table %s: another schema mutation is in progress", id)
		}
		return mapStoreErr(err, id)
	}
	defer c.store.ReleaseLock(id)

	return fn(t)
}

func mapStoreErr(err error, tableID string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return table.Validationf("table %s does not exist", tableID)
	}
	return err
}

// AddRows inserts the payloads as new rows and generates every output
// column for each. The whole batch is accepted or rejected atomically
// before any row is created.
func (c *Controller) AddRows(ctx context.Context, tableID string, payloads []map[string]string, emit executor.Emitter) ([]table.Row, error) {
	t, err := c.prepare(tableID, len(payloads), nil)
	if err != nil {
		return nil, err
	}

	for _, payload := range payloads {
		for colID := range payload {
			if _, ok := t.ColumnByID(colID); !ok {
				return nil, table.Validationf("table %s has no column %q", tableID, colID)
			}
		}
	}

	rows := make([]table.Row, len(payloads))
	for i, payload := range payloads {
		cells := make(map[string]table.Cell, len(payload))
		for colID, value := range payload {
			cells[colID] = table.Cell{Value: value, State: table.CellDone}
		}
		for _, col := range t.OutputColumns() {
			if _, ok := cells[col.ID]; !ok {
				cells[col.ID] = table.Cell{State: table.CellPending}
			}
		}
		row, err := c.store.InsertRow(table.Row{ID: uuid.NewString(), TableID: tableID, Cells: cells})
		if err != nil {
			return nil, err
		}
		rows[i] = row
	}

	return c.generate(ctx, t, rows, t.OutputColumns(), emit)
}

// RegenRows re-runs generation for existing rows. When outputColumnIDs is
// non-empty only those columns regenerate; they must all exist as output
// columns, checked synchronously before any work is dispatched.
func (c *Controller) RegenRows(ctx context.Context, tableID string, rowIDs []string, outputColumnIDs []string, emit executor.Emitter) ([]table.Row, error) {
	t, err := c.prepare(tableID, len(rowIDs), outputColumnIDs)
	if err != nil {
		return nil, err
	}

	cols := t.OutputColumns()
	if len(outputColumnIDs) > 0 {
		cols = cols[:0:0]
		for _, id := range outputColumnIDs {
			col, _ := t.ColumnByID(id)
			cols = append(cols, col)
		}
	}

	rows := make([]table.Row, len(rowIDs))
	for i, rowID := range rowIDs {
		row, err := c.store.GetRow(tableID, rowID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil, table.Validationf("table %s has no row %q", tableID, rowID)
			}
			return nil, err
		}
		rows[i] = row
	}

	return c.generate(ctx, t, rows, cols, emit)
}

// prepare runs every synchronous guard: batch size, table existence, the
// open mutation window, and the named output columns.
func (c *Controller) prepare(tableID string, batch int, outputColumnIDs []string) (table.Table, error) {
	if batch == 0 {
		return table.Table{}, table.Validationf("request contains no rows")
	}
	if batch > maxBatchRows {
		return table.Table{}, table.Validationf("batch of %d rows exceeds the maximum of %d", batch, maxBatchRows)
	}

	t, err := c.store.GetTable(tableID)
	if err != nil {
		return table.Table{}, mapStoreErr(err, tableID)
	}
	if t.Locked(time.Now()) {
		return table.Table{}, table.Concurrencyf("table %s: schema mutation window is open", tableID)
	}

	for _, id := range outputColumnIDs {
		col, ok := t.ColumnByID(id)
		if !ok {
			return table.Table{}, table.Validationf("table %s has no column %q", tableID, id)
		}
		if col.GenConfig == nil {
			return table.Table{}, table.Validationf("column %q is not an output column", id)
		}
	}
	return t, nil
}

// generate runs the output columns for every row: parallel across rows,
// serialized per row, columns in table order so later columns see earlier
// columns' fresh values. A cell failure marks that cell and moves on;
// sibling rows and columns are unaffected.
func (c *Controller) generate(ctx context.Context, t table.Table, rows []table.Row, cols []table.Column, emit executor.Emitter) ([]table.Row, error) {
	emit = serializeEmitter(emit)

	out := make([]table.Row, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rowConcurrency)
	for i, row := range rows {
		g.Go(func() error {
			lock := c.rowLock(t.ID, row.ID)
			lock.Lock()
			defer lock.Unlock()

			for _, col := range cols {
				if err := gctx.Err(); err != nil {
					return err
				}
				cell, err := c.exec.ExecuteColumn(gctx, t, row, col, emit)
				if err != nil {
					cell = table.Cell{State: table.CellError}
				}
				row.Cells[col.ID] = cell
				if err := c.store.UpdateCells(t.ID, row.ID, map[string]table.Cell{col.ID: cell}); err != nil {
					return err
				}
			}
			out[i] = row
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// serializeEmitter guards a shared emitter against interleaved writes from
// concurrent row goroutines. Chunk order stays strict within one generation.
func serializeEmitter(emit executor.Emitter) executor.Emitter {
	if emit == nil {
		return nil
	}
	var mu sync.Mutex
	return func(ev executor.ChunkEvent) {
		mu.Lock()
		defer mu.Unlock()
		emit(ev)
	}
}
