// Package index maintains the three per-table indexes (vector, full-text,
// scalar) behind hybrid search. Each index kind records the time its build
// *started* so a build that crashes midway is still detectably stale when
// compared against the table's data modification time.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/gentable/internal/storage"
	"github.com/kalambet/gentable/internal/table"
)

// Kind names one of the independently-built index kinds.
type Kind string

const (
	KindVector Kind = "vec"
	KindFTS    Kind = "fts"
	KindScalar Kind = "sca"
)

const (
	queryAttempts  = 3
	initialBackoff = 50 * time.Millisecond
)

// Hit is one index query result: a chunk identity with its raw score.
// Seq is carried for deterministic tie-breaking by insertion order.
type Hit struct {
	ChunkID string
	Seq     int64
	Score   float64
}

// Manager owns index builds and queries for every knowledge table.
type Manager struct {
	store *storage.Store

	mu     sync.Mutex
	builds map[string]*sync.Mutex // per-table build serialization

	cacheMu sync.RWMutex
	caches  map[string][]vectorEntry // table ID -> embedding cache
}

type vectorEntry struct {
	chunkID   string
	seq       int64
	embedding []float32
}

// NewManager creates a Manager over the given store.
func NewManager(store *storage.Store) *Manager {
	return &Manager{
		store:  store,
		builds: make(map[string]*sync.Mutex),
		caches: make(map[string][]vectorEntry),
	}
}

func (m *Manager) buildLock(tableID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.builds[tableID]
	if !ok {
		l = &sync.Mutex{}
		m.builds[tableID] = l
	}
	return l
}

// BuildIndex (re)builds one index kind for a table. The indexed_at timestamp
// is recorded at build start, not completion. A failed build leaves the
// index in missing state.
func (m *Manager) BuildIndex(ctx context.Context, tableID string, kind Kind) error {
	lock := m.buildLock(tableID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now().UTC()
	if err := m.store.SetIndexedAt(tableID, string(kind), &start); err != nil {
		return fmt.Errorf("recording build start: %w", err)
	}

	var err error
	switch kind {
	case KindVector:
		err = m.buildVector(ctx, tableID)
	case KindFTS:
		err = m.buildFTS(ctx, tableID)
	case KindScalar:
		err = m.buildScalar(ctx, tableID)
	default:
		err = fmt.Errorf("unknown index kind %q", kind)
	}

	if err != nil {
		if clearErr := m.store.SetIndexedAt(tableID, string(kind), nil); clearErr != nil {
			slog.Error("clearing index timestamp after failed build",
				"table", tableID, "kind", string(kind), "error", clearErr)
		}
		return fmt.Errorf("building %s index for %s: %w", kind, tableID, err)
	}

	slog.Debug("index build complete",
		"table", tableID, "kind", string(kind), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// state reports the index's freshness for the given table metadata.
type state int

const (
	stateFresh state = iota
	stateStale
	stateMissing
)

func indexState(t table.Table, kind Kind) state {
	var at *time.Time
	switch kind {
	case KindVector:
		at = t.IndexedAtVec
	case KindFTS:
		at = t.IndexedAtFTS
	case KindScalar:
		at = t.IndexedAtSca
	}
	if at == nil {
		return stateMissing
	}
	if at.Before(t.UpdatedAt) {
		return stateStale
	}
	return stateFresh
}

// ensureFresh triggers exactly one forced synchronous rebuild when the
// index is missing or stale, then reports whether it is usable.
func (m *Manager) ensureFresh(ctx context.Context, tableID string, kind Kind) error {
	t, err := m.store.GetTable(tableID)
	if err != nil {
		return err
	}
	if indexState(t, kind) == stateFresh && m.loaded(tableID, kind) {
		return nil
	}
	slog.Debug("index missing or stale, forcing rebuild", "table", tableID, "kind", string(kind))
	return m.BuildIndex(ctx, tableID, kind)
}

// loaded reports whether the in-process side of an index is present. The
// vector index lives in memory, so a fresh persisted timestamp written by a
// previous process is not enough: the cache must be rebuilt before the
// first query or the scan would silently come up empty.
func (m *Manager) loaded(tableID string, kind Kind) bool {
	if kind != KindVector {
		return true
	}
	m.cacheMu.RLock()
	_, ok := m.caches[tableID]
	m.cacheMu.RUnlock()
	return ok
}

// retryable reports whether a query error is transient (index concurrently
// being rebuilt, database briefly locked) and worth retrying with backoff.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "locked") ||
		strings.Contains(msg, "busy") ||
		strings.Contains(msg, "no such table: chunks_fts")
}

// withRetry runs fn up to queryAttempts times with exponential backoff on
// transient errors before surfacing a retrieval error.
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < queryAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		backoff := initialBackoff << attempt
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return table.Retrievalf(lastErr, "index query failed after %d attempts", queryAttempts)
}
