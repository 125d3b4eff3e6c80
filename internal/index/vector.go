package index

import (
	"container/heap"
	"context"
	"fmt"
	"math"

	"github.com/kalambet/gentable/internal/storage"
)

// defaultRefineFactor multiplies the candidate pool scanned per vector
// query. The engine keeps it low for speed; rank fusion downstream absorbs
// the resulting rank noise.
const defaultRefineFactor = 2

// VectorOptions tune one vector query.
type VectorOptions struct {
	// RefineFactor trades recall for latency; <= 0 uses the default (2).
	RefineFactor int
}

// buildVector loads every chunk embedding of a table into the in-memory
// cache that vector queries scan.
func (m *Manager) buildVector(ctx context.Context, tableID string) error {
	rows, err := m.store.DB().QueryContext(ctx,
		`SELECT id, seq, embedding FROM chunks WHERE table_id = ? AND embedding IS NOT NULL ORDER BY seq ASC`,
		tableID)
	if err != nil {
		return fmt.Errorf("querying embeddings: %w", err)
	}
	defer rows.Close()

	var entries []vectorEntry
	for rows.Next() {
		var e vectorEntry
		var blob []byte
		if err := rows.Scan(&e.chunkID, &e.seq, &blob); err != nil {
			return fmt.Errorf("scanning embedding row: %w", err)
		}
		vec, err := storage.DecodeVector(blob)
		if err != nil {
			return fmt.Errorf("decoding embedding for %s: %w", e.chunkID, err)
		}
		e.embedding = vec
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	m.cacheMu.Lock()
	m.caches[tableID] = entries
	m.cacheMu.Unlock()
	return nil
}

// QueryVector returns up to k chunk IDs nearest to vec by cosine
// similarity. A missing or stale vector index triggers a synchronous
// forced rebuild before the scan.
func (m *Manager) QueryVector(ctx context.Context, tableID string, vec []float32, k int, opts VectorOptions) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	if err := m.ensureFresh(ctx, tableID, KindVector); err != nil {
		return nil, err
	}

	refine := opts.RefineFactor
	if refine <= 0 {
		refine = defaultRefineFactor
	}

	queryNorm := norm(vec)
	if queryNorm == 0 {
		return nil, nil
	}

	m.cacheMu.RLock()
	cache := m.caches[tableID]
	m.cacheMu.RUnlock()

	// Candidate pool is k*refine; the final cut back to k keeps only the
	// best-scored candidates.
	pool := k * refine
	h := &hitHeap{}
	heap.Init(h)
	for _, e := range cache {
		score := cosine(vec, e.embedding, queryNorm)
		if h.Len() < pool {
			heap.Push(h, Hit{ChunkID: e.chunkID, Seq: e.seq, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = Hit{ChunkID: e.chunkID, Seq: e.seq, Score: score}
			heap.Fix(h, 0)
		}
	}

	hits := make([]Hit, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		hits[i] = heap.Pop(h).(Hit)
	}
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// updateVectorForInsert appends freshly embedded chunks to an existing
// cache without a full rebuild. No-op when the vector index is missing.
func (m *Manager) updateVectorForInsert(tableID string, entries []vectorEntry) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	cache, ok := m.caches[tableID]
	if !ok {
		return
	}
	m.caches[tableID] = append(cache, entries...)
}

// updateVectorForDelete drops deleted chunks from an existing cache.
func (m *Manager) updateVectorForDelete(tableID string, chunkIDs map[string]bool) {
	m.cacheMu.Lock()
	defer m.cacheMu.Unlock()
	cache, ok := m.caches[tableID]
	if !ok {
		return
	}
	kept := cache[:0]
	for _, e := range cache {
		if !chunkIDs[e.chunkID] {
			kept = append(kept, e)
		}
	}
	m.caches[tableID] = kept
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func cosine(a, b []float32, aNorm float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return dot / (aNorm * bNorm)
}

// hitHeap is a min-heap of Hit ordered by Score, used to track the top
// candidates during the scan phase.
type hitHeap []Hit

func (h hitHeap) Len() int           { return len(h) }
func (h hitHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h hitHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x any)        { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
