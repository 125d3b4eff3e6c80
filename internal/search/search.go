// Package search implements hybrid retrieval over knowledge tables: lexical
// and vector searches run in parallel and their rankings are fused with
// reciprocal rank fusion, optionally re-ordered by a reranking model.
package search

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/gentable/internal/index"
	"github.com/kalambet/gentable/internal/provider"
	"github.com/kalambet/gentable/internal/reranking"
	"github.com/kalambet/gentable/internal/storage"
	"github.com/kalambet/gentable/internal/table"
)

const (
	// rankConstant dampens the influence of top ranks in reciprocal rank
	// fusion; 60 is the value from the original RRF paper.
	rankConstant = 60

	// overfetch widens each branch's candidate pool so fusion has enough
	// overlap to work with before trimming back to k.
	overfetch = 4

	defaultK         = 20
	rerankTimeout    = 10 * time.Second
	objectReferences = "gen_table.references"
)

// ModelAPI is the provider surface the engine needs: query embedding and
// document reranking.
type ModelAPI interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
	Rerank(ctx context.Context, model, query string, documents []string, topN int) ([]provider.RerankResult, error)
}

// Request describes one hybrid search across knowledge tables.
type Request struct {
	TableIDs       []string
	Query          string
	K              int
	RerankingModel string
}

// Reference is one retrieved chunk with its provenance and scores. The raw
// branch scores are zero when the chunk was absent from that branch.
type Reference struct {
	ChunkID      string  `json:"chunk_id"`
	TableID      string  `json:"table_id"`
	Text         string  `json:"text"`
	Title        string  `json:"title,omitempty"`
	Page         int     `json:"page,omitempty"`
	FileID       string  `json:"file_id,omitempty"`
	Score        float64 `json:"score"`
	LexicalScore float64 `json:"lexical_score,omitempty"`
	VectorScore  float64 `json:"vector_score,omitempty"`
	FusedScore   float64 `json:"fused_score"`
}

// Result is the outcome of a hybrid search, echoing the query that was
// actually executed.
type Result struct {
	Object      string      `json:"object"`
	SearchQuery string      `json:"search_query"`
	References  []Reference `json:"references"`
}

// Engine runs hybrid searches against the index manager.
type Engine struct {
	store   *storage.Store
	indexes *index.Manager
	api     ModelAPI
}

// NewEngine creates a search engine over the given store and indexes.
func NewEngine(store *storage.Store, indexes *index.Manager, api ModelAPI) *Engine {
	return &Engine{store: store, indexes: indexes, api: api}
}

// candidate accumulates a chunk's per-branch ranks during fusion.
type candidate struct {
	chunkID string
	tableID string
	seq     int64
	lexical float64
	vector  float64
	fused   float64
	order   int // arrival order, last-resort tie-break
}

// Search runs the lexical and vector branches for every table in parallel,
// fuses their rankings, and optionally reranks the fused pool. A branch
// failure degrades to the surviving branches; only when every branch fails
// does the search error out.
func (e *Engine) Search(ctx context.Context, req Request) (Result, error) {
	if req.Query == "" {
		return Result{}, table.Validationf("search query must not be empty")
	}
	if len(req.TableIDs) == 0 {
		return Result{}, table.Validationf("search requires at least one table")
	}
	k := req.K
	if k <= 0 {
		k = defaultK
	}
	fetchK := k * overfetch

	queryVec, embedErr := e.embedQuery(ctx, req)

	type branch struct {
		tableID string
		hits    []index.Hit
		lexical bool
	}

	var (
		mu       sync.Mutex
		branches []branch
		failures int
		total    int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, tableID := range req.TableIDs {
		total += 2
		g.Go(func() error {
			hits, err := e.indexes.QueryFTS(gctx, tableID, req.Query, fetchK)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("lexical search failed", "table", tableID, "error", err)
				failures++
				return nil
			}
			branches = append(branches, branch{tableID: tableID, hits: hits, lexical: true})
			return nil
		})
		g.Go(func() error {
			if queryVec == nil {
				mu.Lock()
				failures++
				mu.Unlock()
				return nil
			}
			hits, err := e.indexes.QueryVector(gctx, tableID, queryVec, fetchK, index.VectorOptions{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("vector search failed", "table", tableID, "error", err)
				failures++
				return nil
			}
			branches = append(branches, branch{tableID: tableID, hits: hits})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	if failures == total {
		if embedErr != nil {
			return Result{}, table.Retrievalf(embedErr, "all search branches failed")
		}
		return Result{}, table.Retrievalf(nil, "all search branches failed")
	}

	// Stable branch order keeps fusion deterministic regardless of which
	// goroutine finished first.
	sort.SliceStable(branches, func(i, j int) bool {
		if branches[i].tableID != branches[j].tableID {
			return branches[i].tableID < branches[j].tableID
		}
		return branches[i].lexical && !branches[j].lexical
	})

	byID := make(map[string]*candidate)
	var pool []*candidate
	for _, b := range branches {
		for rank, hit := range b.hits {
			c, ok := byID[hit.ChunkID]
			if !ok {
				c = &candidate{chunkID: hit.ChunkID, tableID: b.tableID, seq: hit.Seq, order: len(pool)}
				byID[hit.ChunkID] = c
				pool = append(pool, c)
			}
			c.fused += 1.0 / float64(rankConstant+rank+1)
			if b.lexical {
				c.lexical = hit.Score
			} else {
				c.vector = hit.Score
			}
		}
	}

	sort.SliceStable(pool, func(i, j int) bool {
		return fusedLess(pool[i], pool[j])
	})
	if len(pool) > fetchK {
		pool = pool[:fetchK]
	}

	refs, err := e.loadReferences(ctx, pool)
	if err != nil {
		return Result{}, err
	}

	refs, err = e.rerank(ctx, req, refs)
	if err != nil {
		return Result{}, err
	}

	if len(refs) > k {
		refs = refs[:k]
	}
	return Result{Object: objectReferences, SearchQuery: req.Query, References: refs}, nil
}

// fusedLess orders the fused pool: fused score desc, then best raw branch
// score desc, then chunk insertion order, then arrival order as a last
// resort for chunks from different tables sharing a seq.
func fusedLess(a, b *candidate) bool {
	if a.fused != b.fused {
		return a.fused > b.fused
	}
	ra, rb := rawMax(a), rawMax(b)
	if ra != rb {
		return ra > rb
	}
	if a.seq != b.seq {
		return a.seq < b.seq
	}
	return a.order < b.order
}

func rawMax(c *candidate) float64 {
	if c.lexical > c.vector {
		return c.lexical
	}
	return c.vector
}

// embedQuery resolves the embedding model from the first searched table that
// has an embedding column and embeds the query once. A nil vector disables
// the vector branch.
func (e *Engine) embedQuery(ctx context.Context, req Request) ([]float32, error) {
	model := ""
	for _, tableID := range req.TableIDs {
		t, err := e.store.GetTable(tableID)
		if err != nil {
			continue
		}
		for _, col := range t.Columns {
			if cfg, ok := col.GenConfig.(*table.EmbedGenConfig); ok {
				model = cfg.Model
				break
			}
		}
		if model != "" {
			break
		}
	}
	if model == "" {
		return nil, nil
	}

	vecs, err := e.api.Embed(ctx, model, []string{req.Query})
	if err != nil {
		slog.Warn("query embedding failed, lexical-only search", "model", model, "error", err)
		return nil, err
	}
	return vecs[0], nil
}

// loadReferences resolves candidate chunk IDs to full chunks, preserving the
// fused order. Chunks deleted since the index was queried are skipped.
func (e *Engine) loadReferences(ctx context.Context, pool []*candidate) ([]Reference, error) {
	byTable := make(map[string][]string)
	for _, c := range pool {
		byTable[c.tableID] = append(byTable[c.tableID], c.chunkID)
	}

	chunks := make(map[string]table.Chunk)
	for tableID, ids := range byTable {
		got, err := e.store.GetChunks(tableID, ids)
		if err != nil {
			return nil, table.Retrievalf(err, "loading chunks for table %s", tableID)
		}
		for _, ch := range got {
			chunks[ch.ID] = ch
		}
	}

	refs := make([]Reference, 0, len(pool))
	for _, c := range pool {
		ch, ok := chunks[c.chunkID]
		if !ok {
			continue
		}
		refs = append(refs, Reference{
			ChunkID:      c.chunkID,
			TableID:      c.tableID,
			Text:         ch.Text,
			Title:        ch.Title,
			Page:         ch.Page,
			FileID:       ch.FileID,
			Score:        c.fused,
			LexicalScore: c.lexical,
			VectorScore:  c.vector,
			FusedScore:   c.fused,
		})
	}
	return refs, nil
}

// rerank re-orders the fused pool with the configured reranking model. The
// model's ordering replaces the fused order; on failure the fused order is
// kept.
func (e *Engine) rerank(ctx context.Context, req Request, refs []Reference) ([]Reference, error) {
	if req.RerankingModel == "" || len(refs) == 0 {
		return refs, nil
	}

	docs := make([]reranking.Document, len(refs))
	for i, r := range refs {
		docs[i] = reranking.Document{ID: r.ChunkID, Text: r.Text, Score: r.FusedScore}
	}

	rr := reranking.NewReranker(e.api, req.RerankingModel, rerankTimeout)
	ordered, err := rr.Rerank(ctx, req.Query, docs)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]Reference, len(refs))
	for _, r := range refs {
		byID[r.ChunkID] = r
	}
	out := make([]Reference, 0, len(ordered))
	for _, d := range ordered {
		r := byID[d.ID]
		r.Score = d.Score
		out = append(out, r)
	}
	return out, nil
}
