package index

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/gentable/internal/storage"
	"github.com/kalambet/gentable/internal/table"
)

func newTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	tbl := table.Table{
		ID:   "kb",
		Kind: table.KindKnowledge,
		Columns: []table.Column{
			{ID: "text", DType: table.DTypeStr},
			{ID: "embedding", DType: table.DTypeVector},
		},
	}
	if err := s.CreateTable(tbl); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	return NewManager(s), s
}

func seedChunks(t *testing.T, s *storage.Store, chunks []table.Chunk) {
	t.Helper()
	if err := s.InsertChunks("kb", chunks); err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
}

func TestEscapeQuery(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"hello world", `"hello" OR "world"`},
		{`wild* card`, `"wild*" OR "card"`},
		{`field:value`, `"field:value"`},
		{`cats AND dogs`, `"cats" OR "AND" OR "dogs"`},
		{`say "hi"`, `"say" OR """hi"""`},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := EscapeQuery(tt.in); got != tt.want {
			t.Errorf("EscapeQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestQueryFTS_ReservedSyntaxIsLiteral(t *testing.T) {
	m, s := newTestManager(t)
	seedChunks(t, s, []table.Chunk{
		{ID: "c1", Text: "the NEAR operator locates adjacent terms"},
		{ID: "c2", Text: "completely unrelated content"},
	})

	// NEAR is FTS5 syntax; unescaped it would be a structured directive.
	hits, err := m.QueryFTS(context.Background(), "kb", "NEAR operator", 10)
	if err != nil {
		t.Fatalf("QueryFTS: %v", err)
	}
	if len(hits) == 0 {
		t.Fatal("expected literal match for reserved keyword")
	}
	if hits[0].ChunkID != "c1" {
		t.Errorf("top hit = %s, want c1", hits[0].ChunkID)
	}
}

func TestQueryFTS_AutoHealsMissingIndex(t *testing.T) {
	m, s := newTestManager(t)
	seedChunks(t, s, []table.Chunk{
		{ID: "c1", Text: "golang concurrency patterns"},
	})

	// No BuildIndex call: the query itself must trigger exactly one forced
	// rebuild before retrying.
	hits, err := m.QueryFTS(context.Background(), "kb", "concurrency", 5)
	if err != nil {
		t.Fatalf("QueryFTS: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != "c1" {
		t.Fatalf("hits = %+v, want c1", hits)
	}

	tbl, err := s.GetTable("kb")
	if err != nil {
		t.Fatalf("GetTable: %v", err)
	}
	if tbl.IndexedAtFTS == nil {
		t.Fatal("auto-heal should have recorded the build timestamp")
	}
	built := *tbl.IndexedAtFTS

	// A second query finds the index fresh and must not rebuild.
	if _, err := m.QueryFTS(context.Background(), "kb", "concurrency", 5); err != nil {
		t.Fatalf("second QueryFTS: %v", err)
	}
	tbl, _ = s.GetTable("kb")
	if !tbl.IndexedAtFTS.Equal(built) {
		t.Error("fresh index was rebuilt on second query")
	}
}

func TestQueryFTS_StaleIndexRebuilds(t *testing.T) {
	m, s := newTestManager(t)
	seedChunks(t, s, []table.Chunk{{ID: "c1", Text: "first document"}})

	if err := m.BuildIndex(context.Background(), "kb", KindFTS); err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	// New chunks bump updated_at past indexed_at_fts: the index is stale
	// and the next query must rebuild rather than silently miss data.
	time.Sleep(5 * time.Millisecond)
	seedChunks(t, s, []table.Chunk{{ID: "c2", Text: "second document about giraffes"}})

	hits, err := m.QueryFTS(context.Background(), "kb", "giraffes", 5)
	if err != nil {
		t.Fatalf("QueryFTS: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != "c2" {
		t.Fatalf("hits = %+v, want c2", hits)
	}
}

func TestBuildIndex_FailureLeavesIndexMissing(t *testing.T) {
	m, s := newTestManager(t)
	seedChunks(t, s, []table.Chunk{{ID: "c1", Text: "doc"}})

	// Corrupt an embedding blob so the vector build fails mid-way.
	if _, err := s.DB().Exec(`UPDATE chunks SET embedding = X'010203' WHERE id = 'c1'`); err != nil {
		t.Fatalf("corrupting blob: %v", err)
	}

	if err := m.BuildIndex(context.Background(), "kb", KindVector); err == nil {
		t.Fatal("expected build failure on corrupted embedding")
	}

	tbl, err := s.GetTable("kb")
	if err != nil {
		t.Fatalf("GetTable: %v", err)
	}
	if tbl.IndexedAtVec != nil {
		t.Error("failed build must leave the index in missing state")
	}
}

func TestQueryVector_RanksBySimilarity(t *testing.T) {
	m, s := newTestManager(t)
	seedChunks(t, s, []table.Chunk{
		{ID: "c1", Text: "a", Embedding: []float32{1, 0, 0}},
		{ID: "c2", Text: "b", Embedding: []float32{0, 1, 0}},
		{ID: "c3", Text: "c", Embedding: []float32{0.9, 0.1, 0}},
	})

	hits, err := m.QueryVector(context.Background(), "kb", []float32{1, 0, 0}, 2, VectorOptions{})
	if err != nil {
		t.Fatalf("QueryVector: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ChunkID != "c1" || hits[1].ChunkID != "c3" {
		t.Errorf("order = %s, %s; want c1, c3", hits[0].ChunkID, hits[1].ChunkID)
	}
	if hits[0].Score < 0.99 {
		t.Errorf("exact match score = %f, want ~1.0", hits[0].Score)
	}
}

func TestQueryVector_RebuildsCacheAfterRestart(t *testing.T) {
	m, s := newTestManager(t)
	seedChunks(t, s, []table.Chunk{
		{ID: "c1", Text: "a", Embedding: []float32{1, 0, 0}},
		{ID: "c2", Text: "b", Embedding: []float32{0.9, 0.1, 0}},
	})
	if err := m.BuildIndex(context.Background(), "kb", KindVector); err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	// A new Manager over the same store sees a fresh indexed_at_vec but has
	// an empty embedding cache. The query must rebuild the cache rather
	// than silently return nothing.
	restarted := NewManager(s)
	hits, err := restarted.QueryVector(context.Background(), "kb", []float32{1, 0, 0}, 2, VectorOptions{})
	if err != nil {
		t.Fatalf("QueryVector: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ChunkID != "c1" {
		t.Errorf("top hit = %s, want c1", hits[0].ChunkID)
	}
}

func TestUpdateForInsert_IncrementalFTS(t *testing.T) {
	m, s := newTestManager(t)
	seedChunks(t, s, []table.Chunk{{ID: "c1", Text: "aardvark"}})

	if err := m.BuildIndex(context.Background(), "kb", KindFTS); err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	newChunk := table.Chunk{ID: "c2", Text: "zebra migrations"}
	seedChunks(t, s, []table.Chunk{newChunk})
	if err := m.UpdateForInsert(context.Background(), "kb", []table.Chunk{newChunk}); err != nil {
		t.Fatalf("UpdateForInsert: %v", err)
	}

	// The delta keeps the index fresh: the new chunk is findable without a
	// rebuild having rewritten the timestamp to a stale value.
	hits, err := m.QueryFTS(context.Background(), "kb", "zebra", 5)
	if err != nil {
		t.Fatalf("QueryFTS: %v", err)
	}
	if len(hits) != 1 || hits[0].ChunkID != "c2" {
		t.Fatalf("hits = %+v, want c2", hits)
	}
}

func TestUpdateForDelete_RemovesFromFTS(t *testing.T) {
	m, s := newTestManager(t)
	seedChunks(t, s, []table.Chunk{
		{ID: "c1", Text: "kept document"},
		{ID: "c2", Text: "removed document about llamas", FileID: "f1"},
	})
	if err := m.BuildIndex(context.Background(), "kb", KindFTS); err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}

	rowids, err := s.DeleteChunksByFile("kb", "f1")
	if err != nil {
		t.Fatalf("DeleteChunksByFile: %v", err)
	}
	if err := m.UpdateForDelete(context.Background(), "kb", []string{"c2"}, rowids); err != nil {
		t.Fatalf("UpdateForDelete: %v", err)
	}

	hits, err := m.QueryFTS(context.Background(), "kb", "llamas", 5)
	if err != nil {
		t.Fatalf("QueryFTS: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("deleted chunk still indexed: %+v", hits)
	}
}

func TestQueryScalar_Filter(t *testing.T) {
	m, s := newTestManager(t)
	seedChunks(t, s, []table.Chunk{
		{ID: "c1", Text: "a", FileID: "f1", Page: 1},
		{ID: "c2", Text: "b", FileID: "f1", Page: 2},
		{ID: "c3", Text: "c", FileID: "f2", Page: 1},
	})

	hits, err := m.QueryScalar(context.Background(), "kb", ScalarFilter{FileID: "f1"}, 10)
	if err != nil {
		t.Fatalf("QueryScalar: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ChunkID != "c1" {
		t.Errorf("scalar hits should come back in insertion order, got %s first", hits[0].ChunkID)
	}
}

func TestRetryable(t *testing.T) {
	if retryable(nil) {
		t.Error("nil error is not retryable")
	}
	if !retryable(errLocked{}) {
		t.Error("busy database errors should be retried")
	}
}

type errLocked struct{}

func (errLocked) Error() string { return "database table is locked" }
