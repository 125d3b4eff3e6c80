package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/kalambet/gentable/internal/table"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTable(t *testing.T, s *Store, id string, kind table.Kind) table.Table {
	t.Helper()
	tbl := table.Table{
		ID:   id,
		Kind: kind,
		Columns: []table.Column{
			{ID: "question", DType: table.DTypeStr},
			{ID: "answer", DType: table.DTypeStr, GenConfig: &table.LLMGenConfig{Model: "m1", Prompt: "${question}"}},
		},
	}
	if err := s.CreateTable(tbl); err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	return tbl
}

func TestCreateAndGetTable(t *testing.T) {
	s := openTestStore(t)
	makeTable(t, s, "t1", table.KindAction)

	got, err := s.GetTable("t1")
	if err != nil {
		t.Fatalf("GetTable: %v", err)
	}
	if got.Kind != table.KindAction {
		t.Errorf("Kind = %q, want action", got.Kind)
	}
	if len(got.Columns) != 2 {
		t.Fatalf("got %d columns, want 2", len(got.Columns))
	}
	if _, ok := got.Columns[1].GenConfig.(*table.LLMGenConfig); !ok {
		t.Errorf("gen_config decoded as %T, want *LLMGenConfig", got.Columns[1].GenConfig)
	}
	if got.IndexedAtFTS != nil {
		t.Errorf("new table should have no FTS index timestamp")
	}
}

func TestGetTable_NotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetTable("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAcquireLock_CAS(t *testing.T) {
	s := openTestStore(t)
	makeTable(t, s, "t1", table.KindAction)

	till := time.Now().Add(30 * time.Second)
	if err := s.AcquireLock("t1", till); err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}

	// Second acquisition against an open window must fail.
	if err := s.AcquireLock("t1", till.Add(time.Minute)); !errors.Is(err, ErrLockHeld) {
		t.Errorf("second AcquireLock err = %v, want ErrLockHeld", err)
	}

	if err := s.ReleaseLock("t1"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	if err := s.AcquireLock("t1", till); err != nil {
		t.Errorf("AcquireLock after release: %v", err)
	}
}

func TestAcquireLock_ExpiredWindow(t *testing.T) {
	s := openTestStore(t)
	makeTable(t, s, "t1", table.KindAction)

	// An expired window does not block acquisition.
	if err := s.AcquireLock("t1", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("acquiring expired window: %v", err)
	}
	if err := s.AcquireLock("t1", time.Now().Add(time.Minute)); err != nil {
		t.Errorf("AcquireLock over expired window: %v", err)
	}
}

func TestSetIndexedAt(t *testing.T) {
	s := openTestStore(t)
	makeTable(t, s, "kb", table.KindKnowledge)

	at := time.Now().UTC()
	if err := s.SetIndexedAt("kb", "fts", &at); err != nil {
		t.Fatalf("SetIndexedAt: %v", err)
	}
	got, err := s.GetTable("kb")
	if err != nil {
		t.Fatalf("GetTable: %v", err)
	}
	if got.IndexedAtFTS == nil {
		t.Fatal("IndexedAtFTS not set")
	}
	if got.IndexedAtVec != nil {
		t.Error("IndexedAtVec should remain missing")
	}

	// Clearing marks the index missing again.
	if err := s.SetIndexedAt("kb", "fts", nil); err != nil {
		t.Fatalf("clearing SetIndexedAt: %v", err)
	}
	got, _ = s.GetTable("kb")
	if got.IndexedAtFTS != nil {
		t.Error("IndexedAtFTS should be cleared")
	}
}

func TestUpdateColumns_TimestampOutlivesBuildStart(t *testing.T) {
	s := openTestStore(t)
	tbl := makeTable(t, s, "t1", table.KindAction)

	// A schema change landing in the same second as a build start must not
	// truncate updated_at below indexed_at_*, or staleness detection would
	// miss it.
	start := time.Now().UTC()
	if err := s.SetIndexedAt("t1", "fts", &start); err != nil {
		t.Fatalf("SetIndexedAt: %v", err)
	}
	if err := s.UpdateColumns("t1", tbl.Columns); err != nil {
		t.Fatalf("UpdateColumns: %v", err)
	}

	got, err := s.GetTable("t1")
	if err != nil {
		t.Fatalf("GetTable: %v", err)
	}
	if got.UpdatedAt.Before(*got.IndexedAtFTS) {
		t.Errorf("updated_at %v predates build start %v", got.UpdatedAt, *got.IndexedAtFTS)
	}
}

func TestInsertRow_AssignsSeq(t *testing.T) {
	s := openTestStore(t)
	makeTable(t, s, "t1", table.KindChat)

	for i := 1; i <= 3; i++ {
		r, err := s.InsertRow(table.Row{
			ID:      "r" + string(rune('0'+i)),
			TableID: "t1",
			Cells:   map[string]table.Cell{"question": {Value: "q", State: table.CellDone}},
		})
		if err != nil {
			t.Fatalf("InsertRow %d: %v", i, err)
		}
		if r.Seq != int64(i) {
			t.Errorf("Seq = %d, want %d", r.Seq, i)
		}
	}
}

func TestListRowsBefore_ExcludesLaterRows(t *testing.T) {
	s := openTestStore(t)
	makeTable(t, s, "t1", table.KindChat)

	for i := 1; i <= 5; i++ {
		if _, err := s.InsertRow(table.Row{
			ID:      "r" + string(rune('0'+i)),
			TableID: "t1",
			Cells:   map[string]table.Cell{"question": {Value: "q"}},
		}); err != nil {
			t.Fatalf("InsertRow: %v", err)
		}
	}

	rows, err := s.ListRowsBefore("t1", 3, 10)
	if err != nil {
		t.Fatalf("ListRowsBefore: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].ID != "r1" || rows[1].ID != "r2" {
		t.Errorf("rows = %s, %s; want r1, r2", rows[0].ID, rows[1].ID)
	}
}

func TestUpdateCells_Merges(t *testing.T) {
	s := openTestStore(t)
	makeTable(t, s, "t1", table.KindAction)

	if _, err := s.InsertRow(table.Row{
		ID:      "r1",
		TableID: "t1",
		Cells:   map[string]table.Cell{"question": {Value: "q", State: table.CellDone}},
	}); err != nil {
		t.Fatalf("InsertRow: %v", err)
	}

	err := s.UpdateCells("t1", "r1", map[string]table.Cell{
		"answer": {Value: "a", State: table.CellDone},
	})
	if err != nil {
		t.Fatalf("UpdateCells: %v", err)
	}

	row, err := s.GetRow("t1", "r1")
	if err != nil {
		t.Fatalf("GetRow: %v", err)
	}
	if v, _ := row.Value("question"); v != "q" {
		t.Errorf("question = %q, want q", v)
	}
	if v, _ := row.Value("answer"); v != "a" {
		t.Errorf("answer = %q, want a", v)
	}
}

func TestInsertChunks_TouchesTable(t *testing.T) {
	s := openTestStore(t)
	makeTable(t, s, "kb", table.KindKnowledge)

	before, _ := s.GetTable("kb")
	time.Sleep(5 * time.Millisecond)

	err := s.InsertChunks("kb", []table.Chunk{
		{ID: "c1", Text: "alpha", Title: "doc", Page: 1, FileID: "f1", Embedding: []float32{0.1, 0.2}},
	})
	if err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	after, _ := s.GetTable("kb")
	if !after.UpdatedAt.After(before.UpdatedAt) {
		t.Error("InsertChunks should bump updated_at")
	}

	chunks, err := s.GetChunks("kb", []string{"c1"})
	if err != nil {
		t.Fatalf("GetChunks: %v", err)
	}
	if len(chunks) != 1 || chunks[0].Text != "alpha" {
		t.Fatalf("chunks = %+v", chunks)
	}
	if len(chunks[0].Embedding) != 2 {
		t.Errorf("embedding roundtrip failed: %v", chunks[0].Embedding)
	}
}

func TestDeleteChunksByFile(t *testing.T) {
	s := openTestStore(t)
	makeTable(t, s, "kb", table.KindKnowledge)

	err := s.InsertChunks("kb", []table.Chunk{
		{ID: "c1", Text: "alpha", FileID: "f1"},
		{ID: "c2", Text: "beta", FileID: "f1"},
		{ID: "c3", Text: "gamma", FileID: "f2"},
	})
	if err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}

	rowids, err := s.DeleteChunksByFile("kb", "f1")
	if err != nil {
		t.Fatalf("DeleteChunksByFile: %v", err)
	}
	if len(rowids) != 2 {
		t.Errorf("got %d rowids, want 2", len(rowids))
	}
	n, _ := s.CountChunks("kb")
	if n != 1 {
		t.Errorf("remaining chunks = %d, want 1", n)
	}
}

func TestJobQueue_FailRetriesWithBackoff(t *testing.T) {
	s := openTestStore(t)

	if err := s.EnqueueJob(Job{ID: "j1", Type: "embed_chunks", PayloadJSON: "{}"}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	job, err := s.ClaimNextJob([]string{"embed_chunks"})
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	if job == nil || job.ID != "j1" {
		t.Fatalf("claimed %+v, want j1", job)
	}

	if err := s.FailJob("j1", "provider unavailable"); err != nil {
		t.Fatalf("FailJob: %v", err)
	}

	// Backoff pushes run_after into the future, so an immediate claim finds nothing.
	job, err = s.ClaimNextJob([]string{"embed_chunks"})
	if err != nil {
		t.Fatalf("ClaimNextJob after fail: %v", err)
	}
	if job != nil {
		t.Errorf("claimed %+v, want nil (backoff)", job)
	}
}
