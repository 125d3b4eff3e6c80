package controller

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/gentable/internal/executor"
	"github.com/kalambet/gentable/internal/provider"
	"github.com/kalambet/gentable/internal/storage"
	"github.com/kalambet/gentable/internal/table"
)

type fakeProvider struct {
	calls atomic.Int32
}

func (f *fakeProvider) Chat(ctx context.Context, req provider.ChatRequest) (provider.ChatResponse, error) {
	f.calls.Add(1)
	return provider.ChatResponse{Content: "generated", FinishReason: "stop"}, nil
}

func (f *fakeProvider) ChatStream(ctx context.Context, req provider.ChatRequest) (provider.ChunkStream, error) {
	f.calls.Add(1)
	return nil, fmt.Errorf("streaming not scripted")
}

func (f *fakeProvider) Embed(ctx context.Context, model string, texts []string) ([][]float32, error) {
	return nil, fmt.Errorf("not scripted")
}

func (f *fakeProvider) GenerateImage(ctx context.Context, model, prompt string) (string, error) {
	return "", fmt.Errorf("not scripted")
}

func newTestController(t *testing.T) (*Controller, *storage.Store, *fakeProvider) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	api := &fakeProvider{}
	c := New(s, executor.New(s, nil, api))

	_, err = c.CreateTable(table.Table{
		ID:   "t",
		Kind: table.KindAction,
		Columns: []table.Column{
			{ID: "input", DType: table.DTypeStr},
			{ID: "output", DType: table.DTypeStr, GenConfig: &table.LLMGenConfig{Model: "m", Prompt: "handle ${input}"}},
		},
	})
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	return c, s, api
}

func payloads(n int) []map[string]string {
	out := make([]map[string]string, n)
	for i := range out {
		out[i] = map[string]string{"input": fmt.Sprintf("v%d", i)}
	}
	return out
}

func TestAddRows_GeneratesOutputColumns(t *testing.T) {
	c, _, api := newTestController(t)

	rows, err := c.AddRows(context.Background(), "t", payloads(2), nil)
	if err != nil {
		t.Fatalf("AddRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows", len(rows))
	}
	for _, r := range rows {
		cell := r.Cells["output"]
		if cell.Value != "generated" || cell.State != table.CellDone {
			t.Errorf("row %s output = %+v", r.ID, cell)
		}
	}
	if api.calls.Load() != 2 {
		t.Errorf("provider calls = %d, want 2", api.calls.Load())
	}
}

func TestAddRows_BatchGuard(t *testing.T) {
	c, s, api := newTestController(t)

	// 101 rows: rejected wholesale, zero rows created, no generation.
	_, err := c.AddRows(context.Background(), "t", payloads(101), nil)
	if table.KindOf(err) != table.KindValidation {
		t.Fatalf("101 rows: kind = %q, err = %v", table.KindOf(err), err)
	}
	if n, _ := s.CountRows("t"); n != 0 {
		t.Errorf("rows created = %d, want 0", n)
	}
	if api.calls.Load() != 0 {
		t.Errorf("provider calls = %d, want 0", api.calls.Load())
	}

	// Exactly 100 rows proceeds.
	rows, err := c.AddRows(context.Background(), "t", payloads(100), nil)
	if err != nil {
		t.Fatalf("100 rows: %v", err)
	}
	if len(rows) != 100 {
		t.Errorf("got %d rows, want 100", len(rows))
	}
}

func TestRegenRows_MissingColumnGuard(t *testing.T) {
	c, _, api := newTestController(t)

	rows, err := c.AddRows(context.Background(), "t", payloads(1), nil)
	if err != nil {
		t.Fatalf("AddRows: %v", err)
	}
	api.calls.Store(0)

	// Naming an absent output column fails synchronously, dispatching nothing.
	_, err = c.RegenRows(context.Background(), "t", []string{rows[0].ID}, []string{"no such column"}, nil)
	if table.KindOf(err) != table.KindValidation {
		t.Fatalf("kind = %q, err = %v", table.KindOf(err), err)
	}
	if api.calls.Load() != 0 {
		t.Errorf("provider calls = %d, want 0", api.calls.Load())
	}

	// Naming an input column is also rejected.
	_, err = c.RegenRows(context.Background(), "t", []string{rows[0].ID}, []string{"input"}, nil)
	if table.KindOf(err) != table.KindValidation {
		t.Fatalf("input column: kind = %q", table.KindOf(err))
	}
}

func TestRegenRows_Regenerates(t *testing.T) {
	c, s, _ := newTestController(t)

	rows, err := c.AddRows(context.Background(), "t", payloads(1), nil)
	if err != nil {
		t.Fatalf("AddRows: %v", err)
	}

	if err := s.UpdateCells("t", rows[0].ID, map[string]table.Cell{"output": {Value: "stale", State: table.CellDone}}); err != nil {
		t.Fatalf("UpdateCells: %v", err)
	}

	regen, err := c.RegenRows(context.Background(), "t", []string{rows[0].ID}, nil, nil)
	if err != nil {
		t.Fatalf("RegenRows: %v", err)
	}
	if got := regen[0].Cells["output"].Value; got != "generated" {
		t.Errorf("output = %q, want regenerated value", got)
	}
}

func TestAddRows_RejectedWhileMutationWindowOpen(t *testing.T) {
	c, s, _ := newTestController(t)

	if err := s.AcquireLock("t", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	_, err := c.AddRows(context.Background(), "t", payloads(1), nil)
	if table.KindOf(err) != table.KindConcurrency {
		t.Fatalf("kind = %q, err = %v", table.KindOf(err), err)
	}
}

func TestUpdateColumns_ConcurrentMutationRejected(t *testing.T) {
	c, s, _ := newTestController(t)

	if err := s.AcquireLock("t", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}

	_, err := c.UpdateColumns("t", []table.Column{{ID: "input", DType: table.DTypeStr}})
	if table.KindOf(err) != table.KindConcurrency {
		t.Fatalf("kind = %q, err = %v", table.KindOf(err), err)
	}

	if err := s.ReleaseLock("t"); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	updated, err := c.UpdateColumns("t", []table.Column{{ID: "input", DType: table.DTypeStr}})
	if err != nil {
		t.Fatalf("UpdateColumns after release: %v", err)
	}
	if len(updated.Columns) != 1 {
		t.Errorf("columns = %+v", updated.Columns)
	}
}

func TestAddRows_UnknownPayloadColumn(t *testing.T) {
	c, _, _ := newTestController(t)

	_, err := c.AddRows(context.Background(), "t", []map[string]string{{"ghost": "x"}}, nil)
	if table.KindOf(err) != table.KindValidation {
		t.Fatalf("kind = %q, err = %v", table.KindOf(err), err)
	}
}

func TestCreateTable_ValidatesGenConfig(t *testing.T) {
	c, _, _ := newTestController(t)

	_, err := c.CreateTable(table.Table{
		ID:   "bad",
		Kind: table.KindAction,
		Columns: []table.Column{
			{ID: "out", DType: table.DTypeStr, GenConfig: &table.LLMGenConfig{Prompt: "p"}},
		},
	})
	if table.KindOf(err) != table.KindValidation {
		t.Fatalf("kind = %q, err = %v", table.KindOf(err), err)
	}
}
