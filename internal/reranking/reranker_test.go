package reranking

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/gentable/internal/provider"
)

type fakeAPI struct {
	results []provider.RerankResult
	err     error
	delay   time.Duration
	calls   int
}

func (f *fakeAPI) Rerank(ctx context.Context, model, query string, documents []string, topN int) ([]provider.RerankResult, error) {
	f.calls++
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.results, f.err
}

func docs() []Document {
	return []Document{
		{ID: "a", Text: "alpha", Score: 0.9},
		{ID: "b", Text: "beta", Score: 0.5},
		{ID: "c", Text: "gamma", Score: 0.1},
	}
}

func TestNewReranker_EmptyModelIsNoOp(t *testing.T) {
	r := NewReranker(&fakeAPI{}, "", 0)
	if _, ok := r.(*NoOpReranker); !ok {
		t.Fatalf("got %T, want NoOpReranker", r)
	}
}

func TestModelReranker_OrderWins(t *testing.T) {
	api := &fakeAPI{results: []provider.RerankResult{
		{Index: 2, Score: 0.99},
		{Index: 0, Score: 0.4},
	}}
	r := NewReranker(api, "reranker-v1", time.Second)

	out, err := r.Rerank(context.Background(), "q", docs())
	if err != nil {
		t.Fatalf("Rerank: %v", err)
	}
	// The model's ordering replaces the fused order outright, including
	// dropping documents the model did not return.
	if len(out) != 2 || out[0].ID != "c" || out[1].ID != "a" {
		t.Errorf("order = %+v", out)
	}
	if out[0].Score != 0.99 {
		t.Errorf("score = %f, want model relevance score", out[0].Score)
	}
}

func TestModelReranker_FailureKeepsOriginalOrder(t *testing.T) {
	api := &fakeAPI{err: errors.New("connection refused")}
	r := NewReranker(api, "reranker-v1", time.Second)

	out, err := r.Rerank(context.Background(), "q", docs())
	if err != nil {
		t.Fatalf("failure must degrade, not error: %v", err)
	}
	if len(out) != 3 || out[0].ID != "a" || out[2].ID != "c" {
		t.Errorf("order = %+v, want original", out)
	}
}

func TestModelReranker_TimeoutKeepsOriginalOrder(t *testing.T) {
	api := &fakeAPI{delay: 200 * time.Millisecond}
	r := NewReranker(api, "reranker-v1", 10*time.Millisecond)

	out, err := r.Rerank(context.Background(), "q", docs())
	if err != nil {
		t.Fatalf("timeout must degrade, not error: %v", err)
	}
	if len(out) != 3 || out[0].ID != "a" {
		t.Errorf("order = %+v, want original", out)
	}
}

func TestModelReranker_EmptyInput(t *testing.T) {
	api := &fakeAPI{}
	r := NewReranker(api, "reranker-v1", time.Second)
	out, err := r.Rerank(context.Background(), "q", nil)
	if err != nil || len(out) != 0 {
		t.Fatalf("out = %+v, err = %v", out, err)
	}
	if api.calls != 0 {
		t.Error("empty input should not call the model")
	}
}
