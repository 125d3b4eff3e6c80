// Package reranking re-orders retrieved documents by query relevance using a
// dedicated reranking model.
package reranking

import (
	"context"
	"log/slog"
	"time"

	"github.com/kalambet/gentable/internal/provider"
)

const defaultTimeout = 10 * time.Second

// Document is a candidate passed to the reranker. Score carries the fused
// retrieval score going in and the model's relevance score coming out.
type Document struct {
	ID    string
	Text  string
	Score float64
}

// Reranker re-scores retrieved documents by query relevance.
type Reranker interface {
	Rerank(ctx context.Context, query string, docs []Document) ([]Document, error)
}

// rerankAPI is the provider surface the reranker needs.
type rerankAPI interface {
	Rerank(ctx context.Context, model, query string, documents []string, topN int) ([]provider.RerankResult, error)
}

// NewReranker returns a ModelReranker for the given model, or NoOpReranker
// when no model is configured.
func NewReranker(api rerankAPI, model string, timeout time.Duration) Reranker {
	if model == "" {
		return &NoOpReranker{}
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &ModelReranker{api: api, model: model, timeout: timeout}
}

// ModelReranker calls a reranking model to order documents. The model's
// ordering replaces the incoming order entirely; incoming scores are only
// used as the fallback when the model cannot be reached.
type ModelReranker struct {
	api     rerankAPI
	model   string
	timeout time.Duration
}

// Rerank returns docs in the model's relevance order. If the model call
// fails or times out, the original order is returned unchanged so retrieval
// still produces results.
func (r *ModelReranker) Rerank(ctx context.Context, query string, docs []Document) ([]Document, error) {
	if len(docs) == 0 {
		return docs, nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Text
	}

	results, err := r.api.Rerank(timeoutCtx, r.model, query, texts, len(docs))
	if err != nil {
		slog.Warn("reranker unavailable, keeping retrieval order", "model", r.model, "error", err)
		return docs, nil
	}
	if len(results) == 0 {
		return docs, nil
	}

	ordered := make([]Document, 0, len(results))
	for _, res := range results {
		d := docs[res.Index]
		d.Score = res.Score
		ordered = append(ordered, d)
	}
	return ordered, nil
}

// NoOpReranker passes documents through unchanged. Used when no reranking
// model is configured.
type NoOpReranker struct{}

func (n *NoOpReranker) Rerank(_ context.Context, _ string, docs []Document) ([]Document, error) {
	return docs, nil
}
