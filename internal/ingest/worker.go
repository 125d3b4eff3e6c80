package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/gentable/internal/storage"
	"github.com/kalambet/gentable/internal/table"
)

// embedBatchSize caps how many chunk texts go to the provider per call.
const embedBatchSize = 32

// Embedder generates embedding vectors for batches of text.
type Embedder interface {
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
}

// Worker processes embed_chunks jobs from the persistent queue: it embeds a
// file's chunks and feeds the results into the table's indexes.
type Worker struct {
	store    *storage.Store
	indexes  Indexer
	embedder Embedder
	model    string
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker embedding with the given model. If
// pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store *storage.Store, indexes Indexer, embedder Embedder, model string, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		indexes:  indexes,
		embedder: embedder,
		model:    model,
		poll:     pollInterval,
		logger:   slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single embed job. Returns true if a job
// was processed, regardless of success or failure.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeEmbed})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("embed job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload embedPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	model := w.model
	if t, err := w.store.GetTable(payload.TableID); err == nil {
		for _, col := range t.Columns {
			if cfg, ok := col.GenConfig.(*table.EmbedGenConfig); ok {
				model = cfg.Model
				break
			}
		}
	}

	all, err := w.store.ListChunks(payload.TableID)
	if err != nil {
		return fmt.Errorf("loading chunks: %w", err)
	}
	var chunks []table.Chunk
	for _, ch := range all {
		if ch.FileID == payload.FileID && len(ch.Embedding) == 0 {
			chunks = append(chunks, ch)
		}
	}
	if len(chunks) == 0 {
		return nil
	}

	for start := 0; start < len(chunks); start += embedBatchSize {
		end := min(start+embedBatchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, ch := range batch {
			texts[i] = ch.Text
		}
		vecs, err := w.embedder.Embed(ctx, model, texts)
		if err != nil {
			return fmt.Errorf("embedding batch: %w", err)
		}
		for i := range batch {
			chunks[start+i].Embedding = vecs[i]
			if err := w.store.SetChunkEmbedding(batch[i].ID, vecs[i]); err != nil {
				return fmt.Errorf("storing embedding for chunk %s: %w", batch[i].ID, err)
			}
		}
	}

	return w.indexes.UpdateForInsert(ctx, payload.TableID, chunks)
}
