package ingest

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/kalambet/gentable/internal/storage"
	"github.com/kalambet/gentable/internal/table"
)

// JobTypeEmbed is the queue type for background chunk embedding.
const JobTypeEmbed = "embed_chunks"

// Indexer applies chunk deltas to a knowledge table's indexes.
type Indexer interface {
	UpdateForInsert(ctx context.Context, tableID string, chunks []table.Chunk) error
	UpdateForDelete(ctx context.Context, tableID string, chunkIDs []string, rowids []int64) error
}

// Pipeline ingests uploaded files into knowledge tables. Text extraction
// and chunking run synchronously; embedding is deferred to the job queue so
// uploads return quickly.
type Pipeline struct {
	store     *storage.Store
	indexes   Indexer
	chunkSize int
	overlap   int
}

// NewPipeline creates a Pipeline with default chunking parameters.
func NewPipeline(store *storage.Store, indexes Indexer) *Pipeline {
	return &Pipeline{
		store:     store,
		indexes:   indexes,
		chunkSize: defaultChunkSize,
		overlap:   defaultChunkOverlap,
	}
}

// WithChunking overrides the default chunk size and overlap. Non-positive
// values keep the defaults.
func (p *Pipeline) WithChunking(size, overlap int) *Pipeline {
	if size > 0 {
		p.chunkSize = size
	}
	if overlap > 0 {
		p.overlap = overlap
	}
	return p
}

type embedPayload struct {
	TableID string `json:"table_id"`
	FileID  string `json:"file_id"`
}

// UploadFile extracts, chunks and persists a document into a knowledge
// table, then queues its embedding. Returns the file ID grouping the
// resulting chunks.
func (p *Pipeline) UploadFile(ctx context.Context, tableID, filename string, data []byte) (string, error) {
	t, err := p.store.GetTable(tableID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return "", table.Validationf("table %s does not exist", tableID)
		}
		return "", err
	}
	if t.Kind != table.KindKnowledge {
		return "", table.Validationf("table %s is not a knowledge table", tableID)
	}

	doc, err := Extract(filename, data)
	if err != nil {
		return "", err
	}

	fileID := uuid.NewString()
	var chunks []table.Chunk
	for _, page := range doc.Pages {
		for _, text := range Split(page.Text, p.chunkSize, p.overlap) {
			chunks = append(chunks, table.Chunk{
				ID:      uuid.NewString(),
				TableID: tableID,
				Text:    text,
				Title:   doc.Title,
				Page:    page.Number,
				FileID:  fileID,
			})
		}
	}
	if len(chunks) == 0 {
		return "", table.Validationf("file %s contains no extractable text", filename)
	}

	if err := p.store.InsertChunks(tableID, chunks); err != nil {
		return "", err
	}

	payload, _ := json.Marshal(embedPayload{TableID: tableID, FileID: fileID})
	if err := p.store.EnqueueJob(storage.Job{
		ID:          uuid.NewString(),
		Type:        JobTypeEmbed,
		PayloadJSON: string(payload),
	}); err != nil {
		return "", err
	}
	return fileID, nil
}

// DeleteFile removes a file's chunks and their index entries.
func (p *Pipeline) DeleteFile(ctx context.Context, tableID, fileID string) error {
	chunks, err := p.store.ListChunks(tableID)
	if err != nil {
		return err
	}
	var ids []string
	for _, ch := range chunks {
		if ch.FileID == fileID {
			ids = append(ids, ch.ID)
		}
	}
	if len(ids) == 0 {
		return table.Validationf("table %s has no file %s", tableID, fileID)
	}

	rowids, err := p.store.DeleteChunksByFile(tableID, fileID)
	if err != nil {
		return err
	}
	return p.indexes.UpdateForDelete(ctx, tableID, ids, rowids)
}
