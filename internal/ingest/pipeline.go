package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/kaiwa/internal/config"
	"github.com/hyperjump/kaiwa/internal/embedding"
	"github.com/hyperjump/kaiwa/internal/extract"
	"github.com/hyperjump/kaiwa/internal/models"
	"github.com/hyperjump/kaiwa/internal/storage"
)

// Pipeline ingests documents: extract text, chunk, embed, and persist the
// chunk set atomically bound to a conversation. An embedding or storage
// failure leaves nothing behind; dedup makes byte-identical re-uploads within
// a conversation a no-op.
type Pipeline struct {
	store     storage.Storage
	embedder  embedding.Embedder
	extractor *extract.Extractor
	chunker   *Chunker
	logger    *zap.Logger // optional; when set, logs ingestion events
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets a logger for ingestion events.
func WithLogger(l *zap.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a pipeline with the given dependencies.
func NewPipeline(
	store storage.Storage,
	embedder embedding.Embedder,
	extractor *extract.Extractor,
	cfg *config.ChunkingConfig,
	opts ...PipelineOption,
) *Pipeline {
	p := &Pipeline{
		store:     store,
		embedder:  embedder,
		extractor: extractor,
		chunker:   NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Ingest processes one document into conversationID and returns its reference.
// Re-uploading byte-identical content into the same conversation returns the
// existing document with Deduplicated set.
func (p *Pipeline) Ingest(ctx context.Context, content []byte, filename, userID, conversationID string) (*models.DocumentRef, error) {
	return p.ingest(ctx, uuid.New().String(), content, filename, userID, conversationID)
}

func (p *Pipeline) ingest(ctx context.Context, docID string, content []byte, filename, userID, conversationID string) (*models.DocumentRef, error) {
	if err := models.ValidateConversationID(conversationID); err != nil {
		return nil, err
	}
	if len(content) == 0 {
		return nil, &models.ValidationError{Field: "document", Reason: "cannot be empty"}
	}

	contentHash := storage.ContentHash(content)

	existing, err := p.store.DocumentByHash(ctx, conversationID, contentHash)
	if err == nil {
		if p.logger != nil {
			p.logger.Debug("ingest dedup hit",
				zap.String("conversation_id", conversationID),
				zap.String("document_id", existing.ID))
		}
		return &models.DocumentRef{
			ID:             existing.ID,
			Filename:       existing.Filename,
			ConversationID: conversationID,
			Deduplicated:   true,
		}, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	text, err := p.extractor.Extract(content, filename)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", filename, err)
	}
	chunkTexts := p.chunker.Split(text)
	if len(chunkTexts) == 0 {
		return nil, &models.ValidationError{Field: "document", Reason: "no extractable text"}
	}

	embeddings, err := p.embedder.EmbedBatch(ctx, chunkTexts)
	if err != nil {
		// Abort the document: no partial chunk set is ever persisted.
		return nil, fmt.Errorf("embed %s: %w", filename, err)
	}

	doc := &models.Document{
		ID:             docID,
		UserID:         userID,
		ConversationID: conversationID,
		ContentHash:    contentHash,
		Filename:       filename,
	}
	chunks := make([]*models.Chunk, len(chunkTexts))
	for i, ct := range chunkTexts {
		chunks[i] = &models.Chunk{
			ID:         fmt.Sprintf("%s_%d", docID, i),
			DocumentID: docID,
			ChunkIndex: i,
			Content:    ct,
			Embedding:  embeddings[i],
		}
	}
	if err := p.store.PutChunks(ctx, doc, chunks); err != nil {
		return nil, err
	}

	if p.logger != nil {
		p.logger.Info("document ingested",
			zap.String("conversation_id", conversationID),
			zap.String("document_id", docID),
			zap.String("filename", filename),
			zap.Int("chunks", len(chunks)))
	}
	return &models.DocumentRef{ID: docID, Filename: filename, ConversationID: conversationID}, nil
}

// IngestFile ingests the file at path into conversationID. The document ID is
// derived from the absolute path, so a changed file replaces its previous
// version instead of accumulating.
func (p *Pipeline) IngestFile(ctx context.Context, path, userID, conversationID string) (*models.DocumentRef, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	docID := fileDocID(absPath)

	// Unchanged file: dedup hit, keep the stored document as is.
	if existing, lookErr := p.store.DocumentByHash(ctx, conversationID, storage.ContentHash(content)); lookErr == nil {
		return &models.DocumentRef{
			ID:             existing.ID,
			Filename:       existing.Filename,
			ConversationID: conversationID,
			Deduplicated:   true,
		}, nil
	}
	if err := p.store.DeleteByDocument(ctx, docID); err != nil {
		return nil, err
	}
	return p.ingest(ctx, docID, content, filepath.Base(absPath), userID, conversationID)
}

// RemoveFile deletes the document previously ingested from path, with its chunks.
func (p *Pipeline) RemoveFile(ctx context.Context, path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("absolute path: %w", err)
	}
	return p.store.DeleteByDocument(ctx, fileDocID(absPath))
}

// FileResult is the outcome of one file in a batch ingest.
type FileResult struct {
	Path string
	Ref  *models.DocumentRef
	Err  error
}

// IngestFiles ingests each path independently; one file's extraction or
// embedding failure does not affect the others.
func (p *Pipeline) IngestFiles(ctx context.Context, paths []string, userID, conversationID string) []FileResult {
	results := make([]FileResult, 0, len(paths))
	for _, path := range paths {
		ref, err := p.IngestFile(ctx, path, userID, conversationID)
		if err != nil && p.logger != nil {
			p.logger.Warn("file ingest failed", zap.String("path", path), zap.Error(err))
		}
		results = append(results, FileResult{Path: path, Ref: ref, Err: err})
	}
	return results
}

// fileDocID returns a stable document ID for an absolute file path, so
// re-ingesting the same path updates the same document.
func fileDocID(absPath string) string {
	return "file:" + storage.ContentHash([]byte(filepath.Clean(absPath)))
}
