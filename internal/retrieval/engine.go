// Package retrieval answers conversation-scoped similarity queries.
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/hyperjump/kaiwa/internal/config"
	"github.com/hyperjump/kaiwa/internal/embedding"
	"github.com/hyperjump/kaiwa/internal/models"
	"github.com/hyperjump/kaiwa/internal/reranker"
	"github.com/hyperjump/kaiwa/internal/storage"
	"github.com/hyperjump/kaiwa/internal/vector"
)

// Engine embeds the query, scores conversation-scoped candidates by cosine
// similarity, and returns the top results. Orphan chunks participate only
// when the request opts into legacy compatibility, and always rank after
// every exact-conversation hit.
type Engine struct {
	store        storage.Storage
	embedder     embedding.Embedder
	reranker     reranker.Reranker
	candidateCap int
	rerankTopN   int
	logger       *zap.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithReranker enables keyword reranking of the leading exact matches.
func WithReranker(r reranker.Reranker) EngineOption {
	return func(e *Engine) { e.reranker = r }
}

// WithEngineLogger sets a logger for search events.
func WithEngineLogger(l *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates a retrieval engine.
func NewEngine(store storage.Storage, embedder embedding.Embedder, cfg *config.RetrievalConfig, opts ...EngineOption) *Engine {
	e := &Engine{
		store:        store,
		embedder:     embedder,
		candidateCap: cfg.CandidateCap,
		rerankTopN:   cfg.RerankTopN,
	}
	if e.candidateCap <= 0 {
		e.candidateCap = 1000
	}
	if e.rerankTopN <= 0 {
		e.rerankTopN = 10
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Search runs req against the store. An empty candidate set returns an empty
// slice and nil error; embedding or storage failures return an error with no
// partial results.
func (e *Engine) Search(ctx context.Context, req *models.SearchRequest) ([]*models.SearchResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	queryVec, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	exactLimit := e.candidateCap
	if n, countErr := e.store.CountChunksByConversation(ctx, req.ConversationID); countErr == nil && int(n) < exactLimit {
		exactLimit = int(n)
	}

	scope := storage.Conversation(req.ConversationID)
	if req.LegacyCompat {
		scope = storage.LegacyCompat(req.ConversationID)
	}
	exact, orphans, err := storage.ChunksForScope(ctx, e.store, scope, exactLimit, e.candidateCap)
	if err != nil {
		return nil, err
	}
	if len(exact) == 0 && len(orphans) == 0 {
		return []*models.SearchResult{}, nil
	}

	docs := map[string]*models.Document{}
	exactResults, err := e.score(ctx, queryVec, exact, false, docs)
	if err != nil {
		return nil, err
	}
	orphanResults, err := e.score(ctx, queryVec, orphans, true, docs)
	if err != nil {
		return nil, err
	}
	sortResults(exactResults)
	sortResults(orphanResults)

	exactResults = e.rerank(ctx, req.Query, exactResults)

	// Exact-conversation hits always precede orphan hits, whatever the scores.
	combined := append(exactResults, orphanResults...)
	if len(combined) > req.TopK {
		combined = combined[:req.TopK]
	}
	for i, res := range combined {
		res.Rank = i + 1
	}

	if e.logger != nil {
		e.logger.Debug("search completed",
			zap.String("conversation_id", req.ConversationID),
			zap.Bool("legacy_compat", req.LegacyCompat),
			zap.Int("candidates", len(exact)+len(orphans)),
			zap.Int("results", len(combined)))
	}
	return combined, nil
}

// score turns chunks into results with cosine scores. A dimensionality
// mismatch between the query vector and any stored chunk is an error, never a
// silently skipped candidate.
func (e *Engine) score(ctx context.Context, queryVec []float32, chunks []*models.Chunk, orphan bool, docs map[string]*models.Document) ([]*models.SearchResult, error) {
	results := make([]*models.SearchResult, 0, len(chunks))
	for _, ch := range chunks {
		sim, err := vector.CosineSimilarity(queryVec, ch.Embedding)
		if err != nil {
			return nil, fmt.Errorf("score chunk %s: %w", ch.ID, err)
		}
		doc, ok := docs[ch.DocumentID]
		if !ok {
			doc, err = e.store.GetDocument(ctx, ch.DocumentID)
			if err != nil {
				return nil, fmt.Errorf("resolve document %s: %w", ch.DocumentID, err)
			}
			docs[ch.DocumentID] = doc
		}
		results = append(results, &models.SearchResult{
			Content: ch.Content,
			Score:   sim,
			Document: models.DocumentRef{
				ID:             doc.ID,
				Filename:       doc.Filename,
				ConversationID: doc.ConversationID,
			},
			ChunkIndex: ch.ChunkIndex,
			Orphan:     orphan,
		})
	}
	return results, nil
}

// rerank re-orders the leading exact matches by keyword relevance. A reranker
// failure falls back to the cosine order with a warning.
func (e *Engine) rerank(ctx context.Context, query string, results []*models.SearchResult) []*models.SearchResult {
	if e.reranker == nil || len(results) < 2 {
		return results
	}
	n := e.rerankTopN
	if n > len(results) {
		n = len(results)
	}
	head, err := e.reranker.Rerank(ctx, query, results[:n])
	if err != nil {
		if e.logger != nil {
			e.logger.Warn("rerank failed, keeping similarity order", zap.Error(err))
		}
		return results
	}
	return append(head, results[n:]...)
}

// sortResults orders by score descending, breaking ties by document ID and
// then chunk ordinal so equal scores rank identically across runs.
func sortResults(results []*models.SearchResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Document.ID != results[j].Document.ID {
			return results[i].Document.ID < results[j].Document.ID
		}
		return results[i].ChunkIndex < results[j].ChunkIndex
	})
}
