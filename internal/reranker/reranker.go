// Package reranker re-orders retrieval candidates by keyword relevance.
package reranker

import (
	"context"

	"github.com/hyperjump/kaiwa/internal/models"
)

// Reranker re-orders candidates for a query. Implementations must be
// deterministic for fixed inputs and must not add or drop candidates.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []*models.SearchResult) ([]*models.SearchResult, error)
}
