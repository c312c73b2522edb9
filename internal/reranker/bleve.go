package reranker

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"

	"github.com/hyperjump/kaiwa/internal/models"
)

// BleveReranker scores candidates against the query with a throwaway
// in-memory Bleve index. Candidates arrive already scoped to a conversation,
// so the index never holds text from anywhere else.
type BleveReranker struct{}

// NewBleveReranker creates a reranker.
func NewBleveReranker() *BleveReranker {
	return &BleveReranker{}
}

// Rerank orders keyword-matching candidates first, by Bleve score descending.
// Candidates the query does not match keep their incoming relative order and
// follow the matches.
func (r *BleveReranker) Rerank(ctx context.Context, query string, candidates []*models.SearchResult) ([]*models.SearchResult, error) {
	if len(candidates) < 2 {
		return candidates, nil
	}

	// Standard analyzer: lowercase + tokenize, no stemming, so query terms
	// match the exact words in the chunk text.
	im := bleve.NewIndexMapping()
	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	im.DefaultMapping = docMapping

	index, err := bleve.NewMemOnly(im)
	if err != nil {
		return nil, fmt.Errorf("create rerank index: %w", err)
	}
	defer index.Close()

	batch := index.NewBatch()
	for i, c := range candidates {
		if err := batch.Index(strconv.Itoa(i), map[string]string{"content": c.Content}); err != nil {
			return nil, fmt.Errorf("index candidate %d: %w", i, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		return nil, fmt.Errorf("index candidates: %w", err)
	}

	req := bleve.NewSearchRequest(bleve.NewMatchQuery(query))
	req.Size = len(candidates)
	res, err := index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("rerank search: %w", err)
	}

	keywordScore := make(map[int]float64, len(res.Hits))
	for _, hit := range res.Hits {
		i, convErr := strconv.Atoi(hit.ID)
		if convErr != nil {
			continue
		}
		keywordScore[i] = hit.Score
	}

	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return keywordScore[order[a]] > keywordScore[order[b]]
	})

	out := make([]*models.SearchResult, len(candidates))
	for pos, i := range order {
		out[pos] = candidates[i]
	}
	return out, nil
}
