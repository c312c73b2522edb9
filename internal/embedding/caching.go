package embedding

import (
	"context"
	"errors"
	"fmt"
)

// CachingEmbedder wraps a provider with a shared Cache. The cache is injected,
// never constructed here, so its lifecycle (and InvalidateAll on model change)
// belongs to the process, and tests can substitute a fresh instance.
type CachingEmbedder struct {
	provider Embedder
	cache    *Cache
	modelID  string
}

// NewCachingEmbedder wraps provider with cache. modelID is part of every cache
// key so vectors from different models cannot collide.
func NewCachingEmbedder(provider Embedder, cache *Cache, modelID string) (*CachingEmbedder, error) {
	if cache == nil {
		return nil, fmt.Errorf("caching embedder: cache is required")
	}
	if modelID == "" {
		return nil, fmt.Errorf("caching embedder: model id is required")
	}
	return &CachingEmbedder{provider: provider, cache: cache, modelID: modelID}, nil
}

// Embed returns the cached vector for text when present, otherwise asks the
// provider and fills the cache.
func (e *CachingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := Key(e.modelID, text)
	if vec, ok := e.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := e.provider.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Put(key, vec)
	return vec, nil
}

// EmbedBatch resolves cache hits locally and sends only the misses to the
// provider. On partial provider failure the successful vectors (cached and
// fresh) are kept and the error reports the original indices that failed.
func (e *CachingEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missTexts []string
	var missIndices []int
	for i, text := range texts {
		if vec, ok := e.cache.Get(Key(e.modelID, text)); ok {
			out[i] = vec
			continue
		}
		missTexts = append(missTexts, text)
		missIndices = append(missIndices, i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := e.provider.EmbedBatch(ctx, missTexts)
	for mi, vec := range vecs {
		if vec == nil {
			continue
		}
		orig := missIndices[mi]
		out[orig] = vec
		e.cache.Put(Key(e.modelID, texts[orig]), vec)
	}
	if err != nil {
		var pe *ProviderError
		if errors.As(err, &pe) {
			// Remap the provider's miss-relative indices to caller indices.
			failed := make([]int, 0, len(pe.Indices))
			for _, mi := range pe.Indices {
				if mi >= 0 && mi < len(missIndices) {
					failed = append(failed, missIndices[mi])
				}
			}
			return out, &ProviderError{Indices: failed, Transient: pe.Transient, Err: pe.Err}
		}
		return out, err
	}
	return out, nil
}

// Dimensions returns the provider's dimensionality.
func (e *CachingEmbedder) Dimensions() int { return e.provider.Dimensions() }

// Close closes the underlying provider. The cache is owned by the caller.
func (e *CachingEmbedder) Close() error { return e.provider.Close() }
