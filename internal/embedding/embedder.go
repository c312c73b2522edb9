// Package embedding provides text embedding via an external provider, with a
// shared content-addressed cache.
package embedding

import "context"

// Embedder produces vector embeddings for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds texts positionally. On partial failure the returned
	// slice keeps successful vectors at their indices and the error is a
	// *ProviderError naming the failed indices.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}
