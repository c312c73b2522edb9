package embedding

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// countingProvider wraps MockEmbedder and counts provider calls; failTexts
// lists texts whose embedding fails.
type countingProvider struct {
	*MockEmbedder
	embedCalls int
	batchCalls int
	failTexts  map[string]bool
}

func newCountingProvider(dims int) *countingProvider {
	return &countingProvider{MockEmbedder: NewMockEmbedder(dims), failTexts: map[string]bool{}}
}

func (p *countingProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.embedCalls++
	if p.failTexts[text] {
		return nil, &ProviderError{Err: fmt.Errorf("bad input")}
	}
	return p.MockEmbedder.Embed(ctx, text)
}

func (p *countingProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.batchCalls++
	out := make([][]float32, len(texts))
	var failed []int
	for i, text := range texts {
		if p.failTexts[text] {
			failed = append(failed, i)
			continue
		}
		vec, err := p.MockEmbedder.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	if len(failed) > 0 {
		return out, &ProviderError{Indices: failed, Err: fmt.Errorf("bad input")}
	}
	return out, nil
}

func TestEmbedUsesCacheOnSecondCall(t *testing.T) {
	provider := newCountingProvider(8)
	cache := NewCache(10)
	emb, err := NewCachingEmbedder(provider, cache, "test-model")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	first, err := emb.Embed(ctx, "the sky is blue")
	if err != nil {
		t.Fatal(err)
	}
	second, err := emb.Embed(ctx, "the sky is blue")
	if err != nil {
		t.Fatal(err)
	}
	if provider.embedCalls != 1 {
		t.Errorf("provider called %d times, want 1", provider.embedCalls)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("cached vector differs at index %d", i)
		}
	}
}

func TestEmbedBatchSendsOnlyMisses(t *testing.T) {
	provider := newCountingProvider(8)
	cache := NewCache(10)
	emb, err := NewCachingEmbedder(provider, cache, "test-model")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, err := emb.Embed(ctx, "alpha"); err != nil {
		t.Fatal(err)
	}
	vecs, err := emb.EmbedBatch(ctx, []string{"alpha", "beta", "gamma"})
	if err != nil {
		t.Fatal(err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors", len(vecs))
	}
	for i, v := range vecs {
		if v == nil {
			t.Errorf("vector %d is nil", i)
		}
	}
	// alpha was cached; only beta and gamma go to the provider.
	if provider.batchCalls != 1 {
		t.Errorf("batch calls = %d, want 1", provider.batchCalls)
	}
}

func TestEmbedBatchPartialFailureRemapsIndices(t *testing.T) {
	provider := newCountingProvider(8)
	provider.failTexts["broken"] = true
	cache := NewCache(10)
	emb, err := NewCachingEmbedder(provider, cache, "test-model")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Pre-cache index 0 so provider indices differ from caller indices.
	if _, err := emb.Embed(ctx, "cached"); err != nil {
		t.Fatal(err)
	}

	vecs, err := emb.EmbedBatch(ctx, []string{"cached", "broken", "fine"})
	if err == nil {
		t.Fatal("expected partial failure error")
	}
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("error is %T, want *ProviderError", err)
	}
	if len(pe.Indices) != 1 || pe.Indices[0] != 1 {
		t.Errorf("failed indices = %v, want [1]", pe.Indices)
	}
	if vecs[0] == nil || vecs[2] == nil {
		t.Error("successful vectors discarded on partial failure")
	}
	if vecs[1] != nil {
		t.Error("failed index has a vector")
	}
}
