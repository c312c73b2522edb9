package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	defaultBaseURL    = "https://api.openai.com/v1"
	defaultModel      = "text-embedding-3-small"
	defaultBatchSize  = 100
	defaultMaxRetries = 3
	defaultTimeout    = 30 * time.Second
	baseRetryDelay    = 200 * time.Millisecond
	maxRetryDelay     = 5 * time.Second
)

// ProviderConfig configures the OpenAI-compatible embeddings provider.
type ProviderConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	BatchSize  int
	MaxRetries int
	Timeout    time.Duration
}

// OpenAIProvider calls an OpenAI-compatible /embeddings endpoint. Requests are
// batched; transient failures (429, 5xx, network) are retried with exponential
// backoff up to MaxRetries, permanent failures (4xx) surface immediately.
type OpenAIProvider struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	batchSize  int
	maxRetries int
	client     *http.Client
	retryDelay func(attempt int) time.Duration // replaced in tests
}

// NewOpenAIProvider creates a provider from cfg, applying defaults for unset
// fields. Dimensions must be set: it is the process-wide dimensionality every
// returned vector is checked against.
func NewOpenAIProvider(cfg ProviderConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("embedding provider: missing API key")
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("embedding provider: dimensions must be positive")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &OpenAIProvider{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		batchSize:  cfg.BatchSize,
		maxRetries: cfg.MaxRetries,
		client:     &http.Client{Timeout: cfg.Timeout},
		retryDelay: retryDelay,
	}, nil
}

// Model returns the provider's model identifier.
func (p *OpenAIProvider) Model() string { return p.model }

// Dimensions returns the configured embedding dimensionality.
func (p *OpenAIProvider) Dimensions() int { return p.dimensions }

// Embed returns the embedding for a single text.
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embedGroup(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts in groups of the configured batch size. A group that
// fails after retries contributes nil vectors at its indices; successful groups
// are kept. The returned error names every failed index.
func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var failed []int
	var firstErr *ProviderError

	for start := 0; start < len(texts); start += p.batchSize {
		end := start + p.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := p.embedGroup(ctx, texts[start:end])
		if err != nil {
			var pe *ProviderError
			if !errors.As(err, &pe) {
				pe = &ProviderError{Err: err}
			}
			if firstErr == nil {
				firstErr = pe
			}
			for i := start; i < end; i++ {
				failed = append(failed, i)
			}
			continue
		}
		copy(out[start:end], vecs)
	}

	if firstErr != nil {
		return out, &ProviderError{Indices: failed, Transient: firstErr.Transient, Err: firstErr.Err}
	}
	return out, nil
}

type embeddingsRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *OpenAIProvider) embedGroup(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingsRequest{Input: texts, Model: p.model})
	if err != nil {
		return nil, &ProviderError{Err: err}
	}
	url := p.baseURL + "/embeddings"

	var lastErr *ProviderError
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &ProviderError{Transient: true, Err: ctx.Err()}
			case <-time.After(lastErr.retryAfter(p.retryDelay, attempt-1)):
			}
		}

		vecs, perr := p.doRequest(ctx, url, body, len(texts))
		if perr == nil {
			return vecs, nil
		}
		if !perr.Transient {
			return nil, perr
		}
		lastErr = perr
	}
	return nil, lastErr
}

func (p *OpenAIProvider) doRequest(ctx context.Context, url string, body []byte, want int) ([][]float32, *ProviderError) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &ProviderError{Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		// Network and timeout errors are transient.
		return nil, &ProviderError{Transient: true, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		pe := &ProviderError{Transient: true, Err: fmt.Errorf("embeddings request failed: %s", resp.Status)}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, convErr := strconv.Atoi(ra); convErr == nil {
				pe.serverDelay = time.Duration(secs) * time.Second
			}
		}
		return nil, pe
	case resp.StatusCode >= 300:
		return nil, &ProviderError{Err: fmt.Errorf("embeddings request failed: %s", resp.Status)}
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &ProviderError{Transient: true, Err: err}
	}
	var parsed embeddingsResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, &ProviderError{Err: fmt.Errorf("decode embeddings response: %w", err)}
	}
	if len(parsed.Data) != want {
		return nil, &ProviderError{Err: fmt.Errorf("embeddings response has %d vectors, want %d", len(parsed.Data), want)}
	}

	vecs := make([][]float32, want)
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= want {
			return nil, &ProviderError{Err: fmt.Errorf("embeddings response index %d out of range", d.Index)}
		}
		if len(d.Embedding) != p.dimensions {
			return nil, &ProviderError{Err: fmt.Errorf("embedding has %d dimensions, expected %d", len(d.Embedding), p.dimensions)}
		}
		vecs[d.Index] = d.Embedding
	}
	for i, v := range vecs {
		if v == nil {
			return nil, &ProviderError{Err: fmt.Errorf("embeddings response missing index %d", i)}
		}
	}
	return vecs, nil
}

// Close is a no-op for the HTTP provider.
func (p *OpenAIProvider) Close() error { return nil }

func retryDelay(attempt int) time.Duration {
	d := baseRetryDelay << attempt
	if d > maxRetryDelay {
		d = maxRetryDelay
	}
	return d
}
