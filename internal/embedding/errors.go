package embedding

import (
	"fmt"
	"time"
)

// ProviderError reports an embedding-provider failure. Transient failures
// (rate limits, network, 5xx) have already been retried with backoff by the
// time this surfaces; permanent failures (auth, malformed input) surface
// immediately. Indices names the positions in the batch that failed; it is nil
// for single-text calls.
type ProviderError struct {
	Indices   []int
	Transient bool
	Err       error

	// serverDelay holds a Retry-After hint from the provider, used instead of
	// the computed backoff when present.
	serverDelay time.Duration
}

// retryAfter returns the delay before the next attempt: the server's
// Retry-After hint when given, the computed backoff otherwise.
func (e *ProviderError) retryAfter(backoff func(int) time.Duration, attempt int) time.Duration {
	if e.serverDelay > 0 {
		return e.serverDelay
	}
	return backoff(attempt)
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if len(e.Indices) > 0 {
		return fmt.Sprintf("embedding provider (%s, indices %v): %v", kind, e.Indices, e.Err)
	}
	return fmt.Sprintf("embedding provider (%s): %v", kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
