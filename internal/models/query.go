package models

import (
	"fmt"
	"unicode"
)

// maxConversationIDLen bounds conversation identifiers; anything longer is
// almost certainly caller corruption, not a real id.
const maxConversationIDLen = 128

// SearchRequest is a conversation-scoped retrieval request.
type SearchRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id"`
	TopK           int    `json:"top_k,omitempty"`
	// LegacyCompat opts in to also considering orphan chunks (no conversation
	// binding). Orphan matches always rank below every exact-conversation match.
	LegacyCompat bool `json:"legacy_compat,omitempty"`
}

// Validate checks the request and applies defaults. TopK defaults to 5 and is
// capped at 100. Returns a *ValidationError before any side effect occurs.
func (r *SearchRequest) Validate() error {
	if r.Query == "" {
		return &ValidationError{Field: "query", Reason: "cannot be empty"}
	}
	if err := ValidateConversationID(r.ConversationID); err != nil {
		return err
	}
	if r.TopK <= 0 {
		r.TopK = 5
	}
	if r.TopK > 100 {
		r.TopK = 100
	}
	return nil
}

// ValidateConversationID rejects empty, oversized, or malformed conversation
// identifiers (whitespace and control characters are not allowed).
func ValidateConversationID(id string) error {
	if id == "" {
		return &ValidationError{Field: "conversation_id", Reason: "cannot be empty"}
	}
	if len(id) > maxConversationIDLen {
		return &ValidationError{Field: "conversation_id", Reason: fmt.Sprintf("exceeds %d bytes", maxConversationIDLen)}
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return &ValidationError{Field: "conversation_id", Reason: "contains whitespace or control characters"}
		}
	}
	return nil
}
