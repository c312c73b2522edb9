package storage

import (
	"context"

	"github.com/hyperjump/kaiwa/internal/models"
)

// Scope is a tagged query descriptor: either a strict conversation scope or a
// legacy-compatibility scope that additionally admits orphan chunks. It is the
// only way retrieval addresses chunk reads, and ChunksForScope is the single
// code path translating it to storage operations.
type Scope struct {
	conversationID string
	legacyCompat   bool
}

// Conversation returns a strict scope: only chunks bound to conversationID.
func Conversation(conversationID string) Scope {
	return Scope{conversationID: conversationID}
}

// LegacyCompat returns a scope that also admits orphan chunks. Callers must
// rank orphan results below every exact-conversation result.
func LegacyCompat(conversationID string) Scope {
	return Scope{conversationID: conversationID, legacyCompat: true}
}

// ConversationID returns the scope's conversation identifier.
func (s Scope) ConversationID() string { return s.conversationID }

// IncludesOrphans reports whether the scope admits orphan chunks.
func (s Scope) IncludesOrphans() bool { return s.legacyCompat }

// ChunksForScope fetches the candidate chunks for a scope. Exact-conversation
// chunks and orphan chunks are returned separately so the caller cannot blend
// their ranking by accident; orphans is nil unless the scope is legacy-compat.
func ChunksForScope(ctx context.Context, store Storage, scope Scope, exactLimit, orphanLimit int) (exact, orphans []*models.Chunk, err error) {
	if err := models.ValidateConversationID(scope.conversationID); err != nil {
		return nil, nil, err
	}
	exact, err = store.ChunksByConversation(ctx, scope.conversationID, exactLimit)
	if err != nil {
		return nil, nil, err
	}
	if scope.legacyCompat {
		orphans, err = store.OrphanChunks(ctx, orphanLimit)
		if err != nil {
			return nil, nil, err
		}
	}
	return exact, orphans, nil
}
