// Package storage defines the persistence contract for documents and their
// conversation-bound chunks.
//
// Every read is scoped: there is no exported "fetch all chunks" operation, so
// retrieval code cannot express an unscoped query. Orphan chunks (no
// conversation binding) are reachable only through OrphanChunks, which exists
// for migration tooling and opt-in legacy-compatibility search.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/kaiwa/internal/models"
)

// ErrNotFound is returned (wrapped) when a document or chunk does not exist.
var ErrNotFound = errors.New("not found")

// ContentHash returns the hex SHA-256 of content, the key used for
// per-conversation document deduplication.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// StorageError wraps a persistence failure. Ingestion writes are transactional,
// so a StorageError from PutChunks guarantees no partial chunk set is visible.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// IsolationError reports a chunk returned by a conversation-scoped query whose
// binding does not match the requested conversation. This must never happen in
// correct operation; it is fatal to the request, never silently filtered.
type IsolationError struct {
	ChunkID string
	Want    string
	Got     string
}

func (e *IsolationError) Error() string {
	return fmt.Sprintf("isolation violation: chunk %s bound to %q returned for conversation %q", e.ChunkID, e.Got, e.Want)
}

// Storage persists documents and chunks. Implementations must make PutChunks
// atomic and must never return a chunk from ChunksByConversation whose binding
// differs from the requested conversation.
type Storage interface {
	// PutChunks persists doc and its chunks in a single transaction, all bound
	// to doc.ConversationID. Either everything is visible afterwards or nothing.
	PutChunks(ctx context.Context, doc *models.Document, chunks []*models.Chunk) error

	GetDocument(ctx context.Context, id string) (*models.Document, error)
	// DocumentByHash finds a conversation's document with the given content
	// hash, for ingestion dedup. Returns ErrNotFound (wrapped) when absent.
	DocumentByHash(ctx context.Context, conversationID, contentHash string) (*models.Document, error)

	// ChunksByConversation returns up to limit chunks bound to conversationID,
	// in no guaranteed order. Empty result is not an error.
	ChunksByConversation(ctx context.Context, conversationID string, limit int) ([]*models.Chunk, error)
	// OrphanChunks returns up to limit chunks with no conversation binding.
	OrphanChunks(ctx context.Context, limit int) ([]*models.Chunk, error)
	CountChunksByConversation(ctx context.Context, conversationID string) (int64, error)

	DeleteByDocument(ctx context.Context, documentID string) error
	DeleteByConversation(ctx context.Context, conversationID string) error

	// BackfillOrphanBindings binds orphan chunks to their parent document's
	// conversation where the document has one. Returns the number backfilled.
	BackfillOrphanBindings(ctx context.Context) (int64, error)
	CountOrphans(ctx context.Context) (int64, error)
	CountOrphansOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	// DeleteOrphansOlderThan removes orphan chunks created before cutoff.
	// Bound chunks are never touched.
	DeleteOrphansOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	CountDocuments(ctx context.Context) (int64, error)
	CountChunks(ctx context.Context) (int64, error)

	Close() error
}
