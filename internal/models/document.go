// Package models defines core data structures for documents, chunks, and search requests.
package models

import "time"

// Document represents an ingested document. ConversationID is empty only for
// legacy data ingested before conversation binding existed; such documents and
// their chunks are "orphans" until migrated or cleaned up.
type Document struct {
	ID             string    `json:"id" db:"id"`
	UserID         string    `json:"user_id" db:"user_id"`
	ConversationID string    `json:"conversation_id,omitempty" db:"conversation_id"`
	ContentHash    string    `json:"content_hash" db:"content_hash"`
	Filename       string    `json:"filename" db:"filename"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// Chunk is a bounded span of a document's extracted text with its embedding.
// ConversationID always equals the parent document's binding; retrieval filters
// on the chunk's own binding, so the equality is an invariant, not redundancy.
type Chunk struct {
	ID             string    `json:"id" db:"id"`
	DocumentID     string    `json:"document_id" db:"document_id"`
	ConversationID string    `json:"conversation_id,omitempty" db:"conversation_id"`
	ChunkIndex     int       `json:"chunk_index" db:"chunk_index"`
	Content        string    `json:"content" db:"content"`
	Embedding      []float32 `json:"-" db:"-"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// DocumentRef is the caller-facing reference returned by ingestion and search.
type DocumentRef struct {
	ID             string `json:"id"`
	Filename       string `json:"filename,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	// Deduplicated is true when ingestion found byte-identical content already
	// bound to the conversation and returned the existing document.
	Deduplicated bool `json:"deduplicated,omitempty"`
}
