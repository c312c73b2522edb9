// Package storage provides the SQLite implementation of the Storage interface.
package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/kaiwa/internal/models"
)

// SQLiteStorage implements Storage using SQLite. Embeddings are stored as
// little-endian float32 blobs of a fixed dimensionality; writes and reads of a
// vector with any other dimensionality fail fast rather than corrupting
// similarity math downstream.
//
// Connections come from the database/sql pool, so every operation acquires its
// own handle for the duration of the statement and releases it on completion;
// no handle is held across a blocking boundary.
type SQLiteStorage struct {
	db         *sql.DB
	dimensions int
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes
// the schema. dimensions is the process-wide embedding dimensionality.
func NewSQLiteStorage(dbPath string, dimensions int) (*SQLiteStorage, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db, dimensions: dimensions}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL DEFAULT '',
		conversation_id TEXT,
		content_hash TEXT NOT NULL,
		filename TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_conversation_hash
		ON documents(conversation_id, content_hash);
	CREATE INDEX IF NOT EXISTS idx_documents_conversation ON documents(conversation_id);

	CREATE TABLE IF NOT EXISTS chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		conversation_id TEXT,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		embedding BLOB NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_conversation ON chunks(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_chunks_document_conversation ON chunks(document_id, conversation_id);
	`
	_, err := db.Exec(schema)
	return err
}

// Dimensions returns the configured embedding dimensionality.
func (s *SQLiteStorage) Dimensions() int { return s.dimensions }

// PutChunks persists doc and chunks in one transaction. Every chunk inherits
// doc's conversation binding; a chunk carrying a different non-empty binding or
// a wrong-sized embedding aborts the whole write.
func (s *SQLiteStorage) PutChunks(ctx context.Context, doc *models.Document, chunks []*models.Chunk) error {
	for _, ch := range chunks {
		if ch.ConversationID != "" && ch.ConversationID != doc.ConversationID {
			return &StorageError{Op: "put", Err: fmt.Errorf("chunk %s bound to %q, document bound to %q", ch.ID, ch.ConversationID, doc.ConversationID)}
		}
		if len(ch.Embedding) != s.dimensions {
			return &StorageError{Op: "put", Err: fmt.Errorf("chunk %s embedding has %d dimensions, store expects %d", ch.ID, len(ch.Embedding), s.dimensions)}
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: "put", Err: err}
	}
	defer tx.Rollback()

	now := time.Now()
	doc.CreatedAt = now
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (id, user_id, conversation_id, content_hash, filename, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.UserID, nullableString(doc.ConversationID), doc.ContentHash, doc.Filename, doc.CreatedAt,
	); err != nil {
		return &StorageError{Op: "put document", Err: err}
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (id, document_id, conversation_id, chunk_index, content, embedding, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return &StorageError{Op: "put chunks", Err: err}
	}
	defer stmt.Close()

	for _, ch := range chunks {
		ch.ConversationID = doc.ConversationID
		ch.CreatedAt = now
		if _, err := stmt.ExecContext(ctx,
			ch.ID, ch.DocumentID, nullableString(ch.ConversationID), ch.ChunkIndex,
			ch.Content, encodeEmbedding(ch.Embedding), ch.CreatedAt,
		); err != nil {
			return &StorageError{Op: "put chunks", Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: "put", Err: err}
	}
	return nil
}

// GetDocument returns a document by ID.
func (s *SQLiteStorage) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, conversation_id, content_hash, filename, created_at
		 FROM documents WHERE id = ?`, id))
}

// DocumentByHash finds a conversation's document by content hash, for dedup.
func (s *SQLiteStorage) DocumentByHash(ctx context.Context, conversationID, contentHash string) (*models.Document, error) {
	return s.scanDocument(s.db.QueryRowContext(ctx,
		`SELECT id, user_id, conversation_id, content_hash, filename, created_at
		 FROM documents WHERE conversation_id = ? AND content_hash = ?`,
		conversationID, contentHash))
}

func (s *SQLiteStorage) scanDocument(row *sql.Row) (*models.Document, error) {
	var doc models.Document
	var convID, filename sql.NullString
	err := row.Scan(&doc.ID, &doc.UserID, &convID, &doc.ContentHash, &filename, &doc.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("document: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	doc.ConversationID = convID.String
	doc.Filename = filename.String
	return &doc, nil
}

// ChunksByConversation returns up to limit chunks bound to conversationID.
// Every returned row is asserted to carry the requested binding; a mismatch
// aborts the read with an IsolationError rather than filtering the row.
func (s *SQLiteStorage) ChunksByConversation(ctx context.Context, conversationID string, limit int) ([]*models.Chunk, error) {
	if conversationID == "" {
		return nil, &StorageError{Op: "query", Err: fmt.Errorf("conversation id is required")}
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, conversation_id, chunk_index, content, embedding, created_at
		 FROM chunks WHERE conversation_id = ? LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, &StorageError{Op: "query", Err: err}
	}
	defer rows.Close()

	chunks, err := s.scanChunks(rows)
	if err != nil {
		return nil, err
	}
	for _, ch := range chunks {
		if ch.ConversationID != conversationID {
			return nil, &IsolationError{ChunkID: ch.ID, Want: conversationID, Got: ch.ConversationID}
		}
	}
	return chunks, nil
}

// OrphanChunks returns up to limit chunks with no conversation binding.
func (s *SQLiteStorage) OrphanChunks(ctx context.Context, limit int) ([]*models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, conversation_id, chunk_index, content, embedding, created_at
		 FROM chunks WHERE conversation_id IS NULL LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, &StorageError{Op: "query orphans", Err: err}
	}
	defer rows.Close()
	return s.scanChunks(rows)
}

func (s *SQLiteStorage) scanChunks(rows *sql.Rows) ([]*models.Chunk, error) {
	var chunks []*models.Chunk
	for rows.Next() {
		var ch models.Chunk
		var convID sql.NullString
		var blob []byte
		if err := rows.Scan(&ch.ID, &ch.DocumentID, &convID, &ch.ChunkIndex, &ch.Content, &blob, &ch.CreatedAt); err != nil {
			return nil, err
		}
		ch.ConversationID = convID.String
		emb, err := decodeEmbedding(blob)
		if err != nil {
			return nil, fmt.Errorf("chunk %s: %w", ch.ID, err)
		}
		if len(emb) != s.dimensions {
			return nil, fmt.Errorf("chunk %s embedding has %d dimensions, store expects %d", ch.ID, len(emb), s.dimensions)
		}
		ch.Embedding = emb
		chunks = append(chunks, &ch)
	}
	return chunks, rows.Err()
}

// CountChunksByConversation returns the number of chunks bound to conversationID.
func (s *SQLiteStorage) CountChunksByConversation(ctx context.Context, conversationID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE conversation_id = ?`, conversationID,
	).Scan(&count)
	return count, err
}

// DeleteByDocument removes a document and all its chunks.
func (s *SQLiteStorage) DeleteByDocument(ctx context.Context, documentID string) error {
	return s.deleteWhere(ctx, "delete document",
		`DELETE FROM chunks WHERE document_id = ?`,
		`DELETE FROM documents WHERE id = ?`, documentID)
}

// DeleteByConversation removes all documents and chunks bound to conversationID.
func (s *SQLiteStorage) DeleteByConversation(ctx context.Context, conversationID string) error {
	return s.deleteWhere(ctx, "delete conversation",
		`DELETE FROM chunks WHERE conversation_id = ?`,
		`DELETE FROM documents WHERE conversation_id = ?`, conversationID)
}

func (s *SQLiteStorage) deleteWhere(ctx context.Context, op, chunkStmt, docStmt, arg string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StorageError{Op: op, Err: err}
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, chunkStmt, arg); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	if _, err := tx.ExecContext(ctx, docStmt, arg); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &StorageError{Op: op, Err: err}
	}
	return nil
}

// BackfillOrphanBindings binds orphan chunks to their parent document's
// conversation where the document has one.
func (s *SQLiteStorage) BackfillOrphanBindings(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE chunks SET conversation_id = (
			SELECT d.conversation_id FROM documents d WHERE d.id = chunks.document_id
		 )
		 WHERE conversation_id IS NULL
		   AND (SELECT d.conversation_id FROM documents d WHERE d.id = chunks.document_id) IS NOT NULL`,
	)
	if err != nil {
		return 0, &StorageError{Op: "backfill", Err: err}
	}
	return res.RowsAffected()
}

// CountOrphans returns the number of chunks with no conversation binding.
func (s *SQLiteStorage) CountOrphans(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE conversation_id IS NULL`).Scan(&count)
	return count, err
}

// CountOrphansOlderThan returns the number of orphan chunks created before cutoff.
func (s *SQLiteStorage) CountOrphansOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE conversation_id IS NULL AND created_at < ?`, cutoff,
	).Scan(&count)
	return count, err
}

// DeleteOrphansOlderThan removes orphan chunks created before cutoff.
func (s *SQLiteStorage) DeleteOrphansOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE conversation_id IS NULL AND created_at < ?`, cutoff,
	)
	if err != nil {
		return 0, &StorageError{Op: "delete orphans", Err: err}
	}
	return res.RowsAffected()
}

// CountDocuments returns the total number of documents.
func (s *SQLiteStorage) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&count)
	return count, err
}

// CountChunks returns the total number of chunks.
func (s *SQLiteStorage) CountChunks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func encodeEmbedding(v []float32) []byte {
	out := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(out[i*4:(i+1)*4], math.Float32bits(f))
	}
	return out
}

func decodeEmbedding(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(b))
	}
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4 : (i+1)*4]))
	}
	return out, nil
}
