package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/kaiwa/internal/models"
)

const testDims = 4

func testStore(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "kaiwa.db"), testDims)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testDoc(id, conversationID string) *models.Document {
	return &models.Document{
		ID:             id,
		UserID:         "user-1",
		ConversationID: conversationID,
		ContentHash:    "hash-" + id,
		Filename:       id + ".txt",
	}
}

func testChunks(docID string, n int) []*models.Chunk {
	chunks := make([]*models.Chunk, n)
	for i := range chunks {
		chunks[i] = &models.Chunk{
			ID:         fmt.Sprintf("%s_%d", docID, i),
			DocumentID: docID,
			ChunkIndex: i,
			Content:    fmt.Sprintf("chunk %d of %s", i, docID),
			Embedding:  []float32{float32(i), 1, 0, 0},
		}
	}
	return chunks
}

func TestPutChunksAndScopedQuery(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.PutChunks(ctx, testDoc("d1", "conv-a"), testChunks("d1", 3)); err != nil {
		t.Fatal(err)
	}
	if err := store.PutChunks(ctx, testDoc("d2", "conv-b"), testChunks("d2", 2)); err != nil {
		t.Fatal(err)
	}

	chunks, err := store.ChunksByConversation(ctx, "conv-a", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks for conv-a, want 3", len(chunks))
	}
	for _, ch := range chunks {
		if ch.ConversationID != "conv-a" {
			t.Errorf("chunk %s bound to %q", ch.ID, ch.ConversationID)
		}
		if len(ch.Embedding) != testDims {
			t.Errorf("chunk %s embedding dims = %d", ch.ID, len(ch.Embedding))
		}
	}

	// Chunks inherit the document binding on write.
	if chunks[0].Content == "" {
		t.Error("chunk content not round-tripped")
	}
}

func TestChunksByConversationRequiresID(t *testing.T) {
	store := testStore(t)
	if _, err := store.ChunksByConversation(context.Background(), "", 10); err == nil {
		t.Fatal("expected error for empty conversation id")
	}
}

func TestPutChunksDimensionMismatch(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	chunks := testChunks("d1", 2)
	chunks[1].Embedding = []float32{1, 2} // wrong dimensionality

	err := store.PutChunks(ctx, testDoc("d1", "conv-a"), chunks)
	if err == nil {
		t.Fatal("expected dimension error")
	}
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("error is %T, want *StorageError", err)
	}

	// All-or-nothing: nothing from the failed put is visible.
	got, err := store.ChunksByConversation(ctx, "conv-a", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("partial write visible: %d chunks", len(got))
	}
	n, err := store.CountDocuments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("document visible after failed put: %d", n)
	}
}

func TestPutChunksRejectsForeignBinding(t *testing.T) {
	store := testStore(t)
	chunks := testChunks("d1", 1)
	chunks[0].ConversationID = "conv-other"
	if err := store.PutChunks(context.Background(), testDoc("d1", "conv-a"), chunks); err == nil {
		t.Fatal("expected binding mismatch error")
	}
}

func TestDocumentByHashDedup(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	doc := testDoc("d1", "conv-a")
	if err := store.PutChunks(ctx, doc, testChunks("d1", 1)); err != nil {
		t.Fatal(err)
	}

	found, err := store.DocumentByHash(ctx, "conv-a", doc.ContentHash)
	if err != nil {
		t.Fatal(err)
	}
	if found.ID != "d1" {
		t.Errorf("got document %s, want d1", found.ID)
	}

	// Same hash under another conversation is not a duplicate.
	if _, err := store.DocumentByHash(ctx, "conv-b", doc.ContentHash); !errors.Is(err, ErrNotFound) {
		t.Errorf("cross-conversation hash lookup: err = %v, want ErrNotFound", err)
	}
}

func TestDeleteCascades(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.PutChunks(ctx, testDoc("d1", "conv-a"), testChunks("d1", 2)); err != nil {
		t.Fatal(err)
	}
	if err := store.PutChunks(ctx, testDoc("d2", "conv-a"), testChunks("d2", 2)); err != nil {
		t.Fatal(err)
	}

	if err := store.DeleteByDocument(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	chunks, err := store.ChunksByConversation(ctx, "conv-a", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 2 {
		t.Fatalf("after document delete: %d chunks, want 2", len(chunks))
	}

	if err := store.DeleteByConversation(ctx, "conv-a"); err != nil {
		t.Fatal(err)
	}
	n, err := store.CountChunks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("after conversation delete: %d chunks, want 0", n)
	}
}

func putOrphan(t *testing.T, store *SQLiteStorage, docID, docConversation string, createdAt time.Time) {
	t.Helper()
	ctx := context.Background()
	// Orphans predate conversation binding; simulate by inserting directly.
	_, err := store.db.ExecContext(ctx,
		`INSERT INTO documents (id, user_id, conversation_id, content_hash, filename, created_at)
		 VALUES (?, '', ?, ?, ?, ?)`,
		docID, nullableString(docConversation), "hash-"+docID, docID+".txt", createdAt)
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.db.ExecContext(ctx,
		`INSERT INTO chunks (id, document_id, conversation_id, chunk_index, content, embedding, created_at)
		 VALUES (?, ?, NULL, 0, 'legacy', ?, ?)`,
		docID+"_0", docID, encodeEmbedding([]float32{1, 0, 0, 0}), createdAt)
	if err != nil {
		t.Fatal(err)
	}
}

func TestOrphanBackfill(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	now := time.Now()

	putOrphan(t, store, "legacy1", "conv-a", now) // parent has a binding
	putOrphan(t, store, "legacy2", "", now)       // parent also unbound

	backfilled, err := store.BackfillOrphanBindings(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if backfilled != 1 {
		t.Errorf("backfilled = %d, want 1", backfilled)
	}

	chunks, err := store.ChunksByConversation(ctx, "conv-a", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || chunks[0].DocumentID != "legacy1" {
		t.Errorf("backfilled chunk not visible under conv-a: %+v", chunks)
	}

	remaining, err := store.CountOrphans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if remaining != 1 {
		t.Errorf("remaining orphans = %d, want 1", remaining)
	}
}

func TestDeleteOrphansOlderThan(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	old := time.Now().Add(-60 * 24 * time.Hour)
	putOrphan(t, store, "old", "", old)
	putOrphan(t, store, "recent", "", time.Now())
	if err := store.PutChunks(ctx, testDoc("d1", "conv-a"), testChunks("d1", 1)); err != nil {
		t.Fatal(err)
	}

	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	count, err := store.CountOrphansOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	deleted, err := store.DeleteOrphansOlderThan(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	// Bound data is never touched by orphan cleanup.
	chunks, err := store.ChunksByConversation(ctx, "conv-a", 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Errorf("bound chunks after cleanup = %d, want 1", len(chunks))
	}
}

func TestChunksForScope(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	if err := store.PutChunks(ctx, testDoc("d1", "conv-a"), testChunks("d1", 2)); err != nil {
		t.Fatal(err)
	}
	putOrphan(t, store, "legacy", "", time.Now())

	exact, orphans, err := ChunksForScope(ctx, store, Conversation("conv-a"), 100, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(exact) != 2 || orphans != nil {
		t.Errorf("strict scope: exact=%d orphans=%v", len(exact), orphans)
	}

	exact, orphans, err = ChunksForScope(ctx, store, LegacyCompat("conv-a"), 100, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(exact) != 2 || len(orphans) != 1 {
		t.Errorf("legacy scope: exact=%d orphans=%d", len(exact), len(orphans))
	}

	if _, _, err := ChunksForScope(ctx, store, Conversation(""), 100, 100); err == nil {
		t.Error("empty conversation scope accepted")
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	in := []float32{0.25, -1.5, 3.25e-5, 42}
	out, err := decodeEmbedding(encodeEmbedding(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("length %d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("index %d: %v != %v", i, in[i], out[i])
		}
	}
	if _, err := decodeEmbedding([]byte{1, 2, 3}); err == nil {
		t.Error("truncated blob accepted")
	}
}
