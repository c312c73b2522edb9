package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hyperjump/kaiwa/internal/models"
	"github.com/hyperjump/kaiwa/internal/storage"
)

// ingestRequest is the JSON body for document ingestion. Multipart uploads
// carry the same information as a "file" part plus a "user_id" form value.
type ingestRequest struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
	UserID   string `json:"user_id"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")

	var (
		content  []byte
		filename string
		userID   string
	)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid multipart body")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "missing file part")
			return
		}
		defer file.Close()
		content, err = io.ReadAll(file)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "unreadable file part")
			return
		}
		filename = header.Filename
		userID = r.FormValue("user_id")
	} else {
		var req ingestRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		content = []byte(req.Content)
		filename = req.Filename
		userID = req.UserID
	}

	s.logger.Debug("ingest request",
		zap.String("conversation_id", conversationID),
		zap.String("filename", filename),
		zap.Int("bytes", len(content)))

	ref, err := s.pipeline.Ingest(r.Context(), content, filename, userID, conversationID)
	if err != nil {
		s.respondForError(w, "ingest failed", err)
		return
	}
	status := http.StatusCreated
	if ref.Deduplicated {
		status = http.StatusOK
	}
	s.respondJSON(w, status, ref)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req models.SearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.logger.Debug("search request",
		zap.String("conversation_id", req.ConversationID),
		zap.Int("top_k", req.TopK),
		zap.Bool("legacy_compat", req.LegacyCompat))

	results, err := s.engine.Search(r.Context(), &req)
	if err != nil {
		s.respondForError(w, "search failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"results": results,
		"count":   len(results),
	})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := models.ValidateConversationID(conversationID); err != nil {
		s.respondForError(w, "delete conversation failed", err)
		return
	}
	s.logger.Debug("delete conversation request", zap.String("conversation_id", conversationID))
	if err := s.storage.DeleteByConversation(r.Context(), conversationID); err != nil {
		s.respondForError(w, "delete conversation failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"conversation_id": conversationID, "status": "deleted"})
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	report, err := s.maint.Migrate(r.Context())
	if err != nil {
		s.respondForError(w, "migration failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	dryRun := r.URL.Query().Get("dry_run") == "true"
	report, err := s.maint.Cleanup(r.Context(), dryRun)
	if err != nil {
		s.respondForError(w, "cleanup failed", err)
		return
	}
	s.respondJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docCount, err := s.storage.CountDocuments(ctx)
	if err != nil {
		s.respondForError(w, "status: count documents failed", err)
		return
	}
	chunkCount, err := s.storage.CountChunks(ctx)
	if err != nil {
		s.respondForError(w, "status: count chunks failed", err)
		return
	}
	orphanCount, err := s.storage.CountOrphans(ctx)
	if err != nil {
		s.respondForError(w, "status: count orphans failed", err)
		return
	}

	resp := map[string]interface{}{
		"documents":     docCount,
		"chunks":        chunkCount,
		"orphan_chunks": orphanCount,
	}
	if s.cache != nil {
		resp["embedding_cache_entries"] = s.cache.Len()
	}
	if diskBytes, diskErr := storage.DiskUsageBytes(s.config.Storage.DatabasePath); diskErr == nil {
		resp["disk_usage_bytes"] = diskBytes
	}
	resp["config"] = map[string]interface{}{
		"embedding_model":      s.config.Embedding.Model,
		"embedding_dimensions": s.config.Embedding.Dimensions,
		"chunk_size":           s.config.Chunking.ChunkSize,
		"chunk_overlap":        s.config.Chunking.ChunkOverlap,
		"rerank_enabled":       s.config.Retrieval.RerankEnabledOrDefault(),
		"database_path":        s.config.Storage.DatabasePath,
	}
	s.respondJSON(w, http.StatusOK, resp)
}

// respondForError maps domain errors to HTTP statuses: invalid input is 400,
// missing data is 404, everything else is 500.
func (s *Server) respondForError(w http.ResponseWriter, msg string, err error) {
	var vErr *models.ValidationError
	switch {
	case errors.As(err, &vErr):
		s.respondError(w, http.StatusBadRequest, vErr.Error())
	case errors.Is(err, storage.ErrNotFound):
		s.respondError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error(msg, zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
