package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/framepool/framepool/internal/auth"
	"github.com/framepool/framepool/internal/batches"
	"github.com/framepool/framepool/internal/database/models"
	"github.com/framepool/framepool/internal/ingest"
	"github.com/framepool/framepool/internal/logger"
	"gorm.io/gorm"
)

type SyncHandler struct {
	db       *gorm.DB
	pipeline *ingest.Pipeline
}

func NewSyncHandler(db *gorm.DB, pipeline *ingest.Pipeline) *SyncHandler {
	return &SyncHandler{db: db, pipeline: pipeline}
}

// Upload handles a desktop-sync upload authenticated by a per-project bearer
// token. The client may pin the batch id so retries land in the same batch.
func (h *SyncHandler) Upload(w http.ResponseWriter, r *http.Request) {
	project, err := loadProject(h.db, r, 0)
	if err != nil {
		notFoundOrInternal(w, err, "project")
		return
	}

	token := bearerToken(r)
	if !auth.VerifySyncToken(project, token) {
		respondError(w, http.StatusUnauthorized, "invalid sync token")
		return
	}

	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}
	defer r.MultipartForm.RemoveAll()

	parts := r.MultipartForm.File["file"]
	if len(parts) == 0 {
		respondError(w, http.StatusBadRequest, "no files provided")
		return
	}

	files := make([]ingest.FileSource, 0, len(parts))
	for _, part := range parts {
		f, err := part.Open()
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read uploaded file")
			return
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			respondError(w, http.StatusBadRequest, "failed to read uploaded file")
			return
		}
		files = append(files, ingest.NewByteFile(part.Filename, part.Header.Get("Content-Type"), data))
	}

	result, err := h.pipeline.Ingest(r.Context(), ingest.Request{
		Project: project,
		Source:  models.SourceDesktopSync,
		BatchID: r.FormValue("batch_id"),
		Files:   files,
	})
	if err != nil {
		if errors.Is(err, batches.ErrBatchClosed) {
			respondError(w, http.StatusConflict, "batch already finished")
			return
		}
		logger.Error("sync upload failed", "project_id", project.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
