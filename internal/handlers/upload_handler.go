package handlers

import (
	"io"
	"net/http"

	"github.com/framepool/framepool/internal/auth"
	"github.com/framepool/framepool/internal/database/models"
	"github.com/framepool/framepool/internal/ingest"
	"github.com/framepool/framepool/internal/logger"
	"gorm.io/gorm"
)

// maxMultipartMemory bounds the in-memory part of multipart parsing; larger
// parts spill to temp files.
const maxMultipartMemory = 32 << 20

type UploadHandler struct {
	db       *gorm.DB
	pipeline *ingest.Pipeline
}

func NewUploadHandler(db *gorm.DB, pipeline *ingest.Pipeline) *UploadHandler {
	return &UploadHandler{db: db, pipeline: pipeline}
}

// Upload handles a manual browser upload: one or more multipart "file" parts
// run through the pipeline as a single batch.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	user := auth.GetUser(r)
	if user == nil {
		respondError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	project, err := loadProject(h.db, r, user.ID)
	if err != nil {
		notFoundOrInternal(w, err, "project")
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
		Source:  models.SourceManual,
		Files:   files,
	})
	if err != nil {
		logger.Error("manual upload failed", "project_id", project.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	logger.Info("manual upload processed",
		"project_id", project.ID,
		"batch_id", result.BatchID,
		"files", result.ProcessedFiles,
		"successful", result.SuccessfulUploads,
	)

	respondJSON(w, http.StatusOK, result)
}
