package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/framepool/framepool/internal/auth"
	"github.com/framepool/framepool/internal/batches"
	"github.com/framepool/framepool/internal/config"
	"github.com/framepool/framepool/internal/database/models"
	"github.com/framepool/framepool/internal/ingest"
	"github.com/framepool/framepool/internal/logger"
	"gorm.io/gorm"
)

type WebhookHandler struct {
	db       *gorm.DB
	pipeline *ingest.Pipeline
	cfg      *config.Config
}

func NewWebhookHandler(db *gorm.DB, pipeline *ingest.Pipeline, cfg *config.Config) *WebhookHandler {
	return &WebhookHandler{db: db, pipeline: pipeline, cfg: cfg}
}

// WebhookFile is one entry in a webhook batch. Content is fetched from URL.
type WebhookFile struct {
	Name     string            `json:"name"`
	URL      string            `json:"url"`
	Size     int64             `json:"size,omitempty"`
	Type     string            `json:"type,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type WebhookRequest struct {
	ProjectID    uint          `json:"project_id"`
	BatchID      string        `json:"batch_id,omitempty"`
	CollectionID *uint         `json:"collection_id,omitempty"`
	Source       string        `json:"source,omitempty"`
	Files        []WebhookFile `json:"files"`
}

// requestSource maps the optional source tag onto a known value. Senders
// relaying for a desktop client may label the batch accordingly; anything
// unrecognized stays "webhook".
func requestSource(tag string) string {
	switch tag {
	case models.SourceManual, models.SourceDesktopSync:
		return tag
	default:
		return models.SourceWebhook
	}
}

type WebhookResponse struct {
	Success bool `json:"success"`
	*ingest.Result
}

// Ingest accepts an external batch. The sender authenticates with the
// project's webhook secret in the X-Webhook-Secret header.
func (h *WebhookHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProjectID == 0 {
		respondError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	if len(req.Files) == 0 {
		respondError(w, http.StatusBadRequest, "no files provided")
		return
	}

	var project models.Project
	if err := h.db.WithContext(r.Context()).First(&project, req.ProjectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "project not found")
			return
		}
		logger.Error("failed to load project", "project_id", req.ProjectID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	settings, err := ingest.EffectiveSettings(r.Context(), h.db, h.cfg, project.ID)
	if err != nil {
		logger.Error("failed to resolve upload settings", "project_id", project.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if !auth.VerifyWebhookSecret(settings.WebhookSecret, r.Header.Get("X-Webhook-Secret")) {
		respondError(w, http.StatusUnauthorized, "invalid webhook secret")
		return
	}

	files := make([]ingest.FileSource, 0, len(req.Files))
	for _, f := range req.Files {
		if f.Name == "" || f.URL == "" {
			respondError(w, http.StatusBadRequest, "each file needs a name and a url")
			return
		}
		files = append(files, ingest.NewURLFile(
			f.Name, f.URL, f.Type, f.Size, f.Metadata,
			h.cfg.WebhookFetchTimeout, settings.MaxFileSize,
		))
	}

	result, err := h.pipeline.Ingest(r.Context(), ingest.Request{
		Project:            &project,
		Source:             requestSource(req.Source),
		BatchID:            req.BatchID,
		Files:              files,
		TargetCollectionID: req.CollectionID,
	})
	if err != nil {
		if errors.Is(err, batches.ErrBatchClosed) {
			respondError(w, http.StatusConflict, "batch already finished")
			return
		}
		logger.Error("webhook ingest failed", "project_id", project.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	logger.Info("webhook batch processed",
		"project_id", project.ID,
		"batch_id", result.BatchID,
		"files", result.ProcessedFiles,
		"successful", result.SuccessfulUploads,
		"failed", result.FailedUploads,
		"duplicates", result.DuplicatesSkipped,
	)

	respondJSON(w, http.StatusOK, WebhookResponse{Success: true, Result: result})
}
