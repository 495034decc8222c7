package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/framepool/framepool/internal/auth"
	"github.com/framepool/framepool/internal/batches"
	"github.com/framepool/framepool/internal/logger"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

type BatchHandler struct {
	db      *gorm.DB
	tracker *batches.Tracker
}

func NewBatchHandler(db *gorm.DB, tracker *batches.Tracker) *BatchHandler {
	return &BatchHandler{db: db, tracker: tracker}
}

// Recent returns the project's latest batches with aggregate totals.
func (h *BatchHandler) Recent(w http.ResponseWriter, r *http.Request) {
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

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	stats, err := h.tracker.Recent(r.Context(), project.ID, limit)
	if err != nil {
		logger.Error("failed to list batches", "project_id", project.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

// Get returns one batch with its uploaded images.
func (h *BatchHandler) Get(w http.ResponseWriter, r *http.Request) {
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

	batchID := chi.URLParam(r, "batchID")
	batch, images, err := h.tracker.Get(r.Context(), project.ID, batchID)
	if err != nil {
		if errors.Is(err, batches.ErrBatchNotFound) {
			respondError(w, http.StatusNotFound, "batch not found")
			return
		}
		logger.Error("failed to load batch",
			"project_id", project.ID, "batch_id", batchID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"batch":  batch,
		"images": images,
	})
}

// Cancel marks a still-running batch cancelled. Batches that already reached
// a terminal state cannot be cancelled.
func (h *BatchHandler) Cancel(w http.ResponseWriter, r *http.Request) {
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

	batchID := chi.URLParam(r, "batchID")
	if err := h.tracker.Cancel(r.Context(), project.ID, batchID); err != nil {
		switch {
		case errors.Is(err, batches.ErrBatchNotFound):
			respondError(w, http.StatusNotFound, "batch not found")
		case errors.Is(err, batches.ErrBatchClosed):
			respondError(w, http.StatusConflict, "batch already finished")
		default:
			logger.Error("failed to cancel batch",
				"project_id", project.ID, "batch_id", batchID, "error", err)
			respondError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	logger.Info("batch cancelled", "project_id", project.ID, "batch_id", batchID)
	respondJSON(w, http.StatusOK, map[string]string{"batch_id": batchID, "status": "cancelled"})
}
