package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/framepool/framepool/internal/auth"
	"github.com/framepool/framepool/internal/collections"
	"github.com/framepool/framepool/internal/logger"
	"gorm.io/gorm"
)

type CollectionHandler struct {
	db      *gorm.DB
	manager *collections.Manager
}

func NewCollectionHandler(db *gorm.DB, manager *collections.Manager) *CollectionHandler {
	return &CollectionHandler{db: db, manager: manager}
}

// Finalize converts the buffer into a permanent numbered collection and
// opens a fresh buffer.
func (h *CollectionHandler) Finalize(w http.ResponseWriter, r *http.Request) {
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

	result, err := h.manager.Finalize(r.Context(), project.ID)
	if err != nil {
		switch {
		case errors.Is(err, collections.ErrBufferEmpty):
			respondError(w, http.StatusBadRequest, "buffer has no images to finalize")
		case errors.Is(err, collections.ErrFinalizeConflict):
			respondError(w, http.StatusConflict, "buffer was finalized concurrently")
		default:
			logger.Error("finalize failed", "project_id", project.ID, "error", err)
			respondError(w, http.StatusInternalServerError, "finalize failed")
		}
		return
	}

	logger.Info("collection finalized",
		"project_id", project.ID,
		"collection_id", result.CollectionID,
		"collection_number", result.CollectionNumber,
		"images", result.ImageCount,
	)

	respondJSON(w, http.StatusOK, result)
}

type assignRequest struct {
	ImageIDs []uint `json:"image_ids"`
}

// AssignImages moves buffer images into an explicit collection.
func (h *CollectionHandler) AssignImages(w http.ResponseWriter, r *http.Request) {
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

	collectionID, err := urlUint(r, "collectionID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid collection id")
		return
	}

	var req assignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.ImageIDs) == 0 {
		respondError(w, http.StatusBadRequest, "image_ids is required")
		return
	}

	if err := h.manager.AssignToCollection(r.Context(), project.ID, collectionID, req.ImageIDs); err != nil {
		switch {
		case errors.Is(err, collections.ErrCollectionNotFound):
			respondError(w, http.StatusNotFound, "collection not found")
		case errors.Is(err, collections.ErrTargetIsBuffer):
			respondError(w, http.StatusBadRequest, "cannot assign images into the buffer")
		default:
			logger.Error("assign images failed",
				"project_id", project.ID, "collection_id", collectionID, "error", err)
			respondError(w, http.StatusInternalServerError, "assignment failed")
		}
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"collection_id":   collectionID,
		"assigned_images": len(req.ImageIDs),
	})
}

// List returns all of the project's collections, buffer included and flagged.
func (h *CollectionHandler) List(w http.ResponseWriter, r *http.Request) {
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

	summaries, err := h.manager.List(r.Context(), project.ID)
	if err != nil {
		logger.Error("failed to list collections", "project_id", project.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"collections": summaries})
}

// Images returns a collection's images in natural filename order.
func (h *CollectionHandler) Images(w http.ResponseWriter, r *http.Request) {
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

	collectionID, err := urlUint(r, "collectionID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid collection id")
		return
	}

	images, err := h.manager.Images(r.Context(), project.ID, collectionID)
	if err != nil {
		if errors.Is(err, collections.ErrCollectionNotFound) {
			respondError(w, http.StatusNotFound, "collection not found")
			return
		}
		logger.Error("failed to list collection images",
			"project_id", project.ID, "collection_id", collectionID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"images": images})
}

// SetActive marks a collection as the one currently displayed.
func (h *CollectionHandler) SetActive(w http.ResponseWriter, r *http.Request) {
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

	collectionID, err := urlUint(r, "collectionID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid collection id")
		return
	}

	if err := h.manager.SetActive(r.Context(), project.ID, collectionID); err != nil {
		if errors.Is(err, collections.ErrCollectionNotFound) {
			respondError(w, http.StatusNotFound, "collection not found")
			return
		}
		logger.Error("failed to set active collection",
			"project_id", project.ID, "collection_id", collectionID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"active_collection_id": collectionID})
}
