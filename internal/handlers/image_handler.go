package handlers

import (
	"errors"
	"net/http"

	"github.com/framepool/framepool/internal/auth"
	"github.com/framepool/framepool/internal/collections"
	"github.com/framepool/framepool/internal/database/models"
	"github.com/framepool/framepool/internal/logger"
	"github.com/framepool/framepool/internal/storage"
	"gorm.io/gorm"
)

type ImageHandler struct {
	db    *gorm.DB
	store storage.ObjectStore
}

func NewImageHandler(db *gorm.DB, store storage.ObjectStore) *ImageHandler {
	return &ImageHandler{db: db, store: store}
}

// Delete removes an image and its collection memberships, then its stored
// object. Collections survive their images; join rows do not.
func (h *ImageHandler) Delete(w http.ResponseWriter, r *http.Request) {
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

	imageID, err := urlUint(r, "imageID")
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid image id")
		return
	}

	var image models.Image
	if err := h.db.WithContext(r.Context()).
		Where("project_id = ?", project.ID).
		First(&image, imageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			respondError(w, http.StatusNotFound, "image not found")
			return
		}
		logger.Error("failed to load image", "image_id", imageID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	err = h.db.WithContext(r.Context()).Transaction(func(tx *gorm.DB) error {
		if err := collections.RemoveImage(tx, image.ID); err != nil {
			return err
		}
		return tx.Unscoped().Delete(&image).Error
	})
	if err != nil {
		logger.Error("failed to delete image", "image_id", image.ID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	// Row is gone; a failed object delete only leaks storage, never state.
	if err := h.store.Delete(r.Context(), image.StoragePath); err != nil {
		logger.Error("failed to delete stored object",
			"image_id", image.ID, "path", image.StoragePath, "error", err)
	}

	logger.Info("image deleted",
		"project_id", project.ID, "image_id", image.ID, "path", image.StoragePath)

	w.WriteHeader(http.StatusNoContent)
}
