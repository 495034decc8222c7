// Package handlers contains the HTTP layer: thin adapters between chi routes
// and the ingest, collections and batches packages.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/framepool/framepool/internal/database/models"
	"github.com/framepool/framepool/internal/logger"
	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// urlUint parses a numeric chi URL parameter.
func urlUint(r *http.Request, name string) (uint, error) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint(id), nil
}

// loadProject fetches the project from the projectID URL parameter. When
// ownerID is non-zero the project must belong to that user.
func loadProject(db *gorm.DB, r *http.Request, ownerID uint) (*models.Project, error) {
	projectID, err := urlUint(r, "projectID")
	if err != nil {
		return nil, gorm.ErrRecordNotFound
	}

	var project models.Project
	query := db.WithContext(r.Context())
	if ownerID != 0 {
		query = query.Where("user_id = ?", ownerID)
	}
	if err := query.First(&project, projectID).Error; err != nil {
		return nil, err
	}
	return &project, nil
}

func notFoundOrInternal(w http.ResponseWriter, err error, what string) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		respondError(w, http.StatusNotFound, what+" not found")
		return
	}
	logger.Error("failed to load "+what, "error", err)
	respondError(w, http.StatusInternalServerError, "internal server error")
}
