package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/framepool/framepool/internal/storage"
	"gorm.io/gorm"
)

type HealthHandler struct {
	db      *gorm.DB
	store   storage.ObjectStore
	version string
}

func NewHealthHandler(db *gorm.DB, store storage.ObjectStore, version string) *HealthHandler {
	return &HealthHandler{db: db, store: store, version: version}
}

type HealthResponse struct {
	Status  string           `json:"status"`
	Version string           `json:"version"`
	Checks  map[string]Check `json:"checks"`
	Uptime  string           `json:"uptime,omitempty"`
}

type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

var startTime = time.Now()

// Health reports database and object-store connectivity.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]Check)
	overallStatus := "healthy"

	dbCheck := h.checkDatabase()
	checks["database"] = dbCheck
	if dbCheck.Status != "healthy" {
		overallStatus = "unhealthy"
	}

	storageCheck := h.checkStorage()
	checks["storage"] = storageCheck
	if storageCheck.Status != "healthy" {
		overallStatus = "unhealthy"
	}

	status := http.StatusOK
	if overallStatus != "healthy" {
		status = http.StatusServiceUnavailable
	}

	respondJSON(w, status, HealthResponse{
		Status:  overallStatus,
		Version: h.version,
		Checks:  checks,
		Uptime:  time.Since(startTime).Round(time.Second).String(),
	})
}

func (h *HealthHandler) checkDatabase() Check {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sqlDB, err := h.db.DB()
	if err != nil {
		return Check{
			Status:  "unhealthy",
			Message: "failed to get database connection: " + err.Error(),
			Latency: time.Since(start).String(),
		}
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		return Check{
			Status:  "unhealthy",
			Message: "database ping failed: " + err.Error(),
			Latency: time.Since(start).String(),
		}
	}

	return Check{Status: "healthy", Latency: time.Since(start).String()}
}

func (h *HealthHandler) checkStorage() Check {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.store.HealthCheck(ctx); err != nil {
		return Check{
			Status:  "unhealthy",
			Message: "storage health check failed: " + err.Error(),
			Latency: time.Since(start).String(),
		}
	}

	return Check{Status: "healthy", Latency: time.Since(start).String()}
}
