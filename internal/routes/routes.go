package routes

import (
	"github.com/framepool/framepool/internal/auth"
	"github.com/framepool/framepool/internal/batches"
	"github.com/framepool/framepool/internal/collections"
	"github.com/framepool/framepool/internal/config"
	"github.com/framepool/framepool/internal/handlers"
	"github.com/framepool/framepool/internal/ingest"
	"github.com/framepool/framepool/internal/middleware"
	"github.com/framepool/framepool/internal/storage"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

// Setup wires all HTTP routes. Three credential models share one router:
// session cookies for the browser surface, per-project bearer tokens for
// desktop sync and a shared-secret header for webhooks.
func Setup(r chi.Router, db *gorm.DB, cfg *config.Config, store storage.ObjectStore, version string) {
	manager := collections.NewManager(db)
	tracker := batches.NewTracker(db)
	pipeline := ingest.NewPipeline(db, store, manager, tracker, cfg)

	uploadHandler := handlers.NewUploadHandler(db, pipeline)
	syncHandler := handlers.NewSyncHandler(db, pipeline)
	webhookHandler := handlers.NewWebhookHandler(db, pipeline, cfg)
	collectionHandler := handlers.NewCollectionHandler(db, manager)
	batchHandler := handlers.NewBatchHandler(db, tracker)
	imageHandler := handlers.NewImageHandler(db, store)
	healthHandler := handlers.NewHealthHandler(db, store, version)

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.LoggingMiddleware)
	r.Use(middleware.RecoverMiddleware)
	r.Use(middleware.SecurityHeaders)

	r.Get("/health", healthHandler.Health)
	r.Handle("/metrics", promhttp.Handler())

	// Machine endpoints authenticate per request, not per session.
	r.Post("/api/sync/{projectID}/upload", syncHandler.Upload)
	r.Post("/api/webhook/ingest", webhookHandler.Ingest)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth(db))

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Post("/upload", uploadHandler.Upload)

			r.Get("/collections", collectionHandler.List)
			r.Post("/collections/finalize", collectionHandler.Finalize)
			r.Get("/collections/{collectionID}/images", collectionHandler.Images)
			r.Post("/collections/{collectionID}/images", collectionHandler.AssignImages)
			r.Post("/collections/{collectionID}/activate", collectionHandler.SetActive)

			r.Get("/batches", batchHandler.Recent)
			r.Get("/batches/{batchID}", batchHandler.Get)
			r.Post("/batches/{batchID}/cancel", batchHandler.Cancel)

			r.Delete("/images/{imageID}", imageHandler.Delete)
		})
	})
}
