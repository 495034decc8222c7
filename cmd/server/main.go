package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/framepool/framepool/internal/batches"
	"github.com/framepool/framepool/internal/collections"
	"github.com/framepool/framepool/internal/config"
	"github.com/framepool/framepool/internal/database"
	"github.com/framepool/framepool/internal/jobs"
	"github.com/framepool/framepool/internal/logger"
	"github.com/framepool/framepool/internal/routes"
	"github.com/framepool/framepool/internal/storage"
	"github.com/go-chi/chi/v5"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger.Init(cfg.Env)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"storage_backend", cfg.StorageBackend,
		"max_file_mb", float64(cfg.DefaultMaxFileSize)/(1024*1024),
	)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	store, err := storage.NewStoreFromConfig(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize storage: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := store.ValidateAccess(ctx); err != nil {
		cancel()
		log.Fatalf("Storage access validation failed: %v", err)
	}
	cancel()

	scheduler := jobs.NewScheduler(db, collections.NewManager(db), batches.NewTracker(db), cfg)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	r := chi.NewRouter()
	versionInfo := fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
	routes.Setup(r, db, cfg, store, versionInfo)

	addr := fmt.Sprintf("%s:%s", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting framepool server",
			"address", addr,
			"environment", cfg.Env,
			"version", versionInfo,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
