// Package jobs runs the background maintenance work: scheduled buffer
// finalization and sweeping of batches abandoned mid-flight.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/framepool/framepool/internal/collections"
	"github.com/framepool/framepool/internal/config"
	"github.com/framepool/framepool/internal/database/models"
	"github.com/framepool/framepool/internal/logger"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

type Scheduler struct {
	cron    *cron.Cron
	db      *gorm.DB
	manager *collections.Manager
	tracker StaleSweeper
	cfg     *config.Config
}

// StaleSweeper is the slice of the batch tracker the scheduler needs.
type StaleSweeper interface {
	SweepStale(ctx context.Context, age time.Duration) (int64, error)
}

func NewScheduler(db *gorm.DB, manager *collections.Manager, tracker StaleSweeper, cfg *config.Config) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		db:      db,
		manager: manager,
		tracker: tracker,
		cfg:     cfg,
	}
}

func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.cfg.AutoFinalizeSchedule, s.autoFinalize); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.StaleBatchSweep, s.sweepStaleBatches); err != nil {
		return err
	}

	s.cron.Start()
	logger.Info("scheduler started",
		"auto_finalize", s.cfg.AutoFinalizeSchedule,
		"stale_sweep", s.cfg.StaleBatchSweep,
	)
	return nil
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(30 * time.Second):
		logger.Warn("scheduler stop timed out with jobs still running")
	}
}

// autoFinalize closes the buffer of every project that opted into automatic
// collection creation and has images waiting.
func (s *Scheduler) autoFinalize() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var configs []models.AutoUploadConfig
	if err := s.db.WithContext(ctx).
		Where("auto_collection_creation = ?", true).
		Find(&configs).Error; err != nil {
		logger.Error("auto-finalize: failed to list opted-in projects", "error", err)
		return
	}

	for _, auc := range configs {
		result, err := s.manager.Finalize(ctx, auc.ProjectID)
		if err != nil {
			// An empty buffer just means nothing arrived since the last run.
			if errors.Is(err, collections.ErrBufferEmpty) {
				continue
			}
			logger.Error("auto-finalize failed", "project_id", auc.ProjectID, "error", err)
			continue
		}
		logger.Info("auto-finalized buffer",
			"project_id", auc.ProjectID,
			"collection_id", result.CollectionID,
			"collection_number", result.CollectionNumber,
			"images", result.ImageCount,
		)
	}
}

func (s *Scheduler) sweepStaleBatches() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	swept, err := s.tracker.SweepStale(ctx, s.cfg.StaleBatchAge)
	if err != nil {
		logger.Error("stale batch sweep failed", "error", err)
		return
	}
	if swept > 0 {
		logger.Info("swept stale batches", "count", swept, "older_than", s.cfg.StaleBatchAge)
	}
}
