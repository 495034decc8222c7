// Package batches tracks one aggregate record per ingestion batch: counts of
// total/successful/failed/duplicate files and a pending → processing →
// completed/failed/cancelled status machine.
package batches

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/framepool/framepool/internal/database/models"
	"github.com/framepool/framepool/internal/logger"
	"github.com/framepool/framepool/internal/metrics"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrBatchNotFound is returned when the batch does not exist.
	ErrBatchNotFound = errors.New("batch not found")
	// ErrBatchClosed is returned when cancelling a batch that already reached
	// a terminal state.
	ErrBatchClosed = errors.New("batch already completed")
)

// Per-file outcomes reported to the tracker.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
)

// Tracker owns UploadBatch rows.
type Tracker struct {
	db *gorm.DB
}

func NewTracker(db *gorm.DB) *Tracker {
	return &Tracker{db: db}
}

// Create opens a batch in pending state. An empty batchID gets a generated
// one; a caller-supplied id that already exists adopts the existing batch so
// webhook and sync retries accumulate into one record.
func (t *Tracker) Create(ctx context.Context, projectID uint, batchID, source string, totalFiles int) (*models.UploadBatch, error) {
	if batchID == "" {
		batchID = uuid.New().String()
	}

	batch := models.UploadBatch{
		BatchID:    batchID,
		ProjectID:  projectID,
		TotalFiles: totalFiles,
		Status:     models.BatchPending,
		Source:     source,
	}
	if err := t.db.WithContext(ctx).Create(&batch).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return t.adopt(ctx, projectID, batchID, totalFiles)
		}
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}
	return &batch, nil
}

// adopt reuses an existing batch for a follow-up call with the same pinned
// id. The new call's files extend total_files so the count invariant
// (total == successful + failed + duplicates) survives the extra outcomes,
// and a completed batch is reopened so the final Complete re-stamps it.
// Cancelled and failed batches stay closed.
func (t *Tracker) adopt(ctx context.Context, projectID uint, batchID string, totalFiles int) (*models.UploadBatch, error) {
	var existing models.UploadBatch
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("batch_id = ? AND project_id = ?", batchID, projectID).
			First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBatchNotFound
			}
			return fmt.Errorf("failed to load existing batch: %w", err)
		}

		switch existing.Status {
		case models.BatchCancelled, models.BatchFailed:
			return ErrBatchClosed
		}

		updates := map[string]interface{}{
			"total_files": gorm.Expr("total_files + ?", totalFiles),
		}
		if existing.Status == models.BatchCompleted {
			updates["status"] = models.BatchProcessing
			updates["completed_at"] = nil
		}
		if err := tx.Model(&models.UploadBatch{}).
			Where("batch_id = ?", batchID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to extend batch: %w", err)
		}

		return tx.Where("batch_id = ?", batchID).First(&existing).Error
	})
	if err != nil {
		return nil, err
	}
	return &existing, nil
}

// Start moves a pending batch to processing once the first file begins.
// Already-processing batches are left alone.
func (t *Tracker) Start(ctx context.Context, batchID string) error {
	now := time.Now()
	err := t.db.WithContext(ctx).Model(&models.UploadBatch{}).
		Where("batch_id = ? AND status = ?", batchID, models.BatchPending).
		Updates(map[string]interface{}{
			"status":     models.BatchProcessing,
			"started_at": now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to start batch: %w", err)
	}
	return nil
}

// RecordOutcome increments exactly one counter for the file. Counter bumps
// use atomic column increments so concurrent files in sibling calls never
// lose updates; the error list append takes a row lock.
func (t *Tracker) RecordOutcome(ctx context.Context, batchID string, outcome Outcome, fileName, errMsg string) error {
	var column string
	switch outcome {
	case OutcomeSuccess:
		column = "successful_uploads"
	case OutcomeFailed:
		column = "failed_uploads"
	case OutcomeDuplicate:
		column = "duplicates_skipped"
	default:
		return fmt.Errorf("unknown outcome: %q", outcome)
	}

	res := t.db.WithContext(ctx).Model(&models.UploadBatch{}).
		Where("batch_id = ?", batchID).
		UpdateColumn(column, gorm.Expr(column+" + ?", 1))
	if res.Error != nil {
		return fmt.Errorf("failed to record outcome: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrBatchNotFound
	}

	if outcome == OutcomeFailed && errMsg != "" {
		if err := t.appendError(ctx, batchID, fileName, errMsg); err != nil {
			logger.Error("failed to append batch error", "batch_id", batchID, "error", err)
		}
	}
	return nil
}

// appendError adds one entry to the batch's error list under a row lock to
// avoid losing concurrent appends.
func (t *Tracker) appendError(ctx context.Context, batchID, fileName, errMsg string) error {
	return t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch models.UploadBatch
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("batch_id = ?", batchID).
			First(&batch).Error; err != nil {
			return err
		}

		list := batch.Errors.Data()
		list = append(list, models.BatchError{File: fileName, Error: errMsg})

		return tx.Model(&batch).Update("errors", models.NewBatchErrors(list)).Error
	})
}

// Complete closes the batch as completed regardless of individual file
// outcomes. Cancelled batches stay cancelled.
func (t *Tracker) Complete(ctx context.Context, batchID string) error {
	now := time.Now()
	res := t.db.WithContext(ctx).Model(&models.UploadBatch{}).
		Where("batch_id = ? AND status IN ?", batchID,
			[]string{models.BatchPending, models.BatchProcessing}).
		Updates(map[string]interface{}{
			"status":       models.BatchCompleted,
			"completed_at": now,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete batch: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Cancelled or already closed; advisory cancellation wins.
		return nil
	}

	var batch models.UploadBatch
	if err := t.db.WithContext(ctx).Where("batch_id = ?", batchID).First(&batch).Error; err == nil {
		if batch.StartedAt != nil {
			metrics.BatchDuration.WithLabelValues(batch.Source).Observe(now.Sub(*batch.StartedAt).Seconds())
		}
		logger.Info("batch completed",
			"batch_id", batchID,
			"total", batch.TotalFiles,
			"successful", batch.SuccessfulUploads,
			"failed", batch.FailedUploads,
			"duplicates", batch.DuplicatesSkipped,
		)
	}
	return nil
}

// Fail marks a batch as failed. Reserved for batch-level systemic errors
// discovered before any file is processed.
func (t *Tracker) Fail(ctx context.Context, batchID, reason string) error {
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var batch models.UploadBatch
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("batch_id = ?", batchID).
			First(&batch).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrBatchNotFound
			}
			return err
		}

		list := batch.Errors.Data()
		list = append(list, models.BatchError{File: "", Error: reason})

		return tx.Model(&batch).Updates(map[string]interface{}{
			"status": models.BatchFailed,
			"errors": models.NewBatchErrors(list),
		}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to fail batch: %w", err)
	}
	return nil
}

// Cancel is advisory: it only prevents the batch from later being marked
// completed; in-flight files are not interrupted. Cancelling a completed or
// failed batch returns ErrBatchClosed; cancelling twice is a no-op.
func (t *Tracker) Cancel(ctx context.Context, projectID uint, batchID string) error {
	res := t.db.WithContext(ctx).Model(&models.UploadBatch{}).
		Where("batch_id = ? AND project_id = ? AND status IN ?", batchID, projectID,
			[]string{models.BatchPending, models.BatchProcessing}).
		Update("status", models.BatchCancelled)
	if res.Error != nil {
		return fmt.Errorf("failed to cancel batch: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		logger.Info("batch cancelled", "batch_id", batchID, "project_id", projectID)
		return nil
	}

	var batch models.UploadBatch
	if err := t.db.WithContext(ctx).
		Where("batch_id = ? AND project_id = ?", batchID, projectID).
		First(&batch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrBatchNotFound
		}
		return fmt.Errorf("failed to load batch: %w", err)
	}
	if batch.Status == models.BatchCancelled {
		return nil
	}
	return ErrBatchClosed
}

// Get returns one batch with the images it produced.
func (t *Tracker) Get(ctx context.Context, projectID uint, batchID string) (*models.UploadBatch, []models.Image, error) {
	var batch models.UploadBatch
	if err := t.db.WithContext(ctx).
		Where("batch_id = ? AND project_id = ?", batchID, projectID).
		First(&batch).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrBatchNotFound
		}
		return nil, nil, fmt.Errorf("failed to load batch: %w", err)
	}

	var images []models.Image
	if err := t.db.WithContext(ctx).
		Where("project_id = ? AND upload_batch_id = ?", projectID, batchID).
		Order("created_at ASC").
		Find(&images).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to load batch images: %w", err)
	}
	return &batch, images, nil
}

// Stats aggregates recent batch activity for a project.
type Stats struct {
	Batches           []models.UploadBatch `json:"batches"`
	TotalFiles        int64                `json:"total_files"`
	SuccessfulUploads int64                `json:"successful_uploads"`
	FailedUploads     int64                `json:"failed_uploads"`
	DuplicatesSkipped int64                `json:"duplicates_skipped"`
	SuccessRate       float64              `json:"success_rate"`
}

// Recent returns the project's most recent batches plus aggregate totals and
// a success-rate percentage across everything the project ever ingested.
func (t *Tracker) Recent(ctx context.Context, projectID uint, limit int) (*Stats, error) {
	if limit <= 0 {
		limit = 20
	}

	var stats Stats
	if err := t.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("created_at DESC").
		Limit(limit).
		Find(&stats.Batches).Error; err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}

	type totals struct {
		Total      int64
		Successful int64
		Failed     int64
		Duplicates int64
	}
	var agg totals
	if err := t.db.WithContext(ctx).Model(&models.UploadBatch{}).
		Where("project_id = ?", projectID).
		Select("COALESCE(SUM(total_files),0) as total, COALESCE(SUM(successful_uploads),0) as successful, COALESCE(SUM(failed_uploads),0) as failed, COALESCE(SUM(duplicates_skipped),0) as duplicates").
		Scan(&agg).Error; err != nil {
		return nil, fmt.Errorf("failed to aggregate batches: %w", err)
	}

	stats.TotalFiles = agg.Total
	stats.SuccessfulUploads = agg.Successful
	stats.FailedUploads = agg.Failed
	stats.DuplicatesSkipped = agg.Duplicates
	if agg.Total > 0 {
		stats.SuccessRate = float64(agg.Successful) / float64(agg.Total) * 100
	}
	return &stats, nil
}

// SweepStale fails batches stuck in pending or processing for longer than
// age. Used by the background sweeper.
func (t *Tracker) SweepStale(ctx context.Context, age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)
	res := t.db.WithContext(ctx).Model(&models.UploadBatch{}).
		Where("status IN ? AND updated_at < ?",
			[]string{models.BatchPending, models.BatchProcessing}, cutoff).
		Update("status", models.BatchFailed)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to sweep stale batches: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		logger.Info("stale batches failed", "count", res.RowsAffected)
	}
	return res.RowsAffected, nil
}
