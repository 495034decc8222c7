package batches

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/framepool/framepool/internal/database/models"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupTrackerTest(t *testing.T) (*Tracker, *gorm.DB, *models.Project) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	// modernc sqlite gives each pooled connection its own :memory: database,
	// so restrict the pool to a single connection.
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(
		&models.User{}, &models.Project{}, &models.UploadBatch{}, &models.Image{},
	); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}

	user := &models.User{Username: "tester", Email: "tester@example.com"}
	if err := db.Create(user).Error; err != nil {
		t.Fatal(err)
	}
	project := &models.Project{UserID: user.ID, Name: "shoot"}
	if err := db.Create(project).Error; err != nil {
		t.Fatal(err)
	}

	return NewTracker(db), db, project
}

func TestCreateGeneratesBatchID(t *testing.T) {
	tracker, _, project := setupTrackerTest(t)

	batch, err := tracker.Create(context.Background(), project.ID, "", models.SourceManual, 2)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if batch.BatchID == "" {
		t.Error("expected a generated batch id")
	}
	if batch.Status != models.BatchPending {
		t.Errorf("new batch status %q, want pending", batch.Status)
	}
}

func TestCreateReusesExistingBatch(t *testing.T) {
	tracker, _, project := setupTrackerTest(t)
	ctx := context.Background()

	first, err := tracker.Create(ctx, project.ID, "client-batch-1", models.SourceWebhook, 3)
	if err != nil {
		t.Fatal(err)
	}
	second, err := tracker.Create(ctx, project.ID, "client-batch-1", models.SourceWebhook, 3)
	if err != nil {
		t.Fatalf("re-create with same id failed: %v", err)
	}
	if first.ID != second.ID {
		t.Error("webhook retry created a second batch row")
	}
	if second.TotalFiles != 6 {
		t.Errorf("total_files = %d after reuse, want 6 (both calls' files)", second.TotalFiles)
	}
}

func TestCreateReopensCompletedBatch(t *testing.T) {
	tracker, db, project := setupTrackerTest(t)
	ctx := context.Background()

	first, err := tracker.Create(ctx, project.ID, "retry-batch", models.SourceDesktopSync, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := tracker.Start(ctx, first.BatchID); err != nil {
		t.Fatal(err)
	}
	if err := tracker.RecordOutcome(ctx, first.BatchID, OutcomeSuccess, "a.jpg", ""); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Complete(ctx, first.BatchID); err != nil {
		t.Fatal(err)
	}

	second, err := tracker.Create(ctx, project.ID, "retry-batch", models.SourceDesktopSync, 1)
	if err != nil {
		t.Fatalf("reuse of completed batch failed: %v", err)
	}
	if second.Status != models.BatchProcessing {
		t.Errorf("status = %q after reopening, want processing", second.Status)
	}
	if second.TotalFiles != 2 {
		t.Errorf("total_files = %d after reopening, want 2", second.TotalFiles)
	}
	if second.CompletedAt != nil {
		t.Error("completed_at not cleared on reopen")
	}

	if err := tracker.RecordOutcome(ctx, second.BatchID, OutcomeDuplicate, "a.jpg", ""); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Complete(ctx, second.BatchID); err != nil {
		t.Fatal(err)
	}

	var batch models.UploadBatch
	if err := db.Where("batch_id = ?", "retry-batch").First(&batch).Error; err != nil {
		t.Fatal(err)
	}
	if batch.Status != models.BatchCompleted {
		t.Errorf("status = %q, want completed", batch.Status)
	}
	if batch.CompletedAt == nil {
		t.Error("completed_at not re-stamped")
	}
	sum := batch.SuccessfulUploads + batch.FailedUploads + batch.DuplicatesSkipped
	if batch.TotalFiles != sum {
		t.Errorf("count conservation violated: total_files=%d, outcome sum=%d", batch.TotalFiles, sum)
	}
}

func TestCreateRejectsReuseOfCancelledBatch(t *testing.T) {
	tracker, _, project := setupTrackerTest(t)
	ctx := context.Background()

	if _, err := tracker.Create(ctx, project.ID, "dead-batch", models.SourceWebhook, 1); err != nil {
		t.Fatal(err)
	}
	if err := tracker.Cancel(ctx, project.ID, "dead-batch"); err != nil {
		t.Fatal(err)
	}

	if _, err := tracker.Create(ctx, project.ID, "dead-batch", models.SourceWebhook, 1); !errors.Is(err, ErrBatchClosed) {
		t.Errorf("expected ErrBatchClosed reusing a cancelled batch, got %v", err)
	}
}

func TestBatchLifecycleCountConservation(t *testing.T) {
	tracker, db, project := setupTrackerTest(t)
	ctx := context.Background()

	batch, err := tracker.Create(ctx, project.ID, "", models.SourceDesktopSync, 4)
	if err != nil {
		t.Fatal(err)
	}
	if err := tracker.Start(ctx, batch.BatchID); err != nil {
		t.Fatal(err)
	}

	outcomes := []struct {
		outcome Outcome
		file    string
		errMsg  string
	}{
		{OutcomeSuccess, "a.jpg", ""},
		{OutcomeSuccess, "b.jpg", ""},
		{OutcomeDuplicate, "a-copy.jpg", ""},
		{OutcomeFailed, "broken.jpg", "file format not allowed"},
	}
	for _, o := range outcomes {
		if err := tracker.RecordOutcome(ctx, batch.BatchID, o.outcome, o.file, o.errMsg); err != nil {
			t.Fatalf("RecordOutcome(%s) failed: %v", o.file, err)
		}
	}

	if err := tracker.Complete(ctx, batch.BatchID); err != nil {
		t.Fatal(err)
	}

	var final models.UploadBatch
	if err := db.Where("batch_id = ?", batch.BatchID).First(&final).Error; err != nil {
		t.Fatal(err)
	}

	if final.Status != models.BatchCompleted {
		t.Errorf("status %q, want completed", final.Status)
	}
	if final.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if final.StartedAt == nil {
		t.Error("started_at not set")
	}

	got := final.SuccessfulUploads + final.FailedUploads + final.DuplicatesSkipped
	if got != final.TotalFiles {
		t.Errorf("count conservation violated: %d+%d+%d != %d",
			final.SuccessfulUploads, final.FailedUploads, final.DuplicatesSkipped, final.TotalFiles)
	}

	errList := final.Errors.Data()
	if len(errList) != 1 || errList[0].File != "broken.jpg" {
		t.Errorf("unexpected error list: %+v", errList)
	}
}

func TestRecordOutcomeUnknownBatch(t *testing.T) {
	tracker, _, _ := setupTrackerTest(t)
	err := tracker.RecordOutcome(context.Background(), "nope", OutcomeSuccess, "a.jpg", "")
	if !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("expected ErrBatchNotFound, got %v", err)
	}
}

func TestCancelPendingBatch(t *testing.T) {
	tracker, db, project := setupTrackerTest(t)
	ctx := context.Background()

	batch, err := tracker.Create(ctx, project.ID, "", models.SourceManual, 1)
	if err != nil {
		t.Fatal(err)
	}

	if err := tracker.Cancel(ctx, project.ID, batch.BatchID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	// Cancelling again is a no-op.
	if err := tracker.Cancel(ctx, project.ID, batch.BatchID); err != nil {
		t.Errorf("repeat cancel should be nil, got %v", err)
	}

	// A late Complete must not overwrite the cancellation.
	if err := tracker.Complete(ctx, batch.BatchID); err != nil {
		t.Fatal(err)
	}
	var final models.UploadBatch
	db.Where("batch_id = ?", batch.BatchID).First(&final)
	if final.Status != models.BatchCancelled {
		t.Errorf("completion overwrote cancellation: %q", final.Status)
	}
}

func TestCancelCompletedBatch(t *testing.T) {
	tracker, _, project := setupTrackerTest(t)
	ctx := context.Background()

	batch, err := tracker.Create(ctx, project.ID, "", models.SourceManual, 1)
	if err != nil {
		t.Fatal(err)
	}
	if err := tracker.Complete(ctx, batch.BatchID); err != nil {
		t.Fatal(err)
	}

	if err := tracker.Cancel(ctx, project.ID, batch.BatchID); !errors.Is(err, ErrBatchClosed) {
		t.Errorf("expected ErrBatchClosed, got %v", err)
	}
}

func TestCancelUnknownBatch(t *testing.T) {
	tracker, _, project := setupTrackerTest(t)
	if err := tracker.Cancel(context.Background(), project.ID, "nope"); !errors.Is(err, ErrBatchNotFound) {
		t.Errorf("expected ErrBatchNotFound, got %v", err)
	}
}

func TestFailAppendsReason(t *testing.T) {
	tracker, db, project := setupTrackerTest(t)
	ctx := context.Background()

	batch, err := tracker.Create(ctx, project.ID, "", models.SourceWebhook, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := tracker.Fail(ctx, batch.BatchID, "storage unavailable"); err != nil {
		t.Fatal(err)
	}

	var final models.UploadBatch
	db.Where("batch_id = ?", batch.BatchID).First(&final)
	if final.Status != models.BatchFailed {
		t.Errorf("status %q, want failed", final.Status)
	}
	list := final.Errors.Data()
	if len(list) != 1 || list[0].Error != "storage unavailable" {
		t.Errorf("unexpected errors: %+v", list)
	}
}

func TestRecentStats(t *testing.T) {
	tracker, _, project := setupTrackerTest(t)
	ctx := context.Background()

	b1, _ := tracker.Create(ctx, project.ID, "", models.SourceManual, 3)
	tracker.RecordOutcome(ctx, b1.BatchID, OutcomeSuccess, "a.jpg", "")
	tracker.RecordOutcome(ctx, b1.BatchID, OutcomeSuccess, "b.jpg", "")
	tracker.RecordOutcome(ctx, b1.BatchID, OutcomeFailed, "c.jpg", "too large")
	tracker.Complete(ctx, b1.BatchID)

	b2, _ := tracker.Create(ctx, project.ID, "", models.SourceWebhook, 1)
	tracker.RecordOutcome(ctx, b2.BatchID, OutcomeDuplicate, "a.jpg", "")
	tracker.Complete(ctx, b2.BatchID)

	stats, err := tracker.Recent(ctx, project.ID, 10)
	if err != nil {
		t.Fatal(err)
	}

	if len(stats.Batches) != 2 {
		t.Errorf("expected 2 batches, got %d", len(stats.Batches))
	}
	if stats.TotalFiles != 4 || stats.SuccessfulUploads != 2 ||
		stats.FailedUploads != 1 || stats.DuplicatesSkipped != 1 {
		t.Errorf("aggregates wrong: %+v", stats)
	}
	if stats.SuccessRate != 50 {
		t.Errorf("success rate %f, want 50", stats.SuccessRate)
	}
}

func TestSweepStale(t *testing.T) {
	tracker, db, project := setupTrackerTest(t)
	ctx := context.Background()

	stale, err := tracker.Create(ctx, project.ID, "", models.SourceDesktopSync, 1)
	if err != nil {
		t.Fatal(err)
	}
	// Backdate past the sweep age. UpdateColumn skips the auto timestamp.
	old := time.Now().Add(-2 * time.Hour)
	if err := db.Model(&models.UploadBatch{}).
		Where("batch_id = ?", stale.BatchID).
		UpdateColumn("updated_at", old).Error; err != nil {
		t.Fatal(err)
	}

	fresh, err := tracker.Create(ctx, project.ID, "", models.SourceDesktopSync, 1)
	if err != nil {
		t.Fatal(err)
	}

	swept, err := tracker.SweepStale(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if swept != 1 {
		t.Errorf("swept %d batches, want 1", swept)
	}

	var staleRow, freshRow models.UploadBatch
	db.Where("batch_id = ?", stale.BatchID).First(&staleRow)
	db.Where("batch_id = ?", fresh.BatchID).First(&freshRow)
	if staleRow.Status != models.BatchFailed {
		t.Errorf("stale batch status %q, want failed", staleRow.Status)
	}
	if freshRow.Status != models.BatchPending {
		t.Errorf("fresh batch swept: %q", freshRow.Status)
	}
}
