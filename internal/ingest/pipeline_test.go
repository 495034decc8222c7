package ingest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/framepool/framepool/internal/batches"
	"github.com/framepool/framepool/internal/collections"
	"github.com/framepool/framepool/internal/config"
	"github.com/framepool/framepool/internal/database/models"
	"github.com/framepool/framepool/internal/storage"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupPipelineTest(t *testing.T) (*Pipeline, *gorm.DB, *storage.MemoryStore, *models.Project) {
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
		&models.User{}, &models.Project{}, &models.AutoUploadConfig{},
		&models.Collection{}, &models.CollectionImage{}, &models.Image{},
		&models.UploadBatch{},
	); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}

	user := &models.User{Username: "tester", Email: "tester@example.com"}
	if err := db.Create(user).Error; err != nil {
		t.Fatal(err)
	}
	project := &models.Project{UserID: user.ID, Name: "wedding"}
	if err := db.Create(project).Error; err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		DefaultMaxFileSize:    1024,
		DefaultAllowedFormats: []string{"image/jpeg", "image/png"},
		DuplicateDetection:    true,
		WebhookFetchTimeout:   5 * time.Second,
	}

	store := storage.NewMemoryStore()
	pipeline := NewPipeline(db, store, collections.NewManager(db), batches.NewTracker(db), cfg)
	return pipeline, db, store, project
}

func jpegBytes(seed byte, size int) []byte {
	data := bytes.Repeat([]byte{seed}, size)
	data[0], data[1] = 0xFF, 0xD8
	return data
}

func TestIngestSuccess(t *testing.T) {
	p, db, store, project := setupPipelineTest(t)

	result, err := p.Ingest(context.Background(), Request{
		Project: project,
		Source:  models.SourceManual,
		Files: []FileSource{
			NewByteFile("one.jpg", "image/jpeg", jpegBytes(1, 64)),
			NewByteFile("two.jpg", "image/jpeg", jpegBytes(2, 64)),
		},
	})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	if result.ProcessedFiles != 2 || result.SuccessfulUploads != 2 {
		t.Errorf("unexpected result: %+v", result)
	}
	if len(result.ImageIDs) != 2 {
		t.Fatalf("expected 2 image ids, got %d", len(result.ImageIDs))
	}

	// Every successful file has a row, an object and a buffer membership.
	var images []models.Image
	db.Where("project_id = ?", project.ID).Find(&images)
	if len(images) != 2 {
		t.Fatalf("expected 2 image rows, got %d", len(images))
	}
	for _, img := range images {
		if _, err := store.Stat(context.Background(), img.StoragePath); err != nil {
			t.Errorf("object missing for %s: %v", img.OriginalFilename, err)
		}
		if img.UploadBatchID != result.BatchID {
			t.Errorf("image %s not tagged with batch", img.OriginalFilename)
		}
		if img.Fingerprint == nil {
			t.Errorf("image %s missing fingerprint", img.OriginalFilename)
		}
	}

	var memberships int64
	db.Model(&models.CollectionImage{}).Count(&memberships)
	if memberships != 2 {
		t.Errorf("expected 2 buffer memberships, got %d", memberships)
	}

	var batch models.UploadBatch
	db.Where("batch_id = ?", result.BatchID).First(&batch)
	if batch.Status != models.BatchCompleted {
		t.Errorf("batch status %q, want completed", batch.Status)
	}
}

func TestIngestDuplicateWithinBatch(t *testing.T) {
	p, db, _, project := setupPipelineTest(t)

	same := jpegBytes(7, 128)
	result, err := p.Ingest(context.Background(), Request{
		Project: project,
		Source:  models.SourceManual,
		Files: []FileSource{
			NewByteFile("original.jpg", "image/jpeg", same),
			NewByteFile("copy.jpg", "image/jpeg", same),
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.SuccessfulUploads != 1 || result.DuplicatesSkipped != 1 {
		t.Errorf("expected 1 success + 1 duplicate, got %+v", result)
	}

	var count int64
	db.Model(&models.Image{}).Where("project_id = ?", project.ID).Count(&count)
	if count != 1 {
		t.Errorf("identical content produced %d rows, want 1", count)
	}
}

func TestIngestDuplicateAcrossBatches(t *testing.T) {
	p, _, _, project := setupPipelineTest(t)
	ctx := context.Background()

	same := jpegBytes(9, 128)
	if _, err := p.Ingest(ctx, Request{
		Project: project,
		Source:  models.SourceManual,
		Files:   []FileSource{NewByteFile("a.jpg", "image/jpeg", same)},
	}); err != nil {
		t.Fatal(err)
	}

	result, err := p.Ingest(ctx, Request{
		Project: project,
		Source:  models.SourceDesktopSync,
		Files:   []FileSource{NewByteFile("a-again.jpg", "image/jpeg", same)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.DuplicatesSkipped != 1 || result.SuccessfulUploads != 0 {
		t.Errorf("cross-batch duplicate not detected: %+v", result)
	}
}

func TestIngestSameContentDifferentProjects(t *testing.T) {
	p, db, _, project := setupPipelineTest(t)
	ctx := context.Background()

	other := &models.Project{UserID: project.UserID, Name: "other"}
	if err := db.Create(other).Error; err != nil {
		t.Fatal(err)
	}

	same := jpegBytes(4, 64)
	for _, proj := range []*models.Project{project, other} {
		result, err := p.Ingest(ctx, Request{
			Project: proj,
			Source:  models.SourceManual,
			Files:   []FileSource{NewByteFile("a.jpg", "image/jpeg", same)},
		})
		if err != nil {
			t.Fatal(err)
		}
		if result.SuccessfulUploads != 1 {
			t.Errorf("project %d: duplicate detection crossed project boundary: %+v", proj.ID, result)
		}
	}
}

func TestIngestOversizedLeavesNoOrphan(t *testing.T) {
	p, db, store, project := setupPipelineTest(t)

	result, err := p.Ingest(context.Background(), Request{
		Project: project,
		Source:  models.SourceManual,
		Files:   []FileSource{NewByteFile("huge.jpg", "image/jpeg", jpegBytes(3, 4096))},
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.FailedUploads != 1 {
		t.Errorf("oversized file not failed: %+v", result)
	}
	if len(result.Errors) != 1 {
		t.Errorf("expected one batch error, got %+v", result.Errors)
	}
	if store.ObjectCount() != 0 {
		t.Errorf("oversized file left %d orphaned objects", store.ObjectCount())
	}
	var count int64
	db.Model(&models.Image{}).Count(&count)
	if count != 0 {
		t.Errorf("oversized file left %d image rows", count)
	}
}

func TestIngestUnsupportedFormat(t *testing.T) {
	p, _, store, project := setupPipelineTest(t)

	result, err := p.Ingest(context.Background(), Request{
		Project: project,
		Source:  models.SourceManual,
		Files:   []FileSource{NewByteFile("doc.pdf", "application/pdf", []byte("%PDF-1.4"))},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.FailedUploads != 1 {
		t.Errorf("disallowed format not failed: %+v", result)
	}
	if store.ObjectCount() != 0 {
		t.Error("disallowed format reached the object store")
	}
}

// Mixed batch: one oversized, two identical. The batch still completes with
// processed=3, success=1, failed=1, duplicates=1.
func TestIngestMixedBatchCounts(t *testing.T) {
	p, db, _, project := setupPipelineTest(t)

	same := jpegBytes(5, 100)
	result, err := p.Ingest(context.Background(), Request{
		Project: project,
		Source:  models.SourceWebhook,
		Files: []FileSource{
			NewByteFile("too-big.jpg", "image/jpeg", jpegBytes(6, 4096)),
			NewByteFile("keep.jpg", "image/jpeg", same),
			NewByteFile("keep-copy.jpg", "image/jpeg", same),
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if result.ProcessedFiles != 3 || result.SuccessfulUploads != 1 ||
		result.FailedUploads != 1 || result.DuplicatesSkipped != 1 {
		t.Errorf("expected {3,1,1,1}, got {%d,%d,%d,%d}",
			result.ProcessedFiles, result.SuccessfulUploads,
			result.FailedUploads, result.DuplicatesSkipped)
	}

	var batch models.UploadBatch
	db.Where("batch_id = ?", result.BatchID).First(&batch)
	if batch.Status != models.BatchCompleted {
		t.Errorf("mixed batch must still complete, got %q", batch.Status)
	}
	if got := batch.SuccessfulUploads + batch.FailedUploads + batch.DuplicatesSkipped; got != batch.TotalFiles {
		t.Errorf("count conservation violated: %d != %d", got, batch.TotalFiles)
	}
}

func TestIngestMetadataFailureStillStores(t *testing.T) {
	p, db, _, project := setupPipelineTest(t)

	// Valid size and MIME, but no parseable EXIF; extraction fails and the
	// file must ingest regardless.
	result, err := p.Ingest(context.Background(), Request{
		Project: project,
		Source:  models.SourceManual,
		Files:   []FileSource{NewByteFile("noexif.jpg", "image/jpeg", jpegBytes(8, 32))},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.SuccessfulUploads != 1 {
		t.Fatalf("metadata failure rejected the file: %+v", result)
	}

	var img models.Image
	db.Where("project_id = ?", project.ID).First(&img)
	if img.CapturedAt != nil || img.CameraMake != "" {
		t.Error("garbage EXIF produced metadata")
	}
}

func TestIngestEmptyFile(t *testing.T) {
	p, _, _, project := setupPipelineTest(t)

	result, err := p.Ingest(context.Background(), Request{
		Project: project,
		Source:  models.SourceManual,
		Files:   []FileSource{NewByteFile("empty.jpg", "image/jpeg", nil)},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.FailedUploads != 1 {
		t.Errorf("empty file not failed: %+v", result)
	}
}

func TestIngestTargetCollection(t *testing.T) {
	p, db, _, project := setupPipelineTest(t)
	ctx := context.Background()
	manager := collections.NewManager(db)

	// Seed and finalize so a permanent collection exists to target.
	if _, err := p.Ingest(ctx, Request{
		Project: project,
		Source:  models.SourceManual,
		Files:   []FileSource{NewByteFile("seed.jpg", "image/jpeg", jpegBytes(10, 40))},
	}); err != nil {
		t.Fatal(err)
	}
	finalized, err := manager.Finalize(ctx, project.ID)
	if err != nil {
		t.Fatal(err)
	}

	result, err := p.Ingest(ctx, Request{
		Project:            project,
		Source:             models.SourceWebhook,
		Files:              []FileSource{NewByteFile("direct.jpg", "image/jpeg", jpegBytes(11, 40))},
		TargetCollectionID: &finalized.CollectionID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.SuccessfulUploads != 1 {
		t.Fatalf("targeted ingest failed: %+v", result)
	}

	var memberships []models.CollectionImage
	db.Where("image_id = ?", result.ImageIDs[0]).Find(&memberships)
	if len(memberships) != 1 || memberships[0].CollectionID != finalized.CollectionID {
		t.Errorf("image not routed to target collection: %+v", memberships)
	}
}

func TestIngestRespectsProjectConfig(t *testing.T) {
	p, db, _, project := setupPipelineTest(t)

	// Project-level config narrows the allowed formats and raises the cap.
	db.Create(&models.AutoUploadConfig{
		ProjectID:          project.ID,
		DuplicateDetection: false,
		MaxFileSize:        8192,
		AllowedFormats:     models.NewAllowedFormats([]string{"image/png"}),
	})

	result, err := p.Ingest(context.Background(), Request{
		Project: project,
		Source:  models.SourceManual,
		Files: []FileSource{
			NewByteFile("ok.png", "image/png", jpegBytes(12, 4096)),
			NewByteFile("nope.jpg", "image/jpeg", jpegBytes(13, 64)),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.SuccessfulUploads != 1 || result.FailedUploads != 1 {
		t.Errorf("project config not honored: %+v", result)
	}

	// Duplicate detection off leaves the fingerprint empty.
	var img models.Image
	db.Where("project_id = ? AND original_filename = ?", project.ID, "ok.png").First(&img)
	if img.Fingerprint != nil {
		t.Error("fingerprint recorded with duplicate detection disabled")
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Fingerprint([]byte("same bytes"))
	b := Fingerprint([]byte("same bytes"))
	c := Fingerprint([]byte("other bytes"))
	if a != b {
		t.Error("identical content produced different fingerprints")
	}
	if a == c {
		t.Error("different content collided")
	}
	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
}

func TestSettingsAllows(t *testing.T) {
	s := Settings{AllowedFormats: []string{"image/jpeg", "IMAGE/PNG"}}
	cases := []struct {
		mime string
		want bool
	}{
		{"image/jpeg", true},
		{"image/jpeg; charset=binary", true},
		{"image/png", true},
		{"image/gif", false},
		{"", false},
	}
	for _, c := range cases {
		if got := s.Allows(c.mime); got != c.want {
			t.Errorf("Allows(%q) = %v, want %v", c.mime, got, c.want)
		}
	}
}

func TestIngestPinnedBatchReuseKeepsCountsConserved(t *testing.T) {
	p, db, _, project := setupPipelineTest(t)
	ctx := context.Background()

	content := jpegBytes(9, 256)

	first, err := p.Ingest(ctx, Request{
		Project: project,
		Source:  models.SourceDesktopSync,
		BatchID: "pinned-batch",
		Files:   []FileSource{NewByteFile("a.jpg", "image/jpeg", content)},
	})
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if first.SuccessfulUploads != 1 {
		t.Fatalf("first call successful = %d, want 1", first.SuccessfulUploads)
	}

	// A retry with the same pinned id lands in the same batch; its file is a
	// duplicate of the first call's.
	second, err := p.Ingest(ctx, Request{
		Project: project,
		Source:  models.SourceDesktopSync,
		BatchID: "pinned-batch",
		Files:   []FileSource{NewByteFile("a.jpg", "image/jpeg", content)},
	})
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if second.DuplicatesSkipped != 1 {
		t.Errorf("second call duplicates = %d, want 1", second.DuplicatesSkipped)
	}

	var batch models.UploadBatch
	if err := db.Where("batch_id = ?", "pinned-batch").First(&batch).Error; err != nil {
		t.Fatal(err)
	}
	if batch.Status != models.BatchCompleted {
		t.Errorf("batch status %q, want completed", batch.Status)
	}
	if batch.TotalFiles != 2 {
		t.Errorf("total_files = %d, want 2 (one per call)", batch.TotalFiles)
	}
	sum := batch.SuccessfulUploads + batch.FailedUploads + batch.DuplicatesSkipped
	if batch.TotalFiles != sum {
		t.Errorf("count conservation violated: total_files=%d, outcome sum=%d", batch.TotalFiles, sum)
	}
}

func TestIngestSystemicFailureFailsBatch(t *testing.T) {
	p, db, store, project := setupPipelineTest(t)
	ctx := context.Background()

	// Losing the config table makes the policy lookup fail before any file
	// is touched.
	if err := db.Migrator().DropTable(&models.AutoUploadConfig{}); err != nil {
		t.Fatal(err)
	}

	_, err := p.Ingest(ctx, Request{
		Project: project,
		Source:  models.SourceWebhook,
		BatchID: "doomed-batch",
		Files:   []FileSource{NewByteFile("a.jpg", "image/jpeg", jpegBytes(1, 256))},
	})
	if err == nil {
		t.Fatal("expected an error when the policy lookup fails")
	}

	var batch models.UploadBatch
	if err := db.Where("batch_id = ?", "doomed-batch").First(&batch).Error; err != nil {
		t.Fatal(err)
	}
	if batch.Status != models.BatchFailed {
		t.Errorf("batch status %q, want failed", batch.Status)
	}
	if len(batch.Errors.Data()) == 0 {
		t.Error("systemic failure not recorded on the batch")
	}
	if batch.SuccessfulUploads != 0 || store.ObjectCount() != 0 {
		t.Error("no file should have been processed")
	}
}
