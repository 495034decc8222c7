// Package ingest is the ingestion gateway: every upload variant funnels
// through the same per-file pipeline of validate, dedupe, store, extract
// metadata, persist, attach to the buffer collection and report to the batch
// tracker.
package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/framepool/framepool/internal/batches"
	"github.com/framepool/framepool/internal/collections"
	"github.com/framepool/framepool/internal/config"
	"github.com/framepool/framepool/internal/database/models"
	"github.com/framepool/framepool/internal/exifdata"
	"github.com/framepool/framepool/internal/logger"
	"github.com/framepool/framepool/internal/metrics"
	"github.com/framepool/framepool/internal/storage"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	// ErrUnsupportedFormat is returned when the declared MIME type is not in
	// the project's allowed set.
	ErrUnsupportedFormat = errors.New("file format not allowed")
	// ErrFileTooLarge mirrors the storage sentinel for pre-write rejection.
	ErrFileTooLarge = storage.ErrFileTooLarge
	// ErrEmptyFile is returned for zero-length content.
	ErrEmptyFile = errors.New("file is empty")
)

// Settings is the effective per-project ingestion policy: the project's
// AutoUploadConfig when present, server defaults otherwise.
type Settings struct {
	MaxFileSize        int64
	AllowedFormats     []string
	DuplicateDetection bool
	AutoOrganize       bool
	WebhookSecret      string
}

// EffectiveSettings resolves the ingestion policy for a project.
func EffectiveSettings(ctx context.Context, db *gorm.DB, cfg *config.Config, projectID uint) (Settings, error) {
	s := Settings{
		MaxFileSize:        cfg.DefaultMaxFileSize,
		AllowedFormats:     cfg.DefaultAllowedFormats,
		DuplicateDetection: cfg.DuplicateDetection,
		AutoOrganize:       true,
	}

	var auc models.AutoUploadConfig
	err := db.WithContext(ctx).Where("project_id = ?", projectID).First(&auc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s, nil
		}
		return s, fmt.Errorf("failed to load upload config: %w", err)
	}

	s.DuplicateDetection = auc.DuplicateDetection
	s.AutoOrganize = auc.AutoOrganize
	s.WebhookSecret = auc.WebhookSecret
	if auc.MaxFileSize > 0 {
		s.MaxFileSize = auc.MaxFileSize
	}
	if formats := auc.AllowedFormats.Data(); len(formats) > 0 {
		s.AllowedFormats = formats
	}
	return s, nil
}

// Allows reports whether the MIME type is in the allowed set.
func (s Settings) Allows(mimeType string) bool {
	mimeType = normalizeMIME(mimeType)
	if mimeType == "" {
		return false
	}
	for _, allowed := range s.AllowedFormats {
		if normalizeMIME(allowed) == mimeType {
			return true
		}
	}
	return false
}

func normalizeMIME(m string) string {
	parsed, _, err := mime.ParseMediaType(m)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(m))
	}
	return parsed
}

// Request is one ingestion call: a project, a source tag and the files to
// run through the pipeline.
type Request struct {
	Project *models.Project
	Source  string // manual, desktop-sync, webhook
	BatchID string // empty gets a generated id
	Files   []FileSource
	// TargetCollectionID routes successful files into an explicit collection
	// instead of leaving them in the buffer.
	TargetCollectionID *uint
}

// Result is the batch summary returned to the caller.
type Result struct {
	BatchID           string              `json:"batch_id"`
	ProcessedFiles    int                 `json:"processed_files"`
	SuccessfulUploads int                 `json:"successful_uploads"`
	FailedUploads     int                 `json:"failed_uploads"`
	DuplicatesSkipped int                 `json:"duplicates_skipped"`
	ImageIDs          []uint              `json:"image_ids,omitempty"`
	Errors            []models.BatchError `json:"errors,omitempty"`
}

// Pipeline wires the ingestion stages together.
type Pipeline struct {
	db      *gorm.DB
	store   storage.ObjectStore
	buffers *collections.Manager
	tracker *batches.Tracker
	cfg     *config.Config
}

func NewPipeline(db *gorm.DB, store storage.ObjectStore, buffers *collections.Manager, tracker *batches.Tracker, cfg *config.Config) *Pipeline {
	return &Pipeline{
		db:      db,
		store:   store,
		buffers: buffers,
		tracker: tracker,
		cfg:     cfg,
	}
}

// Ingest runs every file through the per-file pipeline in order. Individual
// failures never abort sibling files; the batch closes as completed once all
// files have been attempted.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Result, error) {
	batch, err := p.tracker.Create(ctx, req.Project.ID, req.BatchID, req.Source, len(req.Files))
	if err != nil {
		return nil, err
	}

	settings, err := EffectiveSettings(ctx, p.db, p.cfg, req.Project.ID)
	if err != nil {
		// Systemic failure before any file is processed: the whole batch
		// fails, not individual files.
		if failErr := p.tracker.Fail(ctx, batch.BatchID, err.Error()); failErr != nil {
			logger.Error("failed to mark batch failed", "batch_id", batch.BatchID, "error", failErr)
		}
		return nil, err
	}

	result := &Result{BatchID: batch.BatchID}

	for i, file := range req.Files {
		if i == 0 {
			if err := p.tracker.Start(ctx, batch.BatchID); err != nil {
				logger.Error("failed to start batch", "batch_id", batch.BatchID, "error", err)
			}
		}

		outcome, imageID, fileErr := p.processFile(ctx, req, settings, batch.BatchID, file)
		result.ProcessedFiles++

		errMsg := ""
		if fileErr != nil {
			errMsg = fileErr.Error()
		}
		if err := p.tracker.RecordOutcome(ctx, batch.BatchID, outcome, file.Name(), errMsg); err != nil {
			logger.Error("failed to record file outcome",
				"batch_id", batch.BatchID, "file", file.Name(), "error", err)
		}
		metrics.RecordFileOutcome(req.Source, string(outcome))

		switch outcome {
		case batches.OutcomeSuccess:
			result.SuccessfulUploads++
			result.ImageIDs = append(result.ImageIDs, imageID)
		case batches.OutcomeDuplicate:
			result.DuplicatesSkipped++
		case batches.OutcomeFailed:
			result.FailedUploads++
			result.Errors = append(result.Errors, models.BatchError{
				File:  file.Name(),
				Error: errMsg,
			})
			logger.Warn("file ingestion failed",
				"batch_id", batch.BatchID, "file", file.Name(), "error", errMsg)
		}
	}

	if err := p.tracker.Complete(ctx, batch.BatchID); err != nil {
		logger.Error("failed to complete batch", "batch_id", batch.BatchID, "error", err)
	}

	return result, nil
}

// processFile runs one file through the pipeline stages. It returns the
// outcome to count and, for successes, the new image id.
func (p *Pipeline) processFile(ctx context.Context, req Request, settings Settings, batchID string, file FileSource) (batches.Outcome, uint, error) {
	// Validation happens on declared attributes first so oversized or
	// disallowed files are rejected before any fetch or object-store write.
	declaredMIME := file.DeclaredMIME()
	if declaredMIME != "" && !settings.Allows(declaredMIME) {
		return batches.OutcomeFailed, 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, declaredMIME)
	}
	if size := file.DeclaredSize(); settings.MaxFileSize > 0 && size > settings.MaxFileSize {
		return batches.OutcomeFailed, 0, fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, size, settings.MaxFileSize)
	}

	data, err := file.Fetch(ctx)
	if err != nil {
		return batches.OutcomeFailed, 0, err
	}
	if len(data) == 0 {
		return batches.OutcomeFailed, 0, ErrEmptyFile
	}
	if settings.MaxFileSize > 0 && int64(len(data)) > settings.MaxFileSize {
		return batches.OutcomeFailed, 0, fmt.Errorf("%w: %d bytes (limit %d)", ErrFileTooLarge, int64(len(data)), settings.MaxFileSize)
	}

	mimeType := declaredMIME
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}
	if !settings.Allows(mimeType) {
		return batches.OutcomeFailed, 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, mimeType)
	}

	var fingerprint *string
	if settings.DuplicateDetection {
		fp := Fingerprint(data)
		dup, err := IsDuplicate(ctx, p.db, req.Project.ID, fp)
		if err != nil {
			return batches.OutcomeFailed, 0, err
		}
		if dup {
			return batches.OutcomeDuplicate, 0, nil
		}
		fingerprint = &fp
	}

	saved, err := p.store.Save(ctx, bytes.NewReader(data), storage.SaveOptions{
		KeyPrefix:        keyPrefix(req.Project),
		OriginalFilename: file.Name(),
		ContentType:      mimeType,
		MaxSize:          settings.MaxFileSize,
	})
	if err != nil {
		return batches.OutcomeFailed, 0, fmt.Errorf("storage write failed: %w", err)
	}
	metrics.BytesStored.Add(float64(saved.Size))

	// Metadata extraction is best-effort: a corrupt EXIF block never fails
	// the file.
	md, mdErr := exifdata.Extract(data, mimeType)
	if mdErr != nil {
		metrics.MetadataExtractionFailures.Inc()
		logger.Debug("metadata extraction failed",
			"file", file.Name(), "project_id", req.Project.ID, "error", mdErr)
	}

	image := models.Image{
		ProjectID:        req.Project.ID,
		StoragePath:      saved.Path,
		Filename:         filepath.Base(saved.Path),
		OriginalFilename: file.Name(),
		FileSize:         saved.Size,
		MimeType:         mimeType,
		Fingerprint:      fingerprint,
		CapturedAt:       md.CapturedAt,
		CameraMake:       md.CameraMake,
		CameraModel:      md.CameraModel,
		LensModel:        md.LensModel,
		FocalLength:      md.FocalLength,
		Aperture:         md.Aperture,
		ShutterSpeed:     md.ShutterSpeed,
		ISO:              md.ISO,
		Flash:            md.Flash,
		Width:            md.Width,
		Height:           md.Height,
		GPSLatitude:      md.GPSLatitude,
		GPSLongitude:     md.GPSLongitude,
		GPSAltitude:      md.GPSAltitude,
		UploadBatchID:    batchID,
		UploadSource:     req.Source,
	}
	if meta := file.CallerMetadata(); len(meta) > 0 {
		image.ExternalMetadata = datatypes.NewJSONType(meta)
	}

	if err := p.db.WithContext(ctx).Create(&image).Error; err != nil {
		// Concurrent upload of the same bytes: both passed the duplicate
		// check, the unique index caught the second insert. Counted as a
		// duplicate, and the redundant object is removed.
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			if delErr := p.store.Delete(ctx, saved.Path); delErr != nil {
				logger.Error("failed to delete redundant object",
					"path", saved.Path, "error", delErr)
			}
			return batches.OutcomeDuplicate, 0, nil
		}
		p.cleanupObject(ctx, saved.Path)
		return batches.OutcomeFailed, 0, fmt.Errorf("failed to record image: %w", err)
	}

	if err := p.placeImage(ctx, req, image.ID); err != nil {
		p.cleanupImage(ctx, &image)
		return batches.OutcomeFailed, 0, err
	}

	return batches.OutcomeSuccess, image.ID, nil
}

// placeImage attaches the image to the buffer, then moves it to the explicit
// target collection when one was requested.
func (p *Pipeline) placeImage(ctx context.Context, req Request, imageID uint) error {
	if _, err := p.buffers.Attach(ctx, req.Project.ID, imageID); err != nil {
		return fmt.Errorf("failed to attach image to buffer: %w", err)
	}
	if req.TargetCollectionID != nil {
		if err := p.buffers.AssignToCollection(ctx, req.Project.ID, *req.TargetCollectionID, []uint{imageID}); err != nil {
			return fmt.Errorf("failed to assign image to collection: %w", err)
		}
	}
	return nil
}

// cleanupImage removes a half-ingested image row and its object.
func (p *Pipeline) cleanupImage(ctx context.Context, image *models.Image) {
	if err := p.db.WithContext(ctx).Unscoped().Delete(image).Error; err != nil {
		logger.Error("failed to delete image row during cleanup", "image_id", image.ID, "error", err)
	}
	p.cleanupObject(ctx, image.StoragePath)
}

func (p *Pipeline) cleanupObject(ctx context.Context, path string) {
	if err := p.store.Delete(ctx, path); err != nil {
		logger.Error("failed to delete object during cleanup", "path", path, "error", err)
	}
}

// keyPrefix scopes object keys per project, honoring a configured storage
// prefix when the project has one.
func keyPrefix(project *models.Project) string {
	if project.StoragePrefix != "" {
		return project.StoragePrefix
	}
	return fmt.Sprintf("p%d", project.ID)
}
