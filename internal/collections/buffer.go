// Package collections maintains the per-project buffer collection: the
// always-open collection new ingests land in until it is finalized into a
// permanent, numbered gallery.
package collections

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/framepool/framepool/internal/database/models"
	"github.com/framepool/framepool/internal/logger"
	"github.com/framepool/framepool/internal/metrics"
	"github.com/maruel/natural"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrProjectNotFound is returned when the project does not exist.
	ErrProjectNotFound = errors.New("project not found")
	// ErrCollectionNotFound is returned when the target collection does not
	// exist or belongs to another project.
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrBufferEmpty is returned by Finalize when there is nothing to promote.
	ErrBufferEmpty = errors.New("buffer collection is empty")
	// ErrTargetIsBuffer is returned when images are explicitly assigned to the
	// buffer itself.
	ErrTargetIsBuffer = errors.New("cannot assign images into the buffer collection")
	// ErrFinalizeConflict is returned when a concurrent finalize won the race;
	// callers should re-read state and treat the operation as already done.
	ErrFinalizeConflict = errors.New("buffer was finalized concurrently")
)

// Manager owns all buffer-collection state transitions.
type Manager struct {
	db *gorm.DB
}

func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db}
}

// FinalizeResult describes a completed finalize transition.
type FinalizeResult struct {
	CollectionID     uint   `json:"collection_id"`
	CollectionNumber int    `json:"collection_number"`
	Name             string `json:"name"`
	NewBufferID      uint   `json:"new_buffer_id"`
	ImageCount       int64  `json:"image_count"`
}

// Summary is one row of a project's collection listing.
type Summary struct {
	ID               uint       `json:"id"`
	CollectionNumber int        `json:"collection_number"`
	Name             string     `json:"name"`
	IsActive         bool       `json:"is_active"`
	IsBuffer         bool       `json:"is_buffer"`
	ImageCount       int64      `json:"image_count"`
	FinalizedAt      *time.Time `json:"finalized_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// Attach inserts the image into the project's buffer collection with the next
// sort order, creating the buffer first if none exists. Attaching an image
// already in the buffer is a no-op.
func (m *Manager) Attach(ctx context.Context, projectID, imageID uint) (uint, error) {
	var bufferID uint

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := lockProject(tx, projectID)
		if err != nil {
			return err
		}

		buffer, err := ensureBuffer(tx, project)
		if err != nil {
			return err
		}
		bufferID = buffer.ID

		var next int64
		if err := tx.Model(&models.CollectionImage{}).
			Where("collection_id = ?", buffer.ID).
			Select("COALESCE(MAX(sort_order), -1) + 1").
			Scan(&next).Error; err != nil {
			return fmt.Errorf("failed to compute sort order: %w", err)
		}

		ci := models.CollectionImage{
			CollectionID: buffer.ID,
			ImageID:      imageID,
			SortOrder:    int(next),
		}
		if err := tx.Create(&ci).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return nil
			}
			return fmt.Errorf("failed to attach image to buffer: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return bufferID, nil
}

// Finalize promotes the current buffer to the next unused collection number
// and opens a fresh buffer. The project row is locked for the duration and
// the number swap is a conditional update, so of two concurrent callers
// exactly one succeeds; the loser gets ErrFinalizeConflict.
func (m *Manager) Finalize(ctx context.Context, projectID uint) (FinalizeResult, error) {
	var result FinalizeResult

	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := lockProject(tx, projectID)
		if err != nil {
			return err
		}

		if project.BufferCollectionID == nil {
			return ErrBufferEmpty
		}
		bufferID := *project.BufferCollectionID

		var imageCount int64
		if err := tx.Model(&models.CollectionImage{}).
			Where("collection_id = ?", bufferID).
			Count(&imageCount).Error; err != nil {
			return fmt.Errorf("failed to count buffer images: %w", err)
		}
		if imageCount == 0 {
			return ErrBufferEmpty
		}

		var maxNumber int
		if err := tx.Model(&models.Collection{}).
			Where("project_id = ?", projectID).
			Select("COALESCE(MAX(collection_number), 0)").
			Scan(&maxNumber).Error; err != nil {
			return fmt.Errorf("failed to determine next collection number: %w", err)
		}
		nextNumber := maxNumber + 1

		name := collectionName(tx, projectID, nextNumber)
		now := time.Now()

		// The rename is a compare-and-swap on the buffer marker: it only
		// applies if this collection is still the buffer.
		res := tx.Model(&models.Collection{}).
			Where("id = ? AND collection_number = ?", bufferID, models.BufferNumber).
			Updates(map[string]interface{}{
				"collection_number": nextNumber,
				"name":              name,
				"finalized_at":      now,
			})
		if res.Error != nil {
			return fmt.Errorf("failed to promote buffer: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrFinalizeConflict
		}

		newBuffer := models.Collection{
			ProjectID:        projectID,
			CollectionNumber: models.BufferNumber,
		}
		if err := tx.Create(&newBuffer).Error; err != nil {
			return fmt.Errorf("failed to create new buffer: %w", err)
		}

		// Swing the buffer pointer, again conditionally on the old value.
		res = tx.Model(&models.Project{}).
			Where("id = ? AND buffer_collection_id = ?", projectID, bufferID).
			Update("buffer_collection_id", newBuffer.ID)
		if res.Error != nil {
			return fmt.Errorf("failed to update buffer pointer: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrFinalizeConflict
		}

		result = FinalizeResult{
			CollectionID:     bufferID,
			CollectionNumber: nextNumber,
			Name:             name,
			NewBufferID:      newBuffer.ID,
			ImageCount:       imageCount,
		}
		return nil
	})
	if err != nil {
		return FinalizeResult{}, err
	}

	metrics.CollectionsFinalized.Inc()
	logger.Info("buffer finalized",
		"project_id", projectID,
		"collection_id", result.CollectionID,
		"collection_number", result.CollectionNumber,
		"images", result.ImageCount,
	)
	return result, nil
}

// AssignToCollection moves the given images into an explicitly chosen
// collection and removes them from the buffer, so an image never belongs to
// the buffer and a finalized collection at the same time. If the removal
// empties the buffer, the buffer collection is deleted outright; it is
// recreated lazily on the next Attach.
func (m *Manager) AssignToCollection(ctx context.Context, projectID, collectionID uint, imageIDs []uint) error {
	if len(imageIDs) == 0 {
		return nil
	}

	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		project, err := lockProject(tx, projectID)
		if err != nil {
			return err
		}

		var target models.Collection
		if err := tx.Where("id = ? AND project_id = ?", collectionID, projectID).
			First(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCollectionNotFound
			}
			return fmt.Errorf("failed to load collection: %w", err)
		}
		if target.IsBuffer() {
			return ErrTargetIsBuffer
		}

		var ownedCount int64
		if err := tx.Model(&models.Image{}).
			Where("id IN ? AND project_id = ?", imageIDs, projectID).
			Count(&ownedCount).Error; err != nil {
			return fmt.Errorf("failed to verify images: %w", err)
		}
		if ownedCount != int64(len(imageIDs)) {
			return fmt.Errorf("%w: one or more images do not belong to project %d", ErrCollectionNotFound, projectID)
		}

		var next int64
		if err := tx.Model(&models.CollectionImage{}).
			Where("collection_id = ?", target.ID).
			Select("COALESCE(MAX(sort_order), -1) + 1").
			Scan(&next).Error; err != nil {
			return fmt.Errorf("failed to compute sort order: %w", err)
		}

		for _, imageID := range imageIDs {
			ci := models.CollectionImage{
				CollectionID: target.ID,
				ImageID:      imageID,
				SortOrder:    int(next),
			}
			if err := tx.Create(&ci).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					continue
				}
				return fmt.Errorf("failed to assign image %d: %w", imageID, err)
			}
			next++
		}

		if project.BufferCollectionID == nil {
			return nil
		}
		bufferID := *project.BufferCollectionID

		if err := tx.Where("collection_id = ? AND image_id IN ?", bufferID, imageIDs).
			Delete(&models.CollectionImage{}).Error; err != nil {
			return fmt.Errorf("failed to remove images from buffer: %w", err)
		}

		var remaining int64
		if err := tx.Model(&models.CollectionImage{}).
			Where("collection_id = ?", bufferID).
			Count(&remaining).Error; err != nil {
			return fmt.Errorf("failed to count remaining buffer images: %w", err)
		}
		if remaining > 0 {
			// Removal leaves holes in the buffer's ordering; close them so
			// sort orders stay dense.
			return compactSortOrder(tx, bufferID)
		}

		// Empty buffer: delete it so listings do not show an empty
		// placeholder. A new buffer appears lazily on the next attach.
		res := tx.Model(&models.Project{}).
			Where("id = ? AND buffer_collection_id = ?", projectID, bufferID).
			Update("buffer_collection_id", nil)
		if res.Error != nil {
			return fmt.Errorf("failed to clear buffer pointer: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			// Another writer already moved the pointer; leave their buffer alone.
			return nil
		}
		if err := tx.Delete(&models.Collection{}, bufferID).Error; err != nil {
			return fmt.Errorf("failed to delete empty buffer: %w", err)
		}

		logger.Debug("empty buffer deleted", "project_id", projectID, "collection_id", bufferID)
		return nil
	})
}

// RemoveImage deletes the image's collection memberships and renumbers every
// affected collection. Runs inside the caller's transaction; the image row
// itself is untouched.
func RemoveImage(tx *gorm.DB, imageID uint) error {
	var joins []models.CollectionImage
	if err := tx.Where("image_id = ?", imageID).Find(&joins).Error; err != nil {
		return fmt.Errorf("failed to load collection memberships: %w", err)
	}
	if len(joins) == 0 {
		return nil
	}

	if err := tx.Where("image_id = ?", imageID).
		Delete(&models.CollectionImage{}).Error; err != nil {
		return fmt.Errorf("failed to remove collection memberships: %w", err)
	}

	for _, join := range joins {
		if err := compactSortOrder(tx, join.CollectionID); err != nil {
			return err
		}
	}
	return nil
}

// compactSortOrder renumbers a collection's surviving rows 0..n-1, preserving
// their relative order.
func compactSortOrder(tx *gorm.DB, collectionID uint) error {
	var rows []models.CollectionImage
	if err := tx.Where("collection_id = ?", collectionID).
		Order("sort_order ASC").
		Find(&rows).Error; err != nil {
		return fmt.Errorf("failed to load collection images: %w", err)
	}

	for i, row := range rows {
		if row.SortOrder == i {
			continue
		}
		if err := tx.Model(&models.CollectionImage{}).
			Where("id = ?", row.ID).
			UpdateColumn("sort_order", i).Error; err != nil {
			return fmt.Errorf("failed to renumber collection %d: %w", collectionID, err)
		}
	}
	return nil
}

// List returns the project's collections, newest number first, with the
// buffer flagged and listed first when present.
func (m *Manager) List(ctx context.Context, projectID uint) ([]Summary, error) {
	var cols []models.Collection
	if err := m.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("collection_number ASC").
		Find(&cols).Error; err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}

	summaries := make([]Summary, 0, len(cols))
	for _, c := range cols {
		var count int64
		if err := m.db.WithContext(ctx).Model(&models.CollectionImage{}).
			Where("collection_id = ?", c.ID).
			Count(&count).Error; err != nil {
			return nil, fmt.Errorf("failed to count collection images: %w", err)
		}
		summaries = append(summaries, Summary{
			ID:               c.ID,
			CollectionNumber: c.CollectionNumber,
			Name:             c.Name,
			IsActive:         c.IsActive,
			IsBuffer:         c.IsBuffer(),
			ImageCount:       count,
			FinalizedAt:      c.FinalizedAt,
			CreatedAt:        c.CreatedAt,
		})
	}
	return summaries, nil
}

// Images returns a collection's images in natural filename order, so
// "photo2.jpg" sorts before "photo10.jpg".
func (m *Manager) Images(ctx context.Context, projectID, collectionID uint) ([]models.Image, error) {
	var col models.Collection
	if err := m.db.WithContext(ctx).
		Where("id = ? AND project_id = ?", collectionID, projectID).
		First(&col).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCollectionNotFound
		}
		return nil, fmt.Errorf("failed to load collection: %w", err)
	}

	var images []models.Image
	if err := m.db.WithContext(ctx).
		Joins("JOIN collection_images ON collection_images.image_id = images.id").
		Where("collection_images.collection_id = ?", collectionID).
		Find(&images).Error; err != nil {
		return nil, fmt.Errorf("failed to load collection images: %w", err)
	}

	sort.Slice(images, func(i, j int) bool {
		return natural.Less(images[i].OriginalFilename, images[j].OriginalFilename)
	})
	return images, nil
}

// SetActive marks the given collection as the one shown publicly, clearing
// the flag from all siblings. Active status is independent of buffer status.
func (m *Manager) SetActive(ctx context.Context, projectID, collectionID uint) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var target models.Collection
		if err := tx.Where("id = ? AND project_id = ?", collectionID, projectID).
			First(&target).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrCollectionNotFound
			}
			return fmt.Errorf("failed to load collection: %w", err)
		}

		if err := tx.Model(&models.Collection{}).
			Where("project_id = ? AND is_active = ?", projectID, true).
			Update("is_active", false).Error; err != nil {
			return fmt.Errorf("failed to clear active flag: %w", err)
		}
		if err := tx.Model(&target).Update("is_active", true).Error; err != nil {
			return fmt.Errorf("failed to set active flag: %w", err)
		}
		return nil
	})
}

// lockProject loads the project row under a row lock so buffer transitions
// serialize per project.
func lockProject(tx *gorm.DB, projectID uint) (*models.Project, error) {
	var project models.Project
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&project, projectID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProjectNotFound
		}
		return nil, fmt.Errorf("failed to lock project: %w", err)
	}
	return &project, nil
}

// ensureBuffer returns the project's buffer collection, creating it and the
// buffer pointer if absent. Caller must hold the project row lock.
func ensureBuffer(tx *gorm.DB, project *models.Project) (*models.Collection, error) {
	if project.BufferCollectionID != nil {
		var buffer models.Collection
		if err := tx.First(&buffer, *project.BufferCollectionID).Error; err == nil {
			return &buffer, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("failed to load buffer: %w", err)
		}
		// Dangling pointer; fall through and recreate.
	}

	buffer := models.Collection{
		ProjectID:        project.ID,
		CollectionNumber: models.BufferNumber,
	}
	if err := tx.Create(&buffer).Error; err != nil {
		return nil, fmt.Errorf("failed to create buffer: %w", err)
	}
	if err := tx.Model(&models.Project{}).
		Where("id = ?", project.ID).
		Update("buffer_collection_id", buffer.ID).Error; err != nil {
		return nil, fmt.Errorf("failed to set buffer pointer: %w", err)
	}
	project.BufferCollectionID = &buffer.ID
	return &buffer, nil
}

// collectionName renders the project's collection naming pattern. Supported
// placeholders: {number} and {date} (YYYY-MM-DD). Defaults to
// "Collection <number>".
func collectionName(tx *gorm.DB, projectID uint, number int) string {
	var cfg models.AutoUploadConfig
	pattern := ""
	if err := tx.Where("project_id = ?", projectID).First(&cfg).Error; err == nil {
		pattern = cfg.CollectionNamingPattern
	}
	if pattern == "" {
		return fmt.Sprintf("Collection %d", number)
	}

	name := strings.ReplaceAll(pattern, "{number}", fmt.Sprintf("%d", number))
	name = strings.ReplaceAll(name, "{date}", time.Now().Format("2006-01-02"))
	return name
}
