package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/framepool/framepool/internal/database/models"
	"gorm.io/gorm"
)

// Fingerprint computes the content hash used for duplicate detection.
// Identical bytes always collide regardless of declared name or type.
func Fingerprint(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsDuplicate reports whether an image with this fingerprint was already
// ingested into the project. The lookup rides the (project_id, fingerprint)
// unique index. Two concurrent uploads of the same bytes may both see false
// here; the index catches them at insert time instead.
func IsDuplicate(ctx context.Context, db *gorm.DB, projectID uint, fingerprint string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Model(&models.Image{}).
		Where("project_id = ? AND fingerprint = ?", projectID, fingerprint).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("duplicate lookup failed: %w", err)
	}
	return count > 0, nil
}
