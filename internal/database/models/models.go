package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Upload source tags recorded on every ingested image.
const (
	SourceManual      = "manual"
	SourceDesktopSync = "desktop-sync"
	SourceWebhook     = "webhook"
)

// Upload batch statuses.
const (
	BatchPending    = "pending"
	BatchProcessing = "processing"
	BatchCompleted  = "completed"
	BatchFailed     = "failed"
	BatchCancelled  = "cancelled"
)

// BufferNumber is the reserved collection number identifying a project's
// buffer collection. Finalized collections are numbered from 1 upwards.
const BufferNumber = 0

// Project display modes.
const (
	DisplaySingle     = "single"
	DisplayCollection = "collection"
)

type User struct {
	ID        uint           `gorm:"primaryKey" json:"id"`
	Username  string         `gorm:"uniqueIndex;not null;size:50" json:"username"`
	Email     string         `gorm:"uniqueIndex;not null;size:255" json:"email"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Projects []Project `gorm:"foreignKey:UserID;constraint:OnDelete:CASCADE" json:"-"`
}

// Session is a login session validated (not issued) by this service.
// Tokens are stored bcrypt-hashed.
type Session struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	UserID     uint      `gorm:"not null;index" json:"user_id"`
	TokenHash  string    `gorm:"not null;size:255" json:"-"`
	ExpiresAt  time.Time `gorm:"index" json:"expires_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	CreatedAt  time.Time `json:"created_at"`

	User User `gorm:"foreignKey:UserID" json:"-"`
}

type Project struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	UserID        uint   `gorm:"not null;index" json:"user_id"`
	Name          string `gorm:"not null;size:255" json:"name"`
	DisplayMode   string `gorm:"not null;size:20;default:'single'" json:"display_mode"` // single, collection
	StorageBucket string `gorm:"size:255" json:"storage_bucket"`
	StoragePrefix string `gorm:"size:255" json:"storage_prefix"`

	// BufferCollectionID points at the collection currently acting as the
	// buffer. It is only ever moved with a conditional update so concurrent
	// finalize calls cannot both claim the same buffer.
	BufferCollectionID *uint `gorm:"index" json:"buffer_collection_id,omitempty"`

	// SyncTokenHash is the bcrypt hash of the desktop-sync token. Empty
	// disables the sync upload endpoint for this project.
	SyncTokenHash string `gorm:"size:255" json:"-"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	User        User            `gorm:"foreignKey:UserID" json:"-"`
	Config      *AutoUploadConfig `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"config,omitempty"`
	Collections []Collection    `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"-"`
	Images      []Image         `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"-"`
	Batches     []UploadBatch   `gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE" json:"-"`
}

// AutoUploadConfig holds per-project ingestion settings. At most one row per
// project; a missing row means DefaultAutoUploadConfig applies.
type AutoUploadConfig struct {
	ID                     uint                         `gorm:"primaryKey" json:"id"`
	ProjectID              uint                         `gorm:"uniqueIndex;not null" json:"project_id"`
	AutoOrganize           bool                         `gorm:"not null;default:true" json:"auto_organize"`
	DuplicateDetection     bool                         `gorm:"not null;default:true" json:"duplicate_detection"`
	AutoCollectionCreation bool                         `gorm:"not null;default:false" json:"auto_collection_creation"`
	BackgroundProcessing   bool                         `gorm:"not null;default:false" json:"background_processing"`
	MaxFileSize            int64                        `gorm:"not null;default:52428800" json:"max_file_size"`
	AllowedFormats         datatypes.JSONType[[]string] `json:"allowed_formats"`
	WebhookURL             string                       `gorm:"size:1024" json:"webhook_url,omitempty"`
	WebhookSecret          string                       `gorm:"size:255" json:"-"`
	CollectionNamingPattern string                      `gorm:"size:255" json:"collection_naming_pattern,omitempty"`
	CreatedAt              time.Time                    `json:"created_at"`
	UpdatedAt              time.Time                    `json:"updated_at"`
}

type Collection struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	ProjectID uint   `gorm:"not null;uniqueIndex:idx_project_collection_number,priority:1" json:"project_id"`
	// CollectionNumber 0 marks the buffer; finalized collections hold the
	// next unused positive number and never change it afterwards.
	CollectionNumber int    `gorm:"not null;uniqueIndex:idx_project_collection_number,priority:2" json:"collection_number"`
	Name             string `gorm:"size:255" json:"name"`
	IsActive         bool   `gorm:"not null;default:false;index" json:"is_active"`
	FinalizedAt      *time.Time `json:"finalized_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`

	Images []CollectionImage `gorm:"foreignKey:CollectionID;constraint:OnDelete:CASCADE" json:"-"`
}

// IsBuffer reports whether this collection is the project's buffer.
func (c *Collection) IsBuffer() bool {
	return c.CollectionNumber == BufferNumber
}

type CollectionImage struct {
	ID           uint `gorm:"primaryKey" json:"id"`
	CollectionID uint `gorm:"not null;uniqueIndex:idx_collection_image,priority:1" json:"collection_id"`
	ImageID      uint `gorm:"not null;uniqueIndex:idx_collection_image,priority:2;index" json:"image_id"`
	SortOrder    int  `gorm:"not null;default:0" json:"sort_order"`
	CreatedAt    time.Time `json:"created_at"`
}

type Image struct {
	ID               uint   `gorm:"primaryKey" json:"id"`
	ProjectID        uint   `gorm:"not null;index;uniqueIndex:idx_project_fingerprint,priority:1" json:"project_id"`
	StoragePath      string `gorm:"not null;size:1024" json:"storage_path"`
	Filename         string `gorm:"not null;size:255" json:"filename"`
	OriginalFilename string `gorm:"not null;size:255" json:"original_filename"`
	FileSize         int64  `gorm:"not null" json:"file_size"`
	MimeType         string `gorm:"size:100" json:"mime_type"`
	// Fingerprint is the SHA-256 of the raw bytes, scoped per project by the
	// composite unique index. Nil when duplicate detection is disabled.
	Fingerprint *string `gorm:"size:64;uniqueIndex:idx_project_fingerprint,priority:2" json:"fingerprint,omitempty"`

	// Capture metadata, all best-effort and nullable.
	CapturedAt   *time.Time `json:"captured_at,omitempty"`
	CameraMake   string     `gorm:"size:100" json:"camera_make,omitempty"`
	CameraModel  string     `gorm:"size:100" json:"camera_model,omitempty"`
	LensModel    string     `gorm:"size:100" json:"lens_model,omitempty"`
	FocalLength  *float64   `json:"focal_length,omitempty"`
	Aperture     *float64   `json:"aperture,omitempty"`
	ShutterSpeed string     `gorm:"size:30" json:"shutter_speed,omitempty"`
	ISO          *int       `json:"iso,omitempty"`
	Flash        *bool      `json:"flash,omitempty"`
	Width        *int       `json:"width,omitempty"`
	Height       *int       `json:"height,omitempty"`
	GPSLatitude  *float64   `json:"gps_latitude,omitempty"`
	GPSLongitude *float64   `json:"gps_longitude,omitempty"`
	GPSAltitude  *float64   `json:"gps_altitude,omitempty"`

	UploadBatchID    string                                `gorm:"size:64;index" json:"upload_batch_id,omitempty"`
	UploadSource     string                                `gorm:"not null;size:20;default:'manual'" json:"upload_source"`
	ExternalMetadata datatypes.JSONType[map[string]string] `json:"external_metadata"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Collections []CollectionImage `gorm:"foreignKey:ImageID;constraint:OnDelete:CASCADE" json:"-"`
}

// BatchError is one per-file failure recorded on a batch.
type BatchError struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// NewBatchErrors wraps an error list for storage in the batch's JSON column.
func NewBatchErrors(list []BatchError) datatypes.JSONType[[]BatchError] {
	return datatypes.NewJSONType(list)
}

// NewAllowedFormats wraps a MIME type list for the config's JSON column.
func NewAllowedFormats(formats []string) datatypes.JSONType[[]string] {
	return datatypes.NewJSONType(formats)
}

type UploadBatch struct {
	ID                uint   `gorm:"primaryKey" json:"-"`
	BatchID           string `gorm:"uniqueIndex;not null;size:64" json:"batch_id"`
	ProjectID         uint   `gorm:"not null;index" json:"project_id"`
	TotalFiles        int    `gorm:"not null;default:0" json:"total_files"`
	SuccessfulUploads int    `gorm:"not null;default:0" json:"successful_uploads"`
	FailedUploads     int    `gorm:"not null;default:0" json:"failed_uploads"`
	DuplicatesSkipped int    `gorm:"not null;default:0" json:"duplicates_skipped"`
	Status            string `gorm:"not null;size:20;default:'pending';index" json:"status"`
	Source            string `gorm:"not null;size:20;default:'manual'" json:"source"`
	Errors            datatypes.JSONType[[]BatchError] `json:"errors"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}
