package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port string
	Host string
	Env  string

	DBType     string
	DBHost     string
	DBPort     string
	DBName     string
	DBUser     string
	DBPassword string
	DBPath     string

	// Object store configuration
	StorageBackend string // "disk", "memory", "s3"
	StoragePath    string // For disk backend
	S3Endpoint     string // Custom endpoint for S3-compatible services
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool // Required for MinIO and most S3-compatible services

	// Ingestion defaults, used when a project has no AutoUploadConfig row.
	DefaultMaxFileSize    int64
	DefaultAllowedFormats []string
	DuplicateDetection    bool

	// Webhook ingestion
	WebhookFetchTimeout time.Duration // Per-file timeout when fetching by URL

	// Background jobs
	AutoFinalizeSchedule string        // Cron spec for buffer auto-finalize
	StaleBatchAge        time.Duration // Batches stuck in pending/processing longer than this are failed
	StaleBatchSweep      string        // Cron spec for the stale batch sweeper
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", "8080"),
		Host:                  getEnv("HOST", "0.0.0.0"),
		Env:                   getEnv("ENV", "development"),
		DBType:                getEnv("DB_TYPE", "sqlite"),
		DBHost:                getEnv("DB_HOST", "localhost"),
		DBPort:                getEnv("DB_PORT", "5432"),
		DBName:                getEnv("DB_NAME", "framepool"),
		DBUser:                getEnv("DB_USER", "framepool"),
		DBPassword:            getEnv("DB_PASSWORD", ""),
		DBPath:                getEnv("DB_PATH", "./data/framepool.db"),
		StorageBackend:        getEnv("STORAGE_BACKEND", "disk"),
		StoragePath:           getEnv("STORAGE_PATH", "./data/photos"),
		S3Endpoint:            getEnv("S3_ENDPOINT", ""),
		S3Region:              getEnv("S3_REGION", "us-east-1"),
		S3Bucket:              getEnv("S3_BUCKET", ""),
		S3AccessKey:           getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey:           getEnv("S3_SECRET_KEY", ""),
		S3UsePathStyle:        getEnvBool("S3_USE_PATH_STYLE", false),
		DefaultMaxFileSize:    getEnvSize("DEFAULT_MAX_FILE_SIZE", "50M"),
		DefaultAllowedFormats: getEnvStringSlice("DEFAULT_ALLOWED_FORMATS", []string{"image/jpeg", "image/png", "image/gif", "image/webp", "image/heic"}),
		DuplicateDetection:    getEnvBool("DUPLICATE_DETECTION", true),
		WebhookFetchTimeout:   getEnvDuration("WEBHOOK_FETCH_TIMEOUT", "30s"),
		AutoFinalizeSchedule:  getEnv("AUTO_FINALIZE_SCHEDULE", "0 3 * * *"),
		StaleBatchAge:         getEnvDuration("STALE_BATCH_AGE", "6h"),
		StaleBatchSweep:       getEnv("STALE_BATCH_SWEEP", "*/30 * * * *"),
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key, defaultValue string) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		value = defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}

func getEnvStringSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	var result []string
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	if len(result) == 0 {
		return defaultValue
	}
	return result
}

// getEnvSize parses human-friendly sizes such as "50M", "1G" or plain byte
// counts.
func getEnvSize(key, defaultValue string) int64 {
	value := os.Getenv(key)
	if value == "" {
		value = defaultValue
	}

	size, err := parseSize(value)
	if err != nil {
		size, _ = parseSize(defaultValue)
	}
	return size
}

func parseSize(value string) (int64, error) {
	value = strings.TrimSpace(strings.ToUpper(value))
	if value == "" {
		return 0, strconv.ErrSyntax
	}

	multiplier := int64(1)
	switch value[len(value)-1] {
	case 'K':
		multiplier = 1024
		value = value[:len(value)-1]
	case 'M':
		multiplier = 1024 * 1024
		value = value[:len(value)-1]
	case 'G':
		multiplier = 1024 * 1024 * 1024
		value = value[:len(value)-1]
	}

	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, err
	}
	return n * multiplier, nil
}
